package controller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jangala-dev/cdba-go/wire"
)

// newTestController wires a Controller to pipe transports and returns a
// reader for everything the controller sends, so tests can decode its
// outgoing frames with the same codec the agent would use.
func newTestController(t *testing.T, cfg Config) (*Controller, *os.File) {
	t.Helper()

	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	t.Cleanup(func() {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
	})

	if cfg.Stdout == nil {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			t.Fatalf("open %s: %v", os.DevNull, err)
		}
		t.Cleanup(func() { devnull.Close() })
		cfg.Stdout = devnull
	}
	cfg.Stdin = -1

	c, err := New(cfg, int(inR.Fd()), int(outW.Fd()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, outR
}

func writeImage(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.img")
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// readFrames decodes exactly n frames from the controller's outgoing pipe.
func readFrames(t *testing.T, r *os.File, n int) []wire.Message {
	t.Helper()
	ring := wire.NewRing()
	codec := wire.NewCodec(ring)
	var got []wire.Message
	buf := make([]byte, 4096)
	for len(got) < n {
		c, err := r.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v (got %d of %d frames)", err, len(got), n)
		}
		if _, err := ring.Fill(&sliceReader{data: buf[:c]}); err != nil {
			t.Fatalf("Fill: %v", err)
		}
		if err := codec.Drain(func(m wire.Message) error {
			cp := append([]byte(nil), m.Payload...)
			got = append(got, wire.Message{Tag: m.Tag, Payload: cp})
			return nil
		}); err != nil {
			t.Fatalf("Drain: %v", err)
		}
	}
	return got
}

type sliceReader struct {
	data []byte
	done bool
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.done {
		return 0, wire.ErrWouldBlock
	}
	s.done = true
	return copy(p, s.data), nil
}

func TestStartUpload_ChunksAndSingleTerminator(t *testing.T) {
	c, out := newTestController(t, Config{
		BoardID:   "db410c",
		ImagePath: writeImage(t, 3072),
	})

	if err := c.startUpload(); err != nil {
		t.Fatalf("startUpload: %v", err)
	}

	frames := readFrames(t, out, 3)
	if len(frames[0].Payload) != 2048 {
		t.Fatalf("first chunk = %d bytes, want 2048", len(frames[0].Payload))
	}
	if len(frames[1].Payload) != 1024 {
		t.Fatalf("second chunk = %d bytes, want 1024", len(frames[1].Payload))
	}
	if frames[2].Tag != wire.FastbootDownload || len(frames[2].Payload) != 0 {
		t.Fatalf("terminator = %+v, want empty FASTBOOT_DOWNLOAD", frames[2])
	}
	for _, f := range frames {
		if f.Tag != wire.FastbootDownload {
			t.Fatalf("unexpected tag %v in upload stream", f.Tag)
		}
	}
	if !c.uploadDone {
		t.Fatal("uploadDone not set after the terminator")
	}
}

func TestDispatch_FastbootPresentUploadsOnce(t *testing.T) {
	c, out := newTestController(t, Config{
		BoardID:   "db410c",
		ImagePath: writeImage(t, 100),
	})

	if err := c.dispatch(wire.Message{Tag: wire.FastbootPresent, Payload: []byte{1}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	frames := readFrames(t, out, 2)
	if len(frames[0].Payload) != 100 || len(frames[1].Payload) != 0 {
		t.Fatalf("got %d+%d byte frames, want 100+0", len(frames[0].Payload), len(frames[1].Payload))
	}

	// A second enumeration without repeat mode must not re-upload.
	if err := c.dispatch(wire.Message{Tag: wire.FastbootPresent, Payload: []byte{1}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// (*os.File).Fd puts the descriptor back into blocking mode on every
	// call, so take it once and probe the raw fd.
	outFD := int(out.Fd())
	if err := wire.SetNonblock(outFD); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	var probe [1]byte
	if n, err := wire.FD(outFD).Read(probe[:]); n != 0 || err != wire.ErrWouldBlock {
		t.Fatalf("controller re-uploaded after a second enumeration without repeat mode (n=%d err=%v)", n, err)
	}
}

func TestDispatch_ShutdownMarkerPowerCycles(t *testing.T) {
	c, out := newTestController(t, Config{
		BoardID:     "db410c",
		PowerCycles: 1,
	})

	marker := make([]byte, markerLen)
	for i := range marker {
		marker[i] = '~'
	}
	if err := c.dispatch(wire.Message{Tag: wire.Console, Payload: marker}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	frames := readFrames(t, out, 1)
	if frames[0].Tag != wire.PowerOff {
		t.Fatalf("got %v, want POWER_OFF after the shutdown marker", frames[0].Tag)
	}
	if !c.autoPowerOn {
		t.Fatal("auto power-on not armed after the marker")
	}
	if c.cfg.PowerCycles != 0 {
		t.Fatalf("PowerCycles = %d, want 0 after consuming one cycle", c.cfg.PowerCycles)
	}
}

func TestDispatch_ShutdownMarkerWithoutCyclesExits(t *testing.T) {
	c, _ := newTestController(t, Config{
		BoardID:     "db410c",
		PowerCycles: 0,
	})

	marker := make([]byte, markerLen)
	for i := range marker {
		marker[i] = '~'
	}
	if err := c.dispatch(wire.Message{Tag: wire.Console, Payload: marker}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if c.exitCode != ExitOK {
		t.Fatalf("exitCode = %d, want %d", c.exitCode, ExitOK)
	}
}

func TestOnTimeout_ExitCodes(t *testing.T) {
	c, _ := newTestController(t, Config{BoardID: "db410c"})
	c.onTimeout()
	if c.exitCode != ExitTimeoutBeforeUpload {
		t.Fatalf("exitCode = %d, want %d", c.exitCode, ExitTimeoutBeforeUpload)
	}

	c2, _ := newTestController(t, Config{BoardID: "db410c"})
	c2.uploadDone = true
	c2.onTimeout()
	if c2.exitCode != ExitTimeoutAfterUpload {
		t.Fatalf("exitCode = %d, want %d", c2.exitCode, ExitTimeoutAfterUpload)
	}
}
