package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/wire"
	"github.com/jangala-dev/cdba-go/x/timex"
)

// statusRunner forks a board's configured status-cmd helper and forwards
// each line of its stdout as a STATUS_UPDATE JSON payload, used for
// boards whose control backend has no built-in telemetry parser.
type statusRunner struct {
	loop   *reactor.Loop
	cmd    *exec.Cmd
	fd     wire.FD
	watch  reactor.WatchHandle
	buf    []byte
	clock  timex.Clock
	onLine func(string)
}

// newStatusRunner tokenizes line with shlex and prepares the helper
// process. The process is not started until Start is called.
func newStatusRunner(loop *reactor.Loop, line string, clock timex.Clock, onLine func(string)) (*statusRunner, error) {
	argv, err := shlex.Split(line)
	if err != nil || len(argv) == 0 {
		return nil, errcode.Wrap(errcode.Error, "session.newStatusRunner",
			fmt.Errorf("status-cmd %q: no command tokens", line))
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	return &statusRunner{loop: loop, cmd: cmd, clock: clock, onLine: onLine}, nil
}

// Start launches the helper and begins pumping its stdout through the
// owning Session's reactor loop, one line at a time.
func (r *statusRunner) Start() error {
	out, err := r.cmd.StdoutPipe()
	if err != nil {
		return errcode.Wrap(errcode.Error, "statusRunner.Start", err)
	}
	if err := r.cmd.Start(); err != nil {
		return errcode.Wrap(errcode.Error, "statusRunner.Start", err)
	}
	f, ok := out.(*os.File)
	if !ok {
		return errcode.Wrap(errcode.Error, "statusRunner.Start",
			fmt.Errorf("status-cmd: stdout pipe is not a file"))
	}
	if err := wire.SetNonblock(int(f.Fd())); err != nil {
		return errcode.Wrap(errcode.Error, "statusRunner.Start", err)
	}
	r.fd = wire.FD(f.Fd())
	r.watch = r.loop.Watch(int(f.Fd()), r.pump)
	return nil
}

// pump reads whatever is currently available from the helper's stdout
// and emits one onLine call per complete newline-terminated line.
func (r *statusRunner) pump() error {
	var chunk [512]byte
	n, err := r.fd.Read(chunk[:])
	if err != nil {
		if errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return nil // helper went away; Stop() will reap it
	}
	if n == 0 {
		return nil // EOF: helper exited, nothing more to read
	}
	r.buf = append(r.buf, chunk[:n]...)
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(r.buf[:i], "\r"))
		r.buf = r.buf[i+1:]
		if line != "" && r.onLine != nil {
			r.onLine(encodeStatusLine(r.clock, line))
		}
	}
	return nil
}

// Stop stops pumping and releases the helper process. Errors from an
// already-exited process are expected and ignored.
func (r *statusRunner) Stop() error {
	r.watch.Cancel()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.cmd.Wait()
	return nil
}

func encodeStatusLine(clock timex.Clock, line string) string {
	return fmt.Sprintf(`{"ts": %.3f, "raw": %q}`, clock.Elapsed(), line)
}
