// Package controller implements the workstation-side role: the
// interactive terminal, the console shutdown-marker auto power-cycle
// loop, the fastboot upload pump, and the two independent timeout
// budgets.
//
// All timing goes through reactor timers, never inline sleeps: the
// total/inactivity timeout pair and the 2s power-cycle delay are each a
// scheduled callback.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/logx"
	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/wire"
	"github.com/jangala-dev/cdba-go/x/mathx"
)

// Exit codes reported to the invoking shell.
const (
	ExitOK                  = 0
	ExitTransportLoss       = 1
	ExitTimeoutBeforeUpload = 2
	ExitTimeoutAfterUpload  = 110
)

// DefaultTotalTimeout is the controller's total-session budget absent an
// explicit configuration.
const DefaultTotalTimeout = 600 * time.Second

// uploadChunk bounds each FASTBOOT_DOWNLOAD payload, keeping every
// frame well under the receiving ring's usable capacity.
const uploadChunk = 2048

// escape is the one-byte prefix that starts an escape sequence on
// standard input.
const escape = 0x01

// Config collects everything a Controller needs beyond the already-open
// transport descriptors.
type Config struct {
	BoardID string

	ImagePath string
	Repeat    bool

	// PowerCycles is the number of shutdown-marker-triggered power
	// cycles the controller will still perform; negative means
	// unlimited.
	PowerCycles int
	// CycleOnTimeout makes a timeout behave like a shutdown marker
	// instead of exiting.
	CycleOnTimeout bool

	TotalTimeout      time.Duration
	InactivityTimeout time.Duration

	// StatusFifoPath, if set, receives a copy of every STATUS_UPDATE
	// line verbatim.
	StatusFifoPath string

	ListDevices bool
	BoardInfo   bool

	Stdin  int // terminal fd to read escape-prefixed input from, or -1
	Stdout *os.File
}

// Controller drives one client session against an already-connected
// transport (conventionally the stdin/stdout pipes of a spawned ssh
// child running the agent binary).
type Controller struct {
	cfg Config
	log *logx.Logger

	loop  *reactor.Loop
	in    *wire.Ring
	codec *wire.Codec
	out   *wire.Writer
	rfd   wire.FD

	stdinFD  wire.FD
	stdinWas *termState
	escaped  bool

	statusFifo *os.File

	image        []byte
	uploadOffset int
	uploadDone   bool

	marker      markerScanner
	autoPowerOn bool

	totalTimer      reactor.TimerHandle
	inactivityTimer reactor.TimerHandle

	exitCode int
}

// New returns a Controller reading framed replies from readFD and
// writing framed requests to writeFD.
func New(cfg Config, readFD, writeFD int) (*Controller, error) {
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = DefaultTotalTimeout
	}
	if err := wire.SetNonblock(readFD); err != nil {
		return nil, errcode.Wrap(errcode.Error, "controller.New", err)
	}

	c := &Controller{
		cfg:  cfg,
		log:  logx.Default,
		loop: reactor.New(),
		in:   wire.NewRing(),
		out:  wire.NewWriter(writeFD),
		rfd:  wire.FD(readFD),
	}
	c.codec = wire.NewCodec(c.in)

	if cfg.ImagePath != "" {
		data, err := os.ReadFile(cfg.ImagePath)
		if err != nil {
			return nil, errcode.Wrap(errcode.Error, "controller.New", err)
		}
		c.image = data
	}
	if cfg.StatusFifoPath != "" {
		f, err := os.OpenFile(cfg.StatusFifoPath, os.O_WRONLY, 0)
		if err != nil {
			return nil, errcode.Wrap(errcode.Error, "controller.New", err)
		}
		c.statusFifo = f
	}
	return c, nil
}

// Run drives the session to completion and returns the process exit
// code.
func (c *Controller) Run(ctx context.Context) int {
	defer c.teardown()

	if c.cfg.Stdin >= 0 && isTTY(c.cfg.Stdin) {
		st, err := enableRaw(c.cfg.Stdin)
		if err != nil {
			c.log.Warnf("terminal: %v", err)
		} else {
			c.stdinWas = st
		}
		c.stdinFD = wire.FD(c.cfg.Stdin)
		if err := wire.SetNonblock(c.cfg.Stdin); err != nil {
			c.log.Warnf("terminal: %v", err)
		} else {
			c.loop.Watch(c.cfg.Stdin, c.onStdin)
		}
	}

	c.loop.Watch(int(c.rfd), c.pump)
	c.armTimeouts()

	if err := c.send(c.initialRequest()); err != nil {
		return c.finish(ExitTransportLoss)
	}

	err := c.loop.Run()
	if err != nil && c.exitCode == ExitOK {
		c.log.Errorf("transport: %v", err)
		return c.finish(ExitTransportLoss)
	}
	return c.exitCode
}

func boardIDPayload(id string) []byte {
	return append([]byte(id), 0)
}

// initialRequest picks the first message sent once the transport is up:
// a one-shot LIST_DEVICES/BOARD_INFO query, or the normal SELECT_BOARD
// that starts a board session.
func (c *Controller) initialRequest() wire.Message {
	switch {
	case c.cfg.ListDevices:
		return wire.Message{Tag: wire.ListDevices}
	case c.cfg.BoardInfo:
		return wire.Message{Tag: wire.BoardInfo, Payload: boardIDPayload(c.cfg.BoardID)}
	default:
		return wire.Message{Tag: wire.SelectBoard, Payload: boardIDPayload(c.cfg.BoardID)}
	}
}

func (c *Controller) teardown() {
	c.stdinWas.restore()
	if c.statusFifo != nil {
		c.statusFifo.Close()
	}
}

// finish records the process's exit code and asks the loop to stop.
func (c *Controller) finish(code int) int {
	c.exitCode = code
	c.loop.Quit()
	return code
}

func (c *Controller) send(m wire.Message) error {
	if err := c.out.Send(m); err != nil {
		c.log.Errorf("transport write failed: %v", err)
		c.loop.QuitWithError(err)
		return err
	}
	return nil
}

// pump fills the ring from the agent's replies and drains complete
// frames, applying the same Fill ambiguity guard as the agent side.
func (c *Controller) pump() error {
	hadFree := c.in.Free() > 0
	n, err := c.in.Fill(c.rfd)
	if err != nil {
		if errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return errcode.Wrap(errcode.TransportEOF, "controller.pump", err)
	}
	if n == 0 && hadFree {
		return errcode.Wrap(errcode.TransportEOF, "controller.pump", errors.New("end of stream"))
	}
	return c.codec.Drain(c.dispatch)
}

func (c *Controller) dispatch(m wire.Message) error {
	c.resetInactivity()

	switch m.Tag {
	case wire.SelectBoard:
		// The agent echoing SELECT_BOARD means the session is up;
		// answer by issuing POWER_ON.
		return c.send(wire.Message{Tag: wire.PowerOn})
	case wire.Console:
		c.cfg.Stdout.Write(m.Payload)
		if c.marker.Scan(m.Payload) {
			c.onShutdownMarker()
		}
		return nil
	case wire.PowerOff:
		if c.autoPowerOn {
			c.autoPowerOn = false
			c.loop.AfterFunc(2*time.Second, func() { c.send(wire.Message{Tag: wire.PowerOn}) })
		}
		return nil
	case wire.PowerOn:
		return nil
	case wire.FastbootPresent:
		present := len(m.Payload) > 0 && m.Payload[0] != 0
		if present && len(c.image) > 0 && (!c.uploadDone || c.cfg.Repeat) {
			return c.startUpload()
		}
		return nil
	case wire.StatusUpdate:
		if c.statusFifo != nil {
			if _, err := c.statusFifo.Write(append(append([]byte(nil), m.Payload...), '\n')); err != nil {
				c.log.Warnf("status fifo: %v", err)
			}
		}
		return nil
	case wire.ListDevices:
		fmt.Fprintln(c.cfg.Stdout, string(m.Payload))
		if len(m.Payload) == 0 {
			c.finish(ExitOK)
		}
		return nil
	case wire.BoardInfo:
		fmt.Fprintln(c.cfg.Stdout, string(m.Payload))
		c.finish(ExitOK)
		return nil
	case wire.HardReset, wire.CaptureImage, wire.FastbootBoot:
		return nil
	default:
		return errcode.Wrap(errcode.UnknownTag, "controller.dispatch", fmt.Errorf("tag %s", m.Tag))
	}
}

// startUpload sends the whole staged image as a sequence of ≤2KiB
// FASTBOOT_DOWNLOAD frames followed by exactly one zero-length
// terminator.
func (c *Controller) startUpload() error {
	c.uploadOffset = 0
	chunks := mathx.CeilDiv(uint64(len(c.image)), uint64(uploadChunk))
	c.log.Infof("board %s: uploading %d bytes in %d chunks", c.cfg.BoardID, len(c.image), chunks)
	for c.uploadOffset < len(c.image) {
		end := c.uploadOffset + uploadChunk
		if end > len(c.image) {
			end = len(c.image)
		}
		if err := c.send(wire.Message{Tag: wire.FastbootDownload, Payload: c.image[c.uploadOffset:end]}); err != nil {
			return err
		}
		c.uploadOffset = end
	}
	if err := c.send(wire.Message{Tag: wire.FastbootDownload}); err != nil {
		return err
	}
	c.uploadDone = true
	return nil
}

// onShutdownMarker implements the power-cycle loop: power off,
// arm auto power-on, consume one of the remaining cycles (if bounded),
// and otherwise exit cleanly.
func (c *Controller) onShutdownMarker() {
	if c.cfg.PowerCycles == 0 {
		c.finish(ExitOK)
		return
	}
	if c.cfg.PowerCycles > 0 {
		c.cfg.PowerCycles--
	}
	c.autoPowerOn = true
	c.send(wire.Message{Tag: wire.PowerOff})
	c.resetInactivity()
}

func (c *Controller) armTimeouts() {
	if c.cfg.TotalTimeout > 0 {
		c.totalTimer = c.loop.AfterFunc(c.cfg.TotalTimeout, c.onTimeout)
	}
	c.armInactivity()
}

func (c *Controller) armInactivity() {
	if c.cfg.InactivityTimeout <= 0 {
		return
	}
	c.inactivityTimer.Cancel()
	c.inactivityTimer = c.loop.AfterFunc(c.cfg.InactivityTimeout, c.onTimeout)
}

// resetInactivity re-arms the inactivity timer on any agent activity,
// not just CONSOLE traffic.
func (c *Controller) resetInactivity() {
	c.armInactivity()
}

func (c *Controller) onTimeout() {
	if c.cfg.CycleOnTimeout {
		c.onShutdownMarker()
		return
	}
	if c.uploadDone {
		c.finish(ExitTimeoutAfterUpload)
		return
	}
	c.finish(ExitTimeoutBeforeUpload)
}

// onStdin reads raw-mode terminal bytes, expands the 0x01 escape
// prefix, and forwards every other byte as a one-byte CONSOLE message.
func (c *Controller) onStdin() error {
	var buf [512]byte
	n, err := c.stdinFD.Read(buf[:])
	if err != nil {
		if errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return nil // stdin EOF/closed: keep running the board session
	}
	for i := 0; i < n; i++ {
		b := buf[i]
		if c.escaped {
			c.escaped = false
			if err := c.handleEscape(b); err != nil {
				return err
			}
			continue
		}
		if b == escape {
			c.escaped = true
			continue
		}
		if err := c.send(wire.Message{Tag: wire.Console, Payload: []byte{b}}); err != nil {
			return err
		}
	}
	return nil
}

// handleEscape dispatches one escape-sequence byte: quit, power on/off,
// enable telemetry, VBUS on/off, send break, literal 0x01, image
// capture.
func (c *Controller) handleEscape(b byte) error {
	switch b {
	case '.', 'q':
		c.finish(ExitOK)
		return nil
	case 'p':
		return c.send(wire.Message{Tag: wire.PowerOn})
	case 'o':
		return c.send(wire.Message{Tag: wire.PowerOff})
	case 's':
		return c.send(wire.Message{Tag: wire.StatusUpdate})
	case 'u':
		return c.send(wire.Message{Tag: wire.VbusOn})
	case 'd':
		return c.send(wire.Message{Tag: wire.VbusOff})
	case 'b':
		return c.send(wire.Message{Tag: wire.SendBreak})
	case 'i':
		return c.send(wire.Message{Tag: wire.CaptureImage})
	case escape:
		return c.send(wire.Message{Tag: wire.Console, Payload: []byte{escape}})
	default:
		return nil
	}
}
