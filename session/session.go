// Package session implements the agent-side Session: the per-client
// lifecycle object created when a SELECT_BOARD is honored, binding one
// board's control backend, console, power-up state, and optional
// fastboot handle for the life of one transport connection.
//
// The lifecycle is open once, drive synchronously from the dispatcher,
// close deterministically on teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jangala-dev/cdba-go/backend"
	"github.com/jangala-dev/cdba-go/console"
	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/fastboot"
	"github.com/jangala-dev/cdba-go/lockfile"
	"github.com/jangala-dev/cdba-go/logx"
	"github.com/jangala-dev/cdba-go/powerfsm"
	"github.com/jangala-dev/cdba-go/ppps"
	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/types"
	"github.com/jangala-dev/cdba-go/wire"
	"github.com/jangala-dev/cdba-go/x/timex"
)

// Session binds a board to its open backends for the lifetime of one
// client connection. Not safe for
// concurrent use; driven entirely from the owning reactor.Loop.
type Session struct {
	Board *types.Board

	loop  *reactor.Loop
	clock timex.Clock
	log   *logx.Logger

	ctrl   backend.Control
	handle backend.Handle
	lock   *lockfile.Lock

	conPlain  *console.Console
	conReader interface {
		Read([]byte) (int, error)
	}
	conWriter func([]byte) (int, error)
	conWatch  reactor.WatchHandle

	fsm *powerfsm.FSM

	fb       *fastboot.Watcher
	fbDevice *fastboot.Device
	fbAccum  []byte

	status *statusRunner

	usbOn      bool
	poweredOff bool // set by a successful PowerOff, cleared by PowerOn

	// OnConsole is invoked with every chunk of bytes read from the
	// board's console, for the dispatcher to forward as CONSOLE records.
	OnConsole func([]byte)
	// OnStatusUpdate is invoked with one encoded STATUS_UPDATE JSON line.
	OnStatusUpdate func(string)
	// OnFastbootPresent is invoked with true/false as the board's
	// configured fastboot serial attaches/detaches.
	OnFastbootPresent func(bool)
}

// Open honors a SELECT_BOARD: checks access, acquires the board's
// advisory lock, opens the control backend and console, and arms
// fastboot hotplug detection if the board is configured for it.
//
// A contended lockfile is retried every lockfile.RetryInterval until it
// is acquired or ctx is done. The wait runs inside the caller's reactor
// callback, so the transport is not read meanwhile; the agent passes a
// context that is never canceled, so a client that disconnects during
// the wait is not noticed until the lock is acquired.
func Open(ctx context.Context, loop *reactor.Loop, board *types.Board, username string) (*Session, error) {
	if !board.AllowsUser(username) {
		return nil, errcode.Wrap(errcode.AccessDenied, "session.Open",
			fmt.Errorf("user %q is not permitted on board %q", username, board.ID))
	}

	lock := lockfile.New(board.ID)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}

	ctrl, err := backend.Open(board)
	if err != nil {
		lock.Release()
		return nil, err
	}
	handle, err := ctrl.Open(board)
	if err != nil {
		lock.Release()
		return nil, err
	}

	s := &Session{
		Board: board,
		loop:  loop,
		clock: timex.NewClock(),
		log:   logx.Default,
		ctrl:  ctrl, handle: handle,
		lock: lock,
	}

	if err := s.attachConsole(); err != nil {
		ctrl.Close(handle)
		lock.Release()
		return nil, err
	}

	s.fsm = powerfsm.New(loop, board, ctrl, handle)
	s.fsm.OnError = func(err error) {
		s.log.Warnf("board %s: power-up step failed: %v", board.ID, err)
	}

	if at, ok := ctrl.(backend.Attacher); ok {
		at.Attach(loop)
	}

	if board.HasFastboot() {
		s.fb = fastboot.NewWatcher(loop, board.FastbootSerial)
		s.fb.OnAttach = s.onFastbootAttach
		s.fb.OnDetach = s.onFastbootDetach
		s.fb.Start()
	}

	return s, nil
}

// attachConsole opens the board's console transport: either the plain
// serial line at board.ConsolePath, or, for a backend that is also its
// own console (conmux), the socket exposed through backend.ConsoleProvider.
func (s *Session) attachConsole() error {
	if cp, ok := s.ctrl.(backend.ConsoleProvider); ok {
		fdSrc, ok := s.ctrl.(interface{ Fd() (int, error) })
		if !ok {
			return errcode.Wrap(errcode.BackendOpenFailed, "session.attachConsole",
				fmt.Errorf("backend %q provides no console descriptor", s.Board.ControlBackend))
		}
		fd, err := fdSrc.Fd()
		if err != nil {
			return errcode.Wrap(errcode.BackendOpenFailed, "session.attachConsole", err)
		}
		reader, ok := s.ctrl.(interface {
			Read([]byte) (int, error)
		})
		if !ok {
			return errcode.Wrap(errcode.BackendOpenFailed, "session.attachConsole",
				fmt.Errorf("backend %q provides no console reader", s.Board.ControlBackend))
		}
		cp.SetConsoleSink(s.publishConsole)
		s.conReader = reader
		s.conWriter = func(buf []byte) (int, error) { return cp.ConsoleWrite(s.handle, buf) }
		s.conWatch = s.loop.Watch(fd, s.pumpConsole)
		return nil
	}

	con, err := console.Open(s.Board.ConsolePath)
	if err != nil {
		return err
	}
	s.conPlain = con
	s.conReader = con
	s.conWriter = con.Write
	s.conWatch = s.loop.Watch(con.Fd(), s.pumpConsole)
	return nil
}

func (s *Session) pumpConsole() error {
	var buf [512]byte
	n, err := s.conReader.Read(buf[:])
	if err != nil {
		if errcode.Is(err, errcode.WouldBlock) || errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return err
	}
	if n > 0 {
		s.publishConsole(buf[:n])
	}
	return nil
}

func (s *Session) publishConsole(b []byte) {
	if s.OnConsole == nil || len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.OnConsole(cp)
}

// WriteConsole forwards a CONSOLE record's payload to the board's
// console transport.
func (s *Session) WriteConsole(buf []byte) error {
	if s.conWriter == nil {
		return nil
	}
	_, err := s.conWriter(buf)
	return err
}

// SendBreak issues a break condition on the console line, when the
// transport supports it (the plain serial console does; conmux has no
// send-break path).
func (s *Session) SendBreak() error {
	if s.conPlain != nil {
		return s.conPlain.SendBreak()
	}
	return nil
}

// PowerOn drives the power-up state machine.
func (s *Session) PowerOn() error {
	s.poweredOff = false
	return s.fsm.PowerOn()
}

// PowerOff drives the backend's power(false) directly, pre-empting any
// in-flight power-up. A repeated POWER_OFF with no POWER_ON in between
// is not forwarded to the backend again.
func (s *Session) PowerOff() error {
	if s.poweredOff {
		return nil
	}
	err := s.fsm.PowerOff()
	s.poweredOff = err == nil
	return err
}

// Vbus toggles the board's USB supply: through ppps sysfs if configured,
// otherwise through the control backend's own Usb operation.
func (s *Session) Vbus(on bool) error {
	s.usbOn = on
	if s.Board.PPPSPath != "" || s.Board.PPPS3Path != "" {
		if errs := ppps.SetPower(s.Board.PPPSPath, s.Board.PPPS3Path, on); len(errs) > 0 {
			return errs[0]
		}
		return nil
	}
	if us, ok := s.ctrl.(backend.UsbSwitcher); ok {
		return us.Usb(s.handle, on)
	}
	return nil
}

// StatusEnable arms telemetry reporting: either the control backend's
// own parsed stream, or, when the board has none, the supplemented
// status-cmd helper process.
func (s *Session) StatusEnable() error {
	if ts, ok := s.ctrl.(backend.TelemetrySink); ok {
		ts.SetSink(s.publishTelemetry)
		if se, ok := s.ctrl.(backend.StatusEnabler); ok {
			return se.StatusEnable(s.handle)
		}
		return nil
	}
	if s.Board.StatusCmd != "" && s.status == nil {
		r, err := newStatusRunner(s.loop, s.Board.StatusCmd, s.clock, func(line string) {
			if s.OnStatusUpdate != nil {
				s.OnStatusUpdate(line)
			}
		})
		if err != nil {
			return err
		}
		s.status = r
		return r.Start()
	}
	return nil
}

func (s *Session) publishTelemetry(tm backend.Telemetry) {
	if s.OnStatusUpdate == nil {
		return
	}
	inner := map[string]any{}
	if tm.MV != nil {
		inner["mv"] = *tm.MV
	}
	if tm.MA != nil {
		inner["ma"] = *tm.MA
	}
	payload := map[string]any{"ts": s.clock.Elapsed(), tm.Group: inner}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.OnStatusUpdate(string(b))
}

func (s *Session) onFastbootAttach(d *fastboot.Device) {
	s.fbDevice = d
	if s.OnFastbootPresent != nil {
		s.OnFastbootPresent(true)
	}
}

func (s *Session) onFastbootDetach() {
	s.fbDevice = nil
	s.fbAccum = nil
	if s.OnFastbootPresent != nil {
		s.OnFastbootPresent(false)
	}
}

// FastbootDownload accumulates one upload chunk; a zero-length chunk is
// the terminator that triggers the image write and the board's boot
// sequence.
func (s *Session) FastbootDownload(chunk []byte) error {
	if len(chunk) == 0 {
		return s.finishFastbootDownload()
	}
	s.fbAccum = append(s.fbAccum, chunk...)
	return nil
}

func (s *Session) finishFastbootDownload() error {
	if s.fbDevice == nil {
		return errcode.Wrap(errcode.FastbootFail, "session.FastbootDownload",
			fmt.Errorf("no fastboot device attached for board %q", s.Board.ID))
	}
	data := s.fbAccum
	s.fbAccum = nil
	if err := s.fbDevice.Download(data, s.logFastbootInfo); err != nil {
		return err
	}
	return s.bootFastboot()
}

// bootFastboot finishes an upload: set_active if configured, then
// either "boot" or, for boards whose fastboot can't do that directly,
// flash-to-boot-partition plus reboot (board flag broken_fastboot_boot).
func (s *Session) bootFastboot() error {
	if s.Board.FastbootSetActive != "" {
		if err := s.fbDevice.SetActive(s.Board.FastbootSetActive, s.logFastbootInfo); err != nil {
			return err
		}
	}
	if s.Board.BrokenFastbootBoot {
		if err := s.fbDevice.Flash("boot", s.logFastbootInfo); err != nil {
			return err
		}
		return s.fbDevice.Reboot(s.logFastbootInfo)
	}
	return s.fbDevice.Boot(s.logFastbootInfo)
}

// FastbootContinue issues fastboot "continue".
func (s *Session) FastbootContinue() error {
	if s.fbDevice == nil {
		return nil
	}
	return s.fbDevice.Continue(s.logFastbootInfo)
}

// FastbootReboot issues fastboot "reboot", backing the FASTBOOT_REBOOT
// tag.
func (s *Session) FastbootReboot() error {
	if s.fbDevice == nil {
		return nil
	}
	return s.fbDevice.Reboot(s.logFastbootInfo)
}

func (s *Session) logFastbootInfo(line string) {
	s.log.Infof("board %s: fastboot: %s", s.Board.ID, line)
}

// Close releases every resource the session opened, honoring the
// usb-always-on/power-always-on flags that suppress the matching
// teardown action.
func (s *Session) Close() error {
	if s.fb != nil {
		s.fb.Stop()
	}
	if s.status != nil {
		s.status.Stop()
	}
	s.conWatch.Cancel()

	if !s.Board.PowerAlwaysOn {
		s.fsm.PowerOff()
	}
	if !s.Board.UsbAlwaysOn {
		s.Vbus(false)
	}

	var firstErr error
	if s.conPlain != nil {
		if err := s.conPlain.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.ctrl.Close(s.handle); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
