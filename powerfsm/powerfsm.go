// Package powerfsm implements the power-up state machine driven by the
// agent once a session opens a board's control backend.
//
// The machine is advanced entirely through reactor timers, never by
// sleeping: a chain of one-shot reactor.AfterFunc timers, each
// scheduling the next state.
package powerfsm

import (
	"time"

	"github.com/jangala-dev/cdba-go/backend"
	"github.com/jangala-dev/cdba-go/ppps"
	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/types"
)

// State is one stage of the power-up sequence. It only
// ever advances forward; PowerOff resets it to StateIdle regardless of
// where it was.
type State int

const (
	StateIdle State = iota
	StateStart
	StateConnect
	StatePress
	StateReleasePwr
	StateReleaseFastboot
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStart:
		return "start"
	case StateConnect:
		return "connect"
	case StatePress:
		return "press"
	case StateReleasePwr:
		return "release_pwr"
	case StateReleaseFastboot:
		return "release_fastboot"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Fixed delays between power-up stages.
const (
	startDelay      = 10 * time.Millisecond
	pressDelay      = 250 * time.Millisecond
	releasePwrDelay = 100 * time.Millisecond
)

// FSM drives one session's control backend through the power-up
// sequence. It is not safe for concurrent use; like everything else in
// this repository it is only ever driven from the single reactor
// goroutine.
type FSM struct {
	board *types.Board
	ctrl  backend.Control
	h     backend.Handle
	loop  *reactor.Loop

	// OnError is invoked for any backend call that fails while the
	// machine is mid-transition (PowerOn's own errors are returned
	// directly). Left nil, failures are silently ignored, matching the
	// fire-and-forget backend writes elsewhere in this repository
	// (e.g. backend.cdbAssist.setVoltage).
	OnError func(error)

	state State
	timer reactor.TimerHandle
}

// New returns an FSM in StateIdle for the given board, bound to ctrl's
// already-open handle h.
func New(loop *reactor.Loop, board *types.Board, ctrl backend.Control, h backend.Handle) *FSM {
	return &FSM{loop: loop, board: board, ctrl: ctrl, h: h}
}

// State reports the machine's current stage.
func (f *FSM) State() State { return f.state }

// PowerOn begins the power-up sequence from StateIdle. Calling it again
// while already transitioning or running is a no-op; after PowerOff the
// sequence starts again from StateStart.
func (f *FSM) PowerOn() error {
	if f.state != StateIdle {
		return nil
	}
	return f.enterStart()
}

// PowerOff drives the backend's power(false) directly, bypassing the
// machine entirely, and cancels any pending transition timer so a
// power-off pre-empts an in-flight power-up. The FSM itself forwards
// every call; Session.PowerOff skips a repeated POWER_OFF, so two
// consecutive requests produce the same terminal state and the same
// number of backend Power(false) calls as one.
func (f *FSM) PowerOff() error {
	f.timer.Cancel()
	f.state = StateIdle
	return f.ctrl.Power(f.h, false)
}

func (f *FSM) key(key types.Key, asserted bool) error {
	ka, ok := f.ctrl.(backend.KeyActuator)
	if !ok {
		return nil
	}
	return ka.Key(f.h, key, asserted)
}

func (f *FSM) usb(on bool) error {
	if f.board.PPPSPath != "" || f.board.PPPS3Path != "" {
		if errs := ppps.SetPower(f.board.PPPSPath, f.board.PPPS3Path, on); len(errs) > 0 {
			return errs[0]
		}
		return nil
	}
	us, ok := f.ctrl.(backend.UsbSwitcher)
	if !ok {
		return nil
	}
	return us.Usb(f.h, on)
}

func (f *FSM) fail(err error) {
	if err != nil && f.OnError != nil {
		f.OnError(err)
	}
}

// enterStart: assert the fastboot key if the board uses key-timeout
// fastboot entry, release the power key if the board has one, then
// schedule CONNECT at +10ms.
func (f *FSM) enterStart() error {
	f.state = StateStart
	if f.board.FastbootKeyTimeout > 0 {
		if err := f.key(types.KeyFastboot, true); err != nil {
			return err
		}
	}
	if f.board.HasPowerKey {
		if err := f.key(types.KeyPower, false); err != nil {
			return err
		}
	}
	f.timer = f.loop.AfterFunc(startDelay, f.enterConnect)
	return nil
}

// enterConnect: energize power and USB, then branch on the board's
// button/fastboot-timeout configuration.
func (f *FSM) enterConnect() {
	f.state = StateConnect
	f.fail(f.ctrl.Power(f.h, true))
	f.fail(f.usb(true))

	switch {
	case f.board.HasPowerKey:
		f.timer = f.loop.AfterFunc(pressDelay, f.enterPress)
	case f.board.FastbootKeyTimeout > 0:
		f.timer = f.loop.AfterFunc(fastbootTimeout(f.board), f.enterReleaseFastboot)
	default:
		f.enterRunning()
	}
}

// enterPress: assert the power key, schedule RELEASE_PWR at +100ms.
func (f *FSM) enterPress() {
	f.state = StatePress
	f.fail(f.key(types.KeyPower, true))
	f.timer = f.loop.AfterFunc(releasePwrDelay, f.enterReleasePwr)
}

// enterReleasePwr: release the power key, then either schedule
// RELEASE_FASTBOOT or go straight to RUNNING.
func (f *FSM) enterReleasePwr() {
	f.state = StateReleasePwr
	f.fail(f.key(types.KeyPower, false))

	if f.board.FastbootKeyTimeout > 0 {
		f.timer = f.loop.AfterFunc(fastbootTimeout(f.board), f.enterReleaseFastboot)
		return
	}
	f.enterRunning()
}

// enterReleaseFastboot: release the fastboot key, then RUNNING.
func (f *FSM) enterReleaseFastboot() {
	f.state = StateReleaseFastboot
	f.fail(f.key(types.KeyFastboot, false))
	f.enterRunning()
}

func (f *FSM) enterRunning() {
	f.state = StateRunning
}

func fastbootTimeout(board *types.Board) time.Duration {
	return time.Duration(board.FastbootKeyTimeout) * time.Second
}
