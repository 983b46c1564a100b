// Package backend abstracts over the heterogeneous hardware that can
// energize, power-cycle, and actuate keys on a board: serial-attached
// power controllers, USB bit-banging bridges, IP-connected relay boxes,
// external helper commands, and Linux GPIO chip lines.
//
// Concrete implementations register themselves from an init func via
// Register, keyed by the inventory's control-backend name, instead of a
// hand-written switch over backend types.
package backend

import (
	"fmt"
	"sync"

	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/types"
)

// Handle is an opaque per-session handle returned by Open; concrete
// backends type-assert it back to their own struct.
type Handle any

// Control is the uniform capability surface over one control backend.
// Usb, Key, and StatusEnable are optional capabilities expressed as
// separate interfaces (UsbSwitcher, KeyActuator, StatusEnabler); a
// backend that doesn't support one simply doesn't implement it.
type Control interface {
	// Open claims whatever resource backs this backend (serial line, TCP
	// socket, GPIO chip) for board and returns a session handle.
	Open(board *types.Board) (Handle, error)
	// Close releases the handle acquired by Open.
	Close(h Handle) error
	// Power drives the board's main power line.
	Power(h Handle, on bool) error
}

// UsbSwitcher is implemented by backends that can toggle USB VBUS
// themselves (when the board has no ppps_path configured).
type UsbSwitcher interface {
	Usb(h Handle, on bool) error
}

// KeyActuator is implemented by backends with discrete power/fastboot
// key lines.
type KeyActuator interface {
	Key(h Handle, key types.Key, asserted bool) error
}

// StatusEnabler is implemented by backends that stream telemetry once
// asked to (cdb-assist, qcomlt-debug).
type StatusEnabler interface {
	StatusEnable(h Handle) error
}

// Attacher is implemented by backends that read from their own fd on a
// schedule independent of the session's SELECT_BOARD/CONSOLE handling
// (cdb-assist, qcomlt-debug both pump an unsolicited telemetry stream).
// The session calls Attach once it owns the reactor loop, mirroring the
// two backends' own Attach(loop) methods.
type Attacher interface {
	Attach(loop *reactor.Loop)
}

// Builder constructs a Control backend from a board's resolved options.
type Builder interface {
	Build(board *types.Board) (Control, error)
}

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

// Register installs b as the Builder for the inventory control-backend
// key name (one of "alpaca", "cdba", "conmux", "ftdi_gpio", "local_gpio",
// "qcomlt_debug_board", "laurent", "external"). Called from each backend
// file's init.
func Register(name string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := builders[name]; exists {
		panic(fmt.Sprintf("backend: builder already registered for %q", name))
	}
	builders[name] = b
}

// Open resolves board.ControlBackend to a registered Builder and builds
// a Control for it.
func Open(board *types.Board) (Control, error) {
	mu.RLock()
	b, ok := builders[board.ControlBackend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: unsupported control backend %q", board.ControlBackend)
	}
	return b.Build(board)
}
