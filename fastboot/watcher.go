package fastboot

import (
	"time"

	"github.com/google/gousb"

	"github.com/jangala-dev/cdba-go/reactor"
)

// PollInterval governs how often Watcher re-enumerates the bus looking
// for the configured serial number (see the package doc comment on why
// polling substitutes for a hotplug callback).
var PollInterval = 500 * time.Millisecond

// Watcher drives hotplug detection for one board's fastboot serial
// number: an initial enumeration scan plus periodic re-polling, emitting
// OnAttach/OnDetach exactly once per transition.
type Watcher struct {
	ctx    *gousb.Context
	serial string
	loop   *reactor.Loop

	OnAttach func(*Device)
	OnDetach func()

	current *Device
	timer   reactor.TimerHandle
	stopped bool
}

// NewWatcher returns a Watcher for serial, driven by loop's timers.
func NewWatcher(loop *reactor.Loop, serial string) *Watcher {
	return &Watcher{ctx: gousb.NewContext(), serial: serial, loop: loop}
}

// Start performs the initial enumeration scan and arms periodic polling.
func (w *Watcher) Start() {
	w.poll()
	w.arm()
}

// Stop cancels polling and releases any currently attached device and
// the USB context.
func (w *Watcher) Stop() {
	w.stopped = true
	w.timer.Cancel()
	if w.current != nil {
		w.current.Close()
		w.current = nil
	}
	w.ctx.Close()
}

func (w *Watcher) arm() {
	if w.stopped {
		return
	}
	w.timer = w.loop.AfterFunc(PollInterval, func() {
		w.poll()
		w.arm()
	})
}

// poll re-enumerates the bus once. If the currently-claimed device's
// path is no longer present, it is torn down and OnDetach fires; if no
// device is currently claimed and one now matches, it is opened and
// OnAttach fires. A still-matching serial at a different bus path (the
// board reset back into fastboot between polls) is treated as
// detach-then-attach.
func (w *Watcher) poll() {
	found, err := FindBySerial(w.ctx, w.serial)
	if err != nil {
		return
	}

	switch {
	case w.current == nil && found != nil:
		w.current = found
		if w.OnAttach != nil {
			w.OnAttach(found)
		}
	case w.current != nil && found == nil:
		w.current.Close()
		w.current = nil
		if w.OnDetach != nil {
			w.OnDetach()
		}
	case w.current != nil && found != nil:
		if found.Path == w.current.Path {
			// Already attached at the same device; nothing changed. Close
			// the redundant handle this poll just opened.
			found.Close()
			return
		}
		// Same serial, different bus path: the board reset back into
		// fastboot between polls. Treat it as detach-then-attach so
		// FASTBOOT_PRESENT re-emits for the new device instance.
		w.current.Close()
		if w.OnDetach != nil {
			w.OnDetach()
		}
		w.current = found
		if w.OnAttach != nil {
			w.OnAttach(found)
		}
	default:
		// Neither attached; nothing to do.
	}
}
