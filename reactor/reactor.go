// Package reactor implements the single-threaded, level-triggered event
// loop shared by the controller and the agent: a poll(2)-based wait over
// watched file descriptors plus a linear list of one-shot timers.
//
// Both roles are cooperative single-threaded programs (no shared mutable
// state to lock). Only the poll(2) wait itself blocks; every timer and
// fd callback must return promptly.
package reactor

import (
	"errors"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// TimerFunc is a one-shot timer callback.
type TimerFunc func()

// FDFunc is a level-triggered readable-fd callback. Returning an error
// stops the loop at once: fd callbacks later in the same iteration are
// not invoked, and Run returns the error.
type FDFunc func() error

type timer struct {
	deadline time.Time
	fn       TimerFunc
	canceled bool
	id       uint64
}

// TimerHandle lets a caller cancel a pending timer before it fires.
type TimerHandle struct {
	t *timer
}

// Cancel prevents t from firing if it has not already. Safe to call on an
// already-fired or already-canceled timer.
func (h TimerHandle) Cancel() {
	if h.t != nil {
		h.t.canceled = true
	}
}

type watch struct {
	fd   int
	fn   FDFunc
	live bool
}

// WatchHandle lets a caller stop watching an fd.
type WatchHandle struct {
	w *watch
}

// Cancel stops the loop from watching this fd for readability.
func (h WatchHandle) Cancel() {
	if h.w != nil {
		h.w.live = false
	}
}

// Loop is the reactor: a linear timer list plus a small set of watched
// fds, driven by one poll(2) wait per iteration.
type Loop struct {
	timers  []*timer
	watches []*watch
	nextID  uint64
	quit    bool
	quitErr error
}

// New returns an empty, unstarted Loop.
func New() *Loop {
	return &Loop{}
}

// AfterFunc schedules fn to run once, no earlier than d from now. A
// non-positive d still schedules exactly one fire, on the next wake.
func (l *Loop) AfterFunc(d time.Duration, fn TimerFunc) TimerHandle {
	l.nextID++
	t := &timer{deadline: time.Now().Add(d), fn: fn, id: l.nextID}
	l.timers = append(l.timers, t)
	return TimerHandle{t: t}
}

// Watch registers fd for level-triggered readability; fn is invoked once
// per reactor iteration in which fd was reported readable, in the order
// Watch calls were made.
func (l *Loop) Watch(fd int, fn FDFunc) WatchHandle {
	w := &watch{fd: fd, fn: fn, live: true}
	l.watches = append(l.watches, w)
	return WatchHandle{w: w}
}

// Quit raises the global quit flag; the loop exits after finishing the
// current iteration's callbacks.
func (l *Loop) Quit() {
	l.quit = true
}

// QuitWithError is Quit, additionally recording err as Run's return value.
func (l *Loop) QuitWithError(err error) {
	l.quitErr = err
	l.quit = true
}

var errNoWork = errors.New("reactor: no timers and no watched fds")

// Run drives the loop until Quit/QuitWithError is called or every watch
// has been canceled with no pending timers (which would otherwise wait
// forever). It returns the error passed to QuitWithError, if any.
func (l *Loop) Run() error {
	for !l.quit {
		if err := l.runOnce(); err != nil {
			if errors.Is(err, errNoWork) {
				return nil
			}
			return err
		}
	}
	return l.quitErr
}

// runOnce executes at most one wait-then-dispatch iteration: expired
// timers fire in deadline order, then readable fds are invoked in
// registration order.
func (l *Loop) runOnce() error {
	timeout := l.waitTimeout()

	live := l.compactWatches()
	if len(live) == 0 && len(l.pendingTimers()) == 0 {
		return errNoWork
	}

	pfds := make([]unix.PollFd, len(live))
	for i, w := range live {
		pfds[i] = unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN}
	}

	if len(pfds) > 0 {
		_, err := unix.Poll(pfds, timeout)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	} else if timeout > 0 {
		time.Sleep(time.Duration(timeout) * time.Millisecond)
	}

	l.fireExpiredTimers()

	for i, w := range live {
		if !w.live {
			continue
		}
		if len(pfds) > 0 && pfds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		if err := w.fn(); err != nil {
			return err
		}
	}
	return nil
}

// waitTimeout computes poll(2)'s timeout argument in milliseconds: the
// time until the earliest pending timer, 0 if one is already due, or -1
// (block indefinitely) if there are none.
func (l *Loop) waitTimeout() int {
	pending := l.pendingTimers()
	if len(pending) == 0 {
		return -1
	}
	earliest := pending[0].deadline
	for _, t := range pending[1:] {
		if t.deadline.Before(earliest) {
			earliest = t.deadline
		}
	}
	d := time.Until(earliest)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

func (l *Loop) pendingTimers() []*timer {
	var out []*timer
	for _, t := range l.timers {
		if !t.canceled {
			out = append(out, t)
		}
	}
	return out
}

// fireExpiredTimers invokes every timer whose deadline has passed, in
// increasing deadline order, then drops all fired/canceled timers from
// the list.
func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	var due []*timer
	var rest []*timer
	for _, t := range l.timers {
		if t.canceled {
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	l.timers = rest
	for _, t := range due {
		t.fn()
	}
}

func (l *Loop) compactWatches() []*watch {
	live := l.watches[:0]
	for _, w := range l.watches {
		if w.live {
			live = append(live, w)
		}
	}
	l.watches = live
	return live
}
