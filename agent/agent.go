// Package agent implements the host-side protocol dispatcher: one
// SELECT_BOARD's worth of Session lifecycle, fed by the ring buffer +
// frame codec running over the process's inherited stdin/stdout (the
// ssh child's only transport).
//
// Console bytes, telemetry lines, and fastboot-present transitions are
// routed from the Session's callbacks through an in-process eventbus
// topic tree before being framed onto the transport, rather than wired
// straight from Session to the wire.Writer, so a future second
// subscriber (a debug tap, a metrics counter) can listen on the same
// topics without touching session.go. Publish and drain happen
// back-to-back within the same reactor callback, so no goroutine is
// introduced and both roles stay single-threaded: the channel inside
// each Subscription is used purely as a one-slot buffer.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/eventbus"
	"github.com/jangala-dev/cdba-go/inventory"
	"github.com/jangala-dev/cdba-go/logx"
	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/session"
	"github.com/jangala-dev/cdba-go/wire"
	"github.com/jangala-dev/cdba-go/x/strx"
)

// Username resolves the identity used for a board's access-control check:
// $CDBA_USER, then $USER, then the literal "nobody".
func Username() string {
	if u := os.Getenv("CDBA_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "nobody"
}

var (
	topicConsole  = eventbus.T("agent", "console")
	topicStatus   = eventbus.T("agent", "status")
	topicFastboot = eventbus.T("agent", "fastboot")
)

// Agent drives the reactor loop, the frame codec, and at most one
// session for the process's lifetime: each invocation serves one
// client.
type Agent struct {
	loop     *reactor.Loop
	registry *inventory.Registry
	username string
	log      *logx.Logger

	in    *wire.Ring
	codec *wire.Codec
	out   *wire.Writer
	rfd   wire.FD

	sess *session.Session

	bus         *eventbus.Bus
	pubConn     *eventbus.Connection
	subConn     *eventbus.Connection
	consoleSub  *eventbus.Subscription
	statusSub   *eventbus.Subscription
	fastbootSub *eventbus.Subscription
}

// New returns an Agent reading framed requests from readFD and writing
// framed replies to writeFD; readFD is put in non-blocking mode (writeFD
// is left as inherited, per wire.Writer's doc comment).
func New(registry *inventory.Registry, username string, readFD, writeFD int) (*Agent, error) {
	if err := wire.SetNonblock(readFD); err != nil {
		return nil, errcode.Wrap(errcode.Error, "agent.New", err)
	}

	bus := eventbus.New(1)
	a := &Agent{
		loop:     reactor.New(),
		registry: registry,
		username: username,
		log:      logx.Default,
		in:       wire.NewRing(),
		out:      wire.NewWriter(writeFD),
		rfd:      wire.FD(readFD),
		bus:      bus,
		pubConn:  bus.NewConnection("session"),
		subConn:  bus.NewConnection("dispatch"),
	}
	a.codec = wire.NewCodec(a.in)
	a.consoleSub = a.subConn.Subscribe(topicConsole)
	a.statusSub = a.subConn.Subscribe(topicStatus)
	a.fastbootSub = a.subConn.Subscribe(topicFastboot)
	return a, nil
}

// Run drives the reactor until the transport closes or a protocol fault
// terminates the process.
func (a *Agent) Run(ctx context.Context) error {
	a.loop.Watch(int(a.rfd), a.pump)
	err := a.loop.Run()
	if a.sess != nil {
		if cerr := a.sess.Close(); cerr != nil {
			a.log.Warnf("session close: %v", cerr)
		}
	}
	a.subConn.Disconnect()
	a.pubConn.Disconnect()
	return err
}

// pump fills the ring from the transport and drains as many complete
// frames as are buffered. Ring.Fill reports both
// "ring already full" and genuine end-of-stream as (0, nil); this is
// disambiguated by checking whether the ring had free space to attempt a
// real read in the first place.
func (a *Agent) pump() error {
	hadFree := a.in.Free() > 0
	n, err := a.in.Fill(a.rfd)
	if err != nil {
		if errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return errcode.Wrap(errcode.TransportEOF, "agent.pump", err)
	}
	if n == 0 && hadFree {
		return errcode.Wrap(errcode.TransportEOF, "agent.pump", errors.New("end of stream"))
	}
	return a.codec.Drain(a.dispatch)
}

func (a *Agent) dispatch(m wire.Message) error {
	switch m.Tag {
	case wire.SelectBoard:
		return a.onSelectBoard(m.Payload)
	case wire.Console:
		return a.withSession(func() error { return a.sess.WriteConsole(m.Payload) })
	case wire.PowerOn:
		return a.ackPower(wire.PowerOn, a.sess.PowerOn)
	case wire.PowerOff:
		return a.ackPower(wire.PowerOff, a.sess.PowerOff)
	case wire.VbusOn:
		return a.withSession(func() error { return a.sess.Vbus(true) })
	case wire.VbusOff:
		return a.withSession(func() error { return a.sess.Vbus(false) })
	case wire.SendBreak:
		return a.withSession(func() error { return a.sess.SendBreak() })
	case wire.StatusUpdate:
		return a.withSession(a.sess.StatusEnable)
	case wire.FastbootDownload:
		return a.withSession(func() error { return a.sess.FastbootDownload(m.Payload) })
	case wire.FastbootContinue:
		return a.withSession(a.sess.FastbootContinue)
	case wire.FastbootReboot:
		return a.withSession(a.sess.FastbootReboot)
	case wire.ListDevices:
		a.sendListDevices()
		return nil
	case wire.BoardInfo:
		a.sendBoardInfo(m.Payload)
		return nil
	case wire.HardReset, wire.CaptureImage, wire.FastbootBoot:
		// Reserved tags: accept and ignore. FASTBOOT_BOOT is part of
		// the closed enumeration but the boot step is always triggered internally
		// by the zero-length FASTBOOT_DOWNLOAD terminator (session.go),
		// so the tag itself is never sent by a conformant peer.
		return nil
	default:
		return errcode.Wrap(errcode.UnknownTag, "agent.dispatch", fmt.Errorf("tag %s", m.Tag))
	}
}

// withSession runs fn against the current session, if any, logging
// (rather than propagating) a backend failure so the session stays
// alive for a subsequent power cycle (a fastboot failure must not take
// down the console).
func (a *Agent) withSession(fn func() error) error {
	if a.sess == nil || fn == nil {
		return nil
	}
	if err := fn(); err != nil {
		a.log.Warnf("board %s: %v", a.sess.Board.ID, err)
	}
	return nil
}

// ackPower drives the power-up/power-down path and echoes the same tag
// back: POWER_ON/OFF are acknowledged by echoing their own tag.
func (a *Agent) ackPower(tag wire.Tag, fn func() error) error {
	if a.sess == nil {
		return nil
	}
	if err := fn(); err != nil {
		a.log.Warnf("board %s: %s failed: %v", a.sess.Board.ID, tag, err)
	}
	return a.send(wire.Message{Tag: tag})
}

func (a *Agent) onSelectBoard(payload []byte) error {
	id := parseNulString(payload)
	board := a.registry.Lookup(id)
	if board == nil {
		a.log.Errorf("select_board: unknown board %q", id)
		a.loop.Quit()
		return nil
	}

	sess, err := session.Open(context.Background(), a.loop, board, a.username)
	if err != nil {
		// Access denied (or any other open failure) gets no reply;
		// the agent simply closes.
		a.log.Errorf("select_board %q: %v", id, err)
		a.loop.Quit()
		return nil
	}
	a.sess = sess
	sess.OnConsole = func(b []byte) { a.emitConsole(b) }
	sess.OnStatusUpdate = func(line string) { a.emitStatus(line) }
	sess.OnFastbootPresent = func(present bool) { a.emitFastboot(present) }

	return a.send(wire.Message{Tag: wire.SelectBoard})
}

// emitConsole, emitStatus, and emitFastboot publish onto the eventbus
// and immediately drain their own subscription, turning the bus into a
// same-stack fan-out point rather than a cross-goroutine queue.
func (a *Agent) emitConsole(b []byte) {
	cp := append([]byte(nil), b...)
	a.pubConn.Publish(a.pubConn.NewMessage(topicConsole, cp, false))
	select {
	case msg := <-a.consoleSub.Channel():
		a.send(wire.Message{Tag: wire.Console, Payload: msg.Payload.([]byte)})
	default:
	}
}

func (a *Agent) emitStatus(line string) {
	a.pubConn.Publish(a.pubConn.NewMessage(topicStatus, line, false))
	select {
	case msg := <-a.statusSub.Channel():
		a.send(wire.Message{Tag: wire.StatusUpdate, Payload: []byte(msg.Payload.(string))})
	default:
	}
}

func (a *Agent) emitFastboot(present bool) {
	a.pubConn.Publish(a.pubConn.NewMessage(topicFastboot, present, false))
	select {
	case msg := <-a.fastbootSub.Channel():
		b := byte(0)
		if msg.Payload.(bool) {
			b = 1
		}
		a.send(wire.Message{Tag: wire.FastbootPresent, Payload: []byte{b}})
	default:
	}
}

// sendListDevices streams one line per registered board ("id\tname\t
// description") followed by a zero-length terminator, then ends the
// process: listing is a one-shot query, not a board session.
func (a *Agent) sendListDevices() {
	for _, b := range a.registry.Boards() {
		line := fmt.Sprintf("%s\t%s\t%s", b.ID, strx.Coalesce(b.Name, b.ID), b.Description)
		if a.send(wire.Message{Tag: wire.ListDevices, Payload: []byte(line)}) != nil {
			return
		}
	}
	a.send(wire.Message{Tag: wire.ListDevices})
	a.loop.Quit()
}

// sendBoardInfo answers a BOARD_INFO query (payload: NUL-terminated
// board id, matching SELECT_BOARD's framing) with a JSON descriptor, and
// ends the process.
func (a *Agent) sendBoardInfo(payload []byte) {
	id := parseNulString(payload)
	b := a.registry.Lookup(id)
	if b == nil {
		a.log.Errorf("board_info: unknown board %q", id)
		a.loop.Quit()
		return
	}
	info := map[string]any{
		"board":           b.ID,
		"name":            strx.Coalesce(b.Name, b.ID),
		"description":     b.Description,
		"console":         b.ConsolePath,
		"voltage_mv":      b.VoltageMV,
		"control_backend": b.ControlBackend,
		"fastboot":        b.FastbootSerial,
		"usb_always_on":   b.UsbAlwaysOn,
		"power_always_on": b.PowerAlwaysOn,
	}
	enc, err := json.Marshal(info)
	if err != nil {
		a.log.Errorf("board_info %q: %v", id, err)
		a.loop.Quit()
		return
	}
	a.send(wire.Message{Tag: wire.BoardInfo, Payload: enc})
	a.loop.Quit()
}

func (a *Agent) send(m wire.Message) error {
	if err := a.out.Send(m); err != nil {
		a.log.Errorf("transport write failed: %v", err)
		a.loop.QuitWithError(err)
		return err
	}
	return nil
}

func parseNulString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
