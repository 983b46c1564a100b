package backend

import (
	"errors"
	"time"
	"unicode"

	"golang.org/x/sys/unix"

	"github.com/jangala-dev/cdba-go/console"
	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/reactor"
	"github.com/jangala-dev/cdba-go/types"
	"github.com/jangala-dev/cdba-go/wire"
)

func init() {
	Register("qcomlt_debug_board", qcomltBuilder{})
}

// qcomltBuilder builds the qcomlt-debug backend: a serial-attached debug
// board driven with single-character commands (p/P power, b/B power key,
// r/R fastboot key, u/U usb) that also streams "<n>mV <n>mA" telemetry
// lines, parsed by a 7-state character machine.
type qcomltBuilder struct{}

func (qcomltBuilder) Build(board *types.Board) (Control, error) {
	return &qcomlt{}, nil
}

type qcomltState int

const (
	qcomltStateIdle qcomltState = iota
	qcomltStateNum
	qcomltStateNumM
	qcomltStateNumMV
	qcomltStateNumMVNum
	qcomltStateNumMVNumM
	qcomltStateErr
)

// qcomltStatusInterval is the cadence readings are reported at once
// telemetry is enabled; the parser itself runs on every byte and only
// the freshest complete reading is forwarded per tick.
const qcomltStatusInterval = 200 * time.Millisecond

type qcomlt struct {
	con   *console.Console
	loop  *reactor.Loop
	watch reactor.WatchHandle
	sink  func(Telemetry)

	state  qcomltState
	mv, ma uint32

	lastMV, lastMA uint32
	seen           bool
}

func (q *qcomlt) Open(board *types.Board) (Handle, error) {
	con, err := console.Open(board.ControlDevice)
	if err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "qcomlt.Open", err)
	}
	q.con = con
	// "brpu": release the power key, release the fastboot key, drop
	// power, drop usb, so the board begins from a known-off state.
	if _, err := con.Write([]byte("brpu")); err != nil {
		con.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "qcomlt.Open", err)
	}
	return q, nil
}

// Attach wires the serial fd into the reactor, mirroring cdbAssist.Attach.
func (q *qcomlt) Attach(loop *reactor.Loop) {
	q.loop = loop
	q.watch = loop.Watch(q.con.Fd(), q.pump)
}

func (q *qcomlt) pump() error {
	var buf [64]byte
	n, err := q.con.Read(buf[:])
	if err != nil {
		if errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return err
	}
	for _, b := range buf[:n] {
		q.push(rune(b))
	}
	return nil
}

func (q *qcomlt) Close(h Handle) error {
	q.watch.Cancel()
	unix.IoctlSetInt(q.con.Fd(), unix.TCFLSH, unix.TCIFLUSH)
	return q.con.Close()
}

func (q *qcomlt) Power(h Handle, on bool) error {
	return q.write1("pP", on)
}

func (q *qcomlt) Usb(h Handle, on bool) error {
	return q.write1("uU", on)
}

func (q *qcomlt) Key(h Handle, key types.Key, asserted bool) error {
	if key == types.KeyFastboot {
		return q.write1("rR", asserted)
	}
	return q.write1("bB", asserted)
}

func (q *qcomlt) StatusEnable(h Handle) error {
	// Telemetry arrives unsolicited on the serial line once opened;
	// there is no separate enable command. Enabling arms the report
	// timer that forwards the latest parsed reading every 200ms.
	if q.loop == nil {
		return nil
	}
	q.loop.AfterFunc(0, q.reportTick)
	return nil
}

// reportTick forwards the freshest complete reading and re-arms itself,
// so the wire sees a steady 200ms cadence regardless of how fast the
// debug board prints.
func (q *qcomlt) reportTick() {
	if q.seen && q.sink != nil {
		q.sink(Telemetry{Group: "vbat", MV: mv(q.lastMV), MA: ma(q.lastMA)})
	}
	if q.loop != nil {
		q.loop.AfterFunc(qcomltStatusInterval, q.reportTick)
	}
}

func (q *qcomlt) SetSink(fn func(Telemetry)) { q.sink = fn }

func (q *qcomlt) write1(letters string, asserted bool) error {
	idx := 0
	if asserted {
		idx = 1
	}
	_, err := q.con.Write([]byte{letters[idx]})
	return err
}

// push feeds one byte through the "<n>mV <n>mA" parser. On any
// unexpected byte it drops back to idle and ignores bytes until the
// next digit.
func (q *qcomlt) push(ch rune) {
	switch q.state {
	case qcomltStateIdle, qcomltStateErr:
		if unicode.IsDigit(ch) {
			q.mv = uint32(ch - '0')
			q.state = qcomltStateNum
		} else {
			q.state = qcomltStateIdle
		}
	case qcomltStateNum:
		switch {
		case unicode.IsDigit(ch):
			q.mv = q.mv*10 + uint32(ch-'0')
		case ch == 'm':
			q.state = qcomltStateNumM
		default:
			q.state = qcomltStateErr
		}
	case qcomltStateNumM:
		if ch == 'V' {
			q.state = qcomltStateNumMV
		} else {
			q.state = qcomltStateErr
		}
	case qcomltStateNumMV:
		switch {
		case unicode.IsDigit(ch):
			q.ma = uint32(ch - '0')
			q.state = qcomltStateNumMVNum
		case unicode.IsSpace(ch):
			// stay, waiting for the current reading's ma digits
		default:
			q.state = qcomltStateErr
		}
	case qcomltStateNumMVNum:
		switch {
		case unicode.IsDigit(ch):
			q.ma = q.ma*10 + uint32(ch-'0')
		case ch == 'm':
			q.state = qcomltStateNumMVNumM
		default:
			q.state = qcomltStateErr
		}
	case qcomltStateNumMVNumM:
		if ch == 'A' {
			q.lastMV, q.lastMA = q.mv, q.ma
			q.seen = true
		}
		q.state = qcomltStateIdle
	}
}
