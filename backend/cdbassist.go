package backend

import (
	"errors"
	"fmt"
	"strings"
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
	Register("cdba", cdbAssistBuilder{})
}

// cdbAssistBuilder builds the cdb-assist backend: a serial-attached
// controller driven with single-character commands (p/P power, v/V
// VBUS, a/A b/B c/C GPIO 0-2, u<mV> set voltage) that concurrently
// streams telemetry lines parsed by a hand-written state machine.
// Telemetry arrives in arbitrary chunk sizes and may be malformed, so
// the parser is an explicit per-character machine rather than a regex.
type cdbAssistBuilder struct{}

func (cdbAssistBuilder) Build(board *types.Board) (Control, error) {
	return &cdbAssist{board: board}, nil
}

type cdbAssistState int

const (
	cdbStateIdle cdbAssistState = iota
	cdbStateKey
	cdbStateKeyBool
	cdbStateKeyValue
	cdbStateKeyO
	cdbStateKeyOf
	cdbStateKeyNum
	cdbStateKeyNumM
	cdbStateNum
	cdbStateNumM
	cdbStateNumMX
	cdbStateNumMXSlash
	cdbStateNumNumM
)

type cdbAssist struct {
	board *types.Board
	con   *console.Console
	loop  *reactor.Loop
	watch reactor.WatchHandle
	sink  func(Telemetry)

	state   cdbAssistState
	num     [2]uint32
	key     strings.Builder
	isVolts bool

	voltageSetMV, voltageActualMV uint32
	currentSetMA, currentActualMA uint32
	vref                          uint32
	vbat, vbus                    bool
	btn                           [3]bool
}

func (c *cdbAssist) SetSink(fn func(Telemetry)) { c.sink = fn }

func (c *cdbAssist) Open(board *types.Board) (Handle, error) {
	con, err := console.Open(board.ControlDevice)
	if err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "cdbAssist.Open", err)
	}
	c.con = con
	if _, err := c.write("vpabc"); err != nil {
		con.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "cdbAssist.Open", err)
	}
	c.setVoltage(board.VoltageMV)
	return c, nil
}

// Attach wires this backend's serial fd into the reactor; called by the
// session once it owns a *reactor.Loop, so the telemetry pump runs as
// an ordinary fd watch.
func (c *cdbAssist) Attach(loop *reactor.Loop) {
	c.loop = loop
	c.watch = loop.Watch(c.con.Fd(), c.pump)
}

func (c *cdbAssist) pump() error {
	var buf [10]byte
	n, err := c.con.Read(buf[:])
	if err != nil {
		if errors.Is(err, wire.ErrWouldBlock) {
			return nil
		}
		return err
	}
	for _, b := range buf[:n] {
		c.push(unicode.ToLower(rune(b)))
	}
	return nil
}

func (c *cdbAssist) Close(h Handle) error {
	c.watch.Cancel()
	unix.IoctlSetInt(c.con.Fd(), unix.TCFLSH, unix.TCIFLUSH)
	return c.con.Close()
}

func (c *cdbAssist) Power(h Handle, on bool) error {
	if on {
		_, err := c.write("P")
		return err
	}
	_, err := c.write("p")
	return err
}

func (c *cdbAssist) Usb(h Handle, on bool) error {
	if on {
		_, err := c.write("V")
		return err
	}
	_, err := c.write("v")
	return err
}

func (c *cdbAssist) Key(h Handle, key types.Key, asserted bool) error {
	gpio := 0
	if key == types.KeyFastboot {
		gpio = 1
	}
	letters := [3][2]string{{"a", "A"}, {"b", "B"}, {"c", "C"}}
	idx := 0
	if asserted {
		idx = 1
	}
	_, err := c.write(letters[gpio][idx])
	return err
}

func (c *cdbAssist) StatusEnable(h Handle) error {
	if c.loop == nil {
		return nil
	}
	c.loop.AfterFunc(0, c.reportTick)
	return nil
}

// reportTick fires once a second
// and re-arms itself until the session tears the backend
// down (Close cancels the watch but a pending timer is harmless: the
// sink is nil'd out by then only if the caller clears it first, so
// callers that reuse a handle across sessions should call SetSink(nil)
// on release).
func (c *cdbAssist) reportTick() {
	if c.sink != nil {
		c.sink(Telemetry{Group: "vbat", MV: mv(c.voltageSetMV), MA: ma(c.currentActualMA)})
		c.sink(Telemetry{Group: "vref", MV: mv(c.vref)})
	}
	if c.loop != nil {
		c.loop.AfterFunc(time.Second, c.reportTick)
	}
}

func (c *cdbAssist) setVoltage(mv uint32) {
	c.write(fmt.Sprintf("u%d\r\n", mv))
}

func (c *cdbAssist) write(s string) (int, error) {
	return c.con.Write([]byte(s))
}

// push feeds one lower-cased byte through the cdb-assist telemetry
// parser; any unexpected byte short-circuits the machine back to idle.
func (c *cdbAssist) push(ch rune) {
	switch c.state {
	case cdbStateIdle:
		switch {
		case unicode.IsDigit(ch):
			c.num[0] = uint32(ch - '0')
			c.state = cdbStateNum
		case unicode.IsLetter(ch):
			c.key.Reset()
			c.key.WriteRune(ch)
			c.state = cdbStateKey
		}
	case cdbStateNum:
		switch {
		case unicode.IsDigit(ch):
			c.num[0] = c.num[0]*10 + uint32(ch-'0')
		case ch == 'm':
			c.state = cdbStateNumM
		default:
			c.state = cdbStateIdle
		}
	case cdbStateNumM:
		switch ch {
		case 'v':
			c.isVolts = true
			c.state = cdbStateNumMX
		case 'a':
			c.isVolts = false
			c.state = cdbStateNumMX
		default:
			c.state = cdbStateIdle
		}
	case cdbStateNumMX:
		if ch == '/' {
			c.num[1] = 0
			c.state = cdbStateNumMXSlash
		} else {
			c.state = cdbStateIdle
		}
	case cdbStateNumMXSlash:
		switch {
		case unicode.IsDigit(ch):
			c.num[1] = c.num[1]*10 + uint32(ch-'0')
		case ch == 'm':
			c.state = cdbStateNumNumM
		default:
			c.state = cdbStateIdle
		}
	case cdbStateNumNumM:
		if ch == 'v' && c.isVolts {
			c.voltageSetMV, c.voltageActualMV = c.num[0], c.num[1]
		} else if ch == 'a' && !c.isVolts {
			c.currentSetMA, c.currentActualMA = c.num[0], c.num[1]
		}
		c.state = cdbStateIdle
	case cdbStateKey:
		switch {
		case unicode.IsLetter(ch) || unicode.IsDigit(ch):
			c.key.WriteRune(ch)
		case ch == ':':
			c.state = cdbStateKeyBool
		case ch == '=':
			c.state = cdbStateKeyValue
		default:
			c.state = cdbStateIdle
		}
	case cdbStateKeyBool:
		if ch == 'o' {
			c.state = cdbStateKeyO
		} else {
			c.state = cdbStateIdle
		}
	case cdbStateKeyO:
		switch ch {
		case 'f':
			c.state = cdbStateKeyOf
		case 'n':
			c.setBoolKey(c.key.String(), true)
			c.state = cdbStateIdle
		default:
			c.state = cdbStateIdle
		}
	case cdbStateKeyOf:
		if ch == 'f' {
			c.setBoolKey(c.key.String(), false)
		}
		c.state = cdbStateIdle
	case cdbStateKeyValue:
		if unicode.IsDigit(ch) {
			c.num[0] = uint32(ch - '0')
			c.state = cdbStateKeyNum
		} else {
			c.state = cdbStateIdle
		}
	case cdbStateKeyNum:
		switch {
		case unicode.IsDigit(ch):
			c.num[0] = c.num[0]*10 + uint32(ch-'0')
		case ch == 'm':
			c.state = cdbStateKeyNumM
		default:
			c.state = cdbStateIdle
		}
	case cdbStateKeyNumM:
		if ch == 'v' {
			c.vref = c.num[0]
		}
		c.state = cdbStateIdle
	}
}

func (c *cdbAssist) setBoolKey(key string, set bool) {
	switch key {
	case "vbat":
		c.vbat = set
	case "btn1":
		c.btn[0] = set
	case "btn2":
		c.btn[1] = set
	case "btn3":
		c.btn[2] = set
	case "vbus":
		c.vbus = set
	}
}
