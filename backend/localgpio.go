package backend

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/inventory"
	"github.com/jangala-dev/cdba-go/types"
)

func init() {
	Register("local_gpio", localGpioBuilder{})
	inventory.RegisterBackend("local_gpio", parseLocalGpioOptions)
}

// localGpioLine names one of the board's discrete output lines.
type localGpioLine int

const (
	localGpioPower localGpioLine = iota
	localGpioFastbootKey
	localGpioPowerKey
	localGpioUsbDisconnect
	localGpioLineCount
)

// LocalGpioLineConfig is one line's (chip, offset, polarity) triple.
type LocalGpioLineConfig struct {
	Present   bool
	Chip      string
	Offset    uint32
	ActiveLow bool
}

// LocalGpioOptions is the "local_gpio" backend's YAML option block:
// a mapping from line name to a {chip, line, active_low} nested
// mapping.
type LocalGpioOptions struct {
	Lines [localGpioLineCount]LocalGpioLineConfig
}

func (LocalGpioOptions) BackendName() string { return "local_gpio" }

// HasPowerKeyLine reports whether this board's options actually wire a
// power_key line (types.PowerKeyReporter).
func (o LocalGpioOptions) HasPowerKeyLine() bool { return o.Lines[localGpioPowerKey].Present }

func parseLocalGpioOptions(node *yaml.Node) (types.BackendOptions, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("local_gpio: expected a mapping of lines")
	}
	var opts LocalGpioOptions
	var raw map[string]struct {
		Chip      string `yaml:"chip"`
		Line      uint32 `yaml:"line"`
		ActiveLow bool   `yaml:"active_low"`
	}
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	for key, v := range raw {
		var id localGpioLine
		switch key {
		case "power":
			id = localGpioPower
		case "fastboot_key":
			id = localGpioFastbootKey
		case "power_key":
			id = localGpioPowerKey
		case "usb_disconnect":
			id = localGpioUsbDisconnect
		default:
			return nil, fmt.Errorf("local_gpio: unknown line %q", key)
		}
		opts.Lines[id] = LocalGpioLineConfig{
			Present: true, Chip: v.Chip, Offset: v.Line, ActiveLow: v.ActiveLow,
		}
	}
	return opts, nil
}

// localGpioBuilder builds the local-gpio backend: Linux GPIO
// character-device lines, driven with the raw linehandle ioctls.
type localGpioBuilder struct{}

func (localGpioBuilder) Build(board *types.Board) (Control, error) {
	opts, ok := board.ControlOptions.(LocalGpioOptions)
	if !ok {
		return nil, fmt.Errorf("local_gpio: board %q missing local_gpio options", board.ID)
	}
	return &localGpio{opts: opts}, nil
}

type localGpio struct {
	opts    LocalGpioOptions
	handles [localGpioLineCount]*gpioLineHandle
}

func (g *localGpio) Open(board *types.Board) (Handle, error) {
	for i, cfg := range g.opts.Lines {
		if !cfg.Present {
			continue
		}
		h, err := openGpioLine(cfg.Chip, cfg.Offset, cfg.ActiveLow)
		if err != nil {
			g.closeOpened()
			return nil, errcode.Wrap(errcode.BackendOpenFailed, "local_gpio.Open", err)
		}
		g.handles[i] = h
	}
	return g, nil
}

func (g *localGpio) closeOpened() {
	for _, h := range g.handles {
		if h != nil {
			h.Close()
		}
	}
}

func (g *localGpio) Close(h Handle) error {
	g.closeOpened()
	return nil
}

func (g *localGpio) Power(h Handle, on bool) error {
	return g.set(localGpioPower, on)
}

func (g *localGpio) Usb(h Handle, on bool) error {
	// usb_disconnect is wired inverted: asserting it disconnects USB, so
	// "on" (USB enabled) means the line is released.
	return g.set(localGpioUsbDisconnect, !on)
}

func (g *localGpio) Key(h Handle, key types.Key, asserted bool) error {
	if key == types.KeyFastboot {
		return g.set(localGpioFastbootKey, asserted)
	}
	return g.set(localGpioPowerKey, asserted)
}

func (g *localGpio) set(line localGpioLine, v bool) error {
	h := g.handles[line]
	if h == nil {
		return nil
	}
	return h.Set(v)
}

// Linux GPIO character-device uapi, v1 linehandle flavour. x/sys/unix
// carries no bindings for these, so the request/data structs and ioctl
// numbers come straight from <linux/gpio.h>.
const (
	gpioGetLineHandleIoctl       = 0xc16cb403 // GPIO_GET_LINEHANDLE_IOCTL
	gpioHandleSetLineValuesIoctl = 0xc040b409 // GPIOHANDLE_SET_LINE_VALUES_IOCTL
	gpioHandleRequestOutput      = 1 << 1     // GPIOHANDLE_REQUEST_OUTPUT

	gpioHandlesMax = 64
)

type gpioHandleRequest struct {
	LineOffsets   [gpioHandlesMax]uint32
	Flags         uint32
	DefaultValues [gpioHandlesMax]uint8
	ConsumerLabel [32]byte
	Lines         uint32
	Fd            int32
}

type gpioHandleData struct {
	Values [gpioHandlesMax]uint8
}

func gpioIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// gpioLineHandle wraps one GPIO_GET_LINEHANDLE_IOCTL request fd.
type gpioLineHandle struct {
	fd        int
	activeLow bool
}

func openGpioLine(chip string, offset uint32, activeLow bool) (*gpioLineHandle, error) {
	chipPath := chip
	if chipPath == "" {
		chipPath = "/dev/gpiochip0"
	} else if chipPath[0] != '/' {
		chipPath = "/dev/" + chipPath
	}
	f, err := os.OpenFile(chipPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var req gpioHandleRequest
	req.Lines = 1
	req.LineOffsets[0] = offset
	req.Flags = gpioHandleRequestOutput
	copy(req.ConsumerLabel[:], "cdba")

	if err := gpioIoctl(int(f.Fd()), gpioGetLineHandleIoctl, unsafe.Pointer(&req)); err != nil {
		return nil, err
	}
	return &gpioLineHandle{fd: int(req.Fd), activeLow: activeLow}, nil
}

func (h *gpioLineHandle) Set(v bool) error {
	if h.activeLow {
		v = !v
	}
	var vals gpioHandleData
	if v {
		vals.Values[0] = 1
	}
	return gpioIoctl(h.fd, gpioHandleSetLineValuesIoctl, unsafe.Pointer(&vals))
}

func (h *gpioLineHandle) Close() error {
	return unix.Close(h.fd)
}
