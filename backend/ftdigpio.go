package backend

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	"periph.io/x/extra/hostextra/d2xx"
	"periph.io/x/periph/conn/gpio"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/inventory"
	"github.com/jangala-dev/cdba-go/types"
)

func init() {
	Register("ftdi_gpio", ftdiGpioBuilder{})
	inventory.RegisterBackend("ftdi_gpio", parseFtdiGpioOptions)
}

// ftdiGpioLine mirrors local-gpio's GPIO_* enumeration plus the one extra
// line ftdi-gpio alone exposes: output_enable, which lets the signals
// from the FTDI bridge actually reach the board.
type ftdiGpioLine int

const (
	ftdiGpioPower ftdiGpioLine = iota
	ftdiGpioFastbootKey
	ftdiGpioPowerKey
	ftdiGpioUsbDisconnect
	ftdiGpioOutputEnable
	ftdiGpioLineCount
)

// FtdiGpioLineConfig is one line's (interface A-D, pin offset, polarity).
type FtdiGpioLineConfig struct {
	Present   bool
	Interface int // 0..3, selects which of the FTDI's up to four MPSSE interfaces
	Offset    uint
	ActiveLow bool
}

// FtdiGpioOptions is the "ftdi_gpio" backend's YAML option block.
type FtdiGpioOptions struct {
	Description string // libftdi-style "s:0xVEND:0xPROD:SERIAL" device match, or a bare description substring
	Lines       [ftdiGpioLineCount]FtdiGpioLineConfig
}

func (FtdiGpioOptions) BackendName() string { return "ftdi_gpio" }

// HasPowerKeyLine reports whether this board's options actually wire a
// power_key line (types.PowerKeyReporter).
func (o FtdiGpioOptions) HasPowerKeyLine() bool { return o.Lines[ftdiGpioPowerKey].Present }

func parseFtdiGpioOptions(node *yaml.Node) (types.BackendOptions, error) {
	var opts FtdiGpioOptions
	if node.Kind == yaml.ScalarNode {
		opts.Description = node.Value
		return opts, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("ftdi_gpio: expected a scalar device string or a mapping")
	}
	var raw struct {
		Description string `yaml:"description"`
		Serial      string `yaml:"serial"`
		Lines       map[string]struct {
			Interface string `yaml:"interface"`
			Offset    uint   `yaml:"offset"`
			ActiveLow bool   `yaml:"active_low"`
		} `yaml:",inline"`
	}
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	opts.Description = raw.Description
	if opts.Description == "" {
		opts.Description = raw.Serial
	}
	for key, v := range raw.Lines {
		var id ftdiGpioLine
		switch key {
		case "power":
			id = ftdiGpioPower
		case "fastboot_key":
			id = ftdiGpioFastbootKey
		case "power_key":
			id = ftdiGpioPowerKey
		case "usb_disconnect":
			id = ftdiGpioUsbDisconnect
		case "output_enable":
			id = ftdiGpioOutputEnable
		default:
			continue // description/serial already consumed above
		}
		iface := 0
		if len(v.Interface) == 1 && v.Interface[0] >= 'A' && v.Interface[0] <= 'D' {
			iface = int(v.Interface[0] - 'A')
		}
		opts.Lines[id] = FtdiGpioLineConfig{
			Present: true, Interface: iface, Offset: v.Offset, ActiveLow: v.ActiveLow,
		}
	}
	return opts, nil
}

// ftdiGpioBuilder builds the ftdi-gpio backend: bit-banged GPIO through
// an FTDI bridge, wired through periph.io's d2xx driver
// rather than a direct libftdi cgo binding.
type ftdiGpioBuilder struct{}

func (ftdiGpioBuilder) Build(board *types.Board) (Control, error) {
	opts, ok := board.ControlOptions.(FtdiGpioOptions)
	if !ok {
		return nil, fmt.Errorf("ftdi_gpio: board %q missing ftdi_gpio options", board.ID)
	}
	return &ftdiGpio{opts: opts}, nil
}

type ftdiGpio struct {
	opts FtdiGpioOptions
	dev  d2xx.Dev
	pins [ftdiGpioLineCount]gpio.PinIO
}

func (f *ftdiGpio) Open(board *types.Board) (Handle, error) {
	dev, err := findFtdiDevice(f.opts.Description)
	if err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "ftdi_gpio.Open", err)
	}
	f.dev = dev

	hdr := dev.Header()
	for i, cfg := range f.opts.Lines {
		if !cfg.Present {
			continue
		}
		idx := cfg.Interface*8 + int(cfg.Offset)
		if idx < 0 || idx >= len(hdr) {
			return nil, errcode.Wrap(errcode.BackendOpenFailed, "ftdi_gpio.Open",
				fmt.Errorf("line %d out of range for this device's header", i))
		}
		f.pins[i] = hdr[idx]
	}

	// Enable the FTDI signals to flow to the board; until this line is
	// asserted none of the power/key/usb writes reach it.
	if err := f.set(ftdiGpioOutputEnable, true); err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "ftdi_gpio.Open", err)
	}
	return f, nil
}

func (f *ftdiGpio) Close(h Handle) error {
	if f.dev == nil {
		return nil
	}
	return f.dev.Halt()
}

func (f *ftdiGpio) Power(h Handle, on bool) error { return f.set(ftdiGpioPower, on) }

func (f *ftdiGpio) Usb(h Handle, on bool) error { return f.set(ftdiGpioUsbDisconnect, !on) }

func (f *ftdiGpio) Key(h Handle, key types.Key, asserted bool) error {
	if key == types.KeyFastboot {
		return f.set(ftdiGpioFastbootKey, asserted)
	}
	return f.set(ftdiGpioPowerKey, asserted)
}

func (f *ftdiGpio) set(line ftdiGpioLine, v bool) error {
	pin := f.pins[line]
	if pin == nil {
		return nil
	}
	if f.opts.Lines[line].ActiveLow {
		v = !v
	}
	level := gpio.Low
	if v {
		level = gpio.High
	}
	return pin.Out(level)
}

// findFtdiDevice matches d2xx.All() against description: a substring
// match on the device's reported identity, so both a libftdi-style
// "s:VID:PID:SERIAL" string and a bare serial select the right bridge.
func findFtdiDevice(description string) (d2xx.Dev, error) {
	devices := d2xx.All()
	if len(devices) == 0 {
		return nil, fmt.Errorf("ftdi_gpio: no FTDI devices present")
	}
	if description == "" {
		return devices[0], nil
	}
	for _, d := range devices {
		if strings.Contains(d.String(), description) {
			return d, nil
		}
	}
	return devices[0], nil
}
