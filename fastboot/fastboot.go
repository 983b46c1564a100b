// Package fastboot implements hotplug detection and the bulk
// request/response protocol used to upload and boot an image on a
// device that has entered fastboot mode.
//
// USB access goes through github.com/google/gousb: a *gousb.Context,
// device enumeration, a claimed interface, and a bulk IN/OUT endpoint
// pair. gousb exposes no netlink hotplug callback, so this package
// polls the bus on a reactor timer and diffs against the previously
// seen device path, which is adequate at the board-farm's scale of at
// most a handful of attached targets.
package fastboot

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/jangala-dev/cdba-go/errcode"
)

// Interface class/subclass/protocol identifying a fastboot endpoint
// pair.
const (
	fastbootClass    = 0xff
	fastbootSubclass = 0x42
	fastbootProtocol = 0x03
)

// MaxBulkChunk bounds each bulk transfer, matching MAX_USBFS_BULK_SIZE.
const MaxBulkChunk = 16 * 1024

// TransferTimeout is the per-transfer deadline for bulk reads and
// writes.
const TransferTimeout = 1 * time.Second

// State is the lifecycle of one fastboot handle.
type State int

const (
	StateWaiting State = iota
	StateOpen
	StateClosed
)

// Device is a claimed fastboot USB interface: the endpoint pair, the
// device path it was found at, and enough of the gousb handle chain to
// release everything on Close.
type Device struct {
	Serial string
	Path   string

	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	state State
}

// State reports the device's current lifecycle state.
func (d *Device) State() State { return d.state }

// Close releases the claimed interface and the underlying device handle.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}
	d.state = StateClosed
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		return d.dev.Close()
	}
	return nil
}

// devicePath gives a stable identifier for a gousb device, used to tell
// apart a disconnect-then-reconnect from a still-attached device across
// polls.
func devicePath(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d-%d", desc.Bus, desc.Address)
}

// findFastbootInterface walks a device's active configuration looking
// for the interface with class 0xFF / subclass 0x42 / protocol 0x03 and
// at least one bulk IN and one bulk OUT endpoint.
// Returns the config number, interface number, and the endpoint numbers
// to claim.
func findFastbootInterface(desc *gousb.DeviceDesc) (cfgNum, ifNum, epIn, epOut int, err error) {
	for cn, cfg := range desc.Configs {
		for _, ifc := range cfg.Interfaces {
			for _, alt := range ifc.AltSettings {
				if uint8(alt.Class) != fastbootClass ||
					uint8(alt.SubClass) != fastbootSubclass ||
					uint8(alt.Protocol) != fastbootProtocol {
					continue
				}
				in, out := -1, -1
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn && in < 0 {
						in = ep.Number
					}
					if ep.Direction == gousb.EndpointDirectionOut && out < 0 {
						out = ep.Number
					}
				}
				if in < 0 || out < 0 {
					continue
				}
				return cn, ifc.Number, in, out, nil
			}
		}
	}
	return 0, 0, 0, 0, errcode.Wrap(errcode.MalformedUSB, "fastboot.findFastbootInterface",
		fmt.Errorf("no class 0xff/0x42/0x03 interface with bulk in+out endpoints"))
}

// Open claims the fastboot interface on dev and returns a ready Device.
func Open(ctx *gousb.Context, dev *gousb.Device) (*Device, error) {
	cfgNum, ifNum, epIn, epOut, err := findFastbootInterface(dev.Desc)
	if err != nil {
		dev.Close()
		return nil, err
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "fastboot.Open", err)
	}
	intf, err := cfg.Interface(ifNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "fastboot.Open", err)
	}
	in, err := intf.InEndpoint(epIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "fastboot.Open", err)
	}
	out, err := intf.OutEndpoint(epOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "fastboot.Open", err)
	}

	serial, _ := dev.SerialNumber()
	return &Device{
		Serial: serial,
		Path:   devicePath(dev.Desc),
		dev:    dev, cfg: cfg, intf: intf, in: in, out: out,
		state: StateOpen,
	}, nil
}

// FindBySerial enumerates all attached USB devices and opens the one
// whose string serial number matches want. Returns nil, nil if no
// match is currently attached.
func FindBySerial(ctx *gousb.Context, want string) (*Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err != nil && len(devs) == 0 {
		return nil, errcode.Wrap(errcode.Error, "fastboot.FindBySerial", err)
	}
	var match *gousb.Device
	for _, d := range devs {
		serial, serr := d.SerialNumber()
		if serr == nil && serial == want {
			match = d
			continue
		}
		d.Close()
	}
	if match == nil {
		return nil, nil
	}
	return Open(ctx, match)
}

// response is one decoded 64-byte fastboot status record.
type response struct {
	kind string // INFO, OKAY, FAIL, DATA
	body string
}

// readResponse performs one bulk-in read with TransferTimeout and
// classifies the 64-byte ASCII record by its INFO/OKAY/FAIL/DATA prefix.
func (d *Device) readResponse() (*response, error) {
	buf := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), TransferTimeout)
	defer cancel()

	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, errcode.Wrap(errcode.FastbootShort, "fastboot.readResponse", err)
	}
	if n < 4 {
		return nil, errcode.Wrap(errcode.FastbootShort, "fastboot.readResponse",
			fmt.Errorf("short response (%d bytes)", n))
	}
	return &response{kind: string(buf[:4]), body: string(buf[4:n])}, nil
}

// writeAll sends data on the bulk-out endpoint in ≤16KiB chunks.
func (d *Device) writeAll(data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > MaxBulkChunk {
			n = MaxBulkChunk
		}
		ctx, cancel := context.WithTimeout(context.Background(), TransferTimeout)
		written, err := d.out.WriteContext(ctx, data[:n])
		cancel()
		if err != nil {
			return errcode.Wrap(errcode.FastbootFail, "fastboot.writeAll", err)
		}
		data = data[written:]
	}
	return nil
}

// command sends a short ASCII request and reads responses until a
// terminal OKAY/FAIL/DATA record, reporting INFO lines via onInfo.
// Returns the body of the terminal record and, for
// DATA, the hex-decoded byte count via the second return value.
func (d *Device) command(req string, onInfo func(string)) (string, int, error) {
	if err := d.writeAll([]byte(req)); err != nil {
		return "", 0, err
	}
	return d.readTerminal(onInfo)
}

// readTerminal reads responses until a terminal OKAY/FAIL/DATA record,
// without sending a request first; used to read the final status after
// a data phase that was driven entirely by writeAll.
func (d *Device) readTerminal(onInfo func(string)) (string, int, error) {
	for {
		resp, err := d.readResponse()
		if err != nil {
			return "", 0, err
		}
		switch resp.kind {
		case "INFO":
			if onInfo != nil {
				onInfo(resp.body)
			}
		case "OKAY":
			return resp.body, 0, nil
		case "FAIL":
			return "", 0, errcode.Wrap(errcode.FastbootFail, "fastboot.command", fmt.Errorf("%s", resp.body))
		case "DATA":
			size, err := hex.DecodeString(padHex(resp.body))
			if err != nil {
				return "", 0, errcode.Wrap(errcode.FastbootFail, "fastboot.command", err)
			}
			n := 0
			for _, b := range size {
				n = n<<8 | int(b)
			}
			return "", n, nil
		default:
			return "", 0, errcode.Wrap(errcode.FastbootFail, "fastboot.command",
				fmt.Errorf("malformed status record %q", resp.kind))
		}
	}
}

func padHex(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}

// GetVar issues "getvar:<name>" and returns its OKAY body.
func (d *Device) GetVar(name string, onInfo func(string)) (string, error) {
	v, _, err := d.command("getvar:"+name, onInfo)
	return v, err
}

// Download issues "download:<hex-size>", streams data in ≤16KiB bulk
// writes, then reads the final OKAY/FAIL.
func (d *Device) Download(data []byte, onInfo func(string)) error {
	req := fmt.Sprintf("download:%08x", len(data))
	_, size, err := d.command(req, onInfo)
	if err != nil {
		return err
	}
	if size != 0 && size < len(data) {
		return errcode.Wrap(errcode.FastbootFail, "fastboot.Download",
			fmt.Errorf("remote only accepted %d of %d bytes", size, len(data)))
	}
	if err := d.writeAll(data); err != nil {
		return err
	}
	_, _, err = d.readTerminal(onInfo)
	return err
}

// Boot issues "boot".
func (d *Device) Boot(onInfo func(string)) error {
	_, _, err := d.command("boot", onInfo)
	return err
}

// Continue issues "continue".
func (d *Device) Continue(onInfo func(string)) error {
	_, _, err := d.command("continue", onInfo)
	return err
}

// Reboot issues "reboot".
func (d *Device) Reboot(onInfo func(string)) error {
	_, _, err := d.command("reboot", onInfo)
	return err
}

// SetActive issues "set_active:<slot>".
func (d *Device) SetActive(slot string, onInfo func(string)) error {
	_, _, err := d.command("set_active:"+slot, onInfo)
	return err
}

// Flash issues "flash:<partition>".
func (d *Device) Flash(partition string, onInfo func(string)) error {
	_, _, err := d.command("flash:"+partition, onInfo)
	return err
}

// Erase issues "erase:<partition>".
func (d *Device) Erase(partition string, onInfo func(string)) error {
	_, _, err := d.command("erase:"+partition, onInfo)
	return err
}
