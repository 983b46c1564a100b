package backend

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/inventory"
	"github.com/jangala-dev/cdba-go/types"
)

func init() {
	Register("laurent", laurentBuilder{})
	inventory.RegisterBackend("laurent", parseLaurentOptions)
}

// LaurentOptions is the "laurent" backend's YAML option block: server
// is required, password defaults to "Laurent", and usb_relay is
// optional (-1 means no relay drives USB at all).
type LaurentOptions struct {
	Server   string
	Password string
	Relay    uint
	UsbRelay int
}

func (LaurentOptions) BackendName() string { return "laurent" }

func parseLaurentOptions(node *yaml.Node) (types.BackendOptions, error) {
	opts := LaurentOptions{Password: "Laurent", UsbRelay: -1}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("laurent: expected a mapping of options")
	}
	var raw struct {
		Server   string `yaml:"server"`
		Password string `yaml:"password"`
		Relay    uint   `yaml:"relay"`
		UsbRelay *int   `yaml:"usb_relay"`
	}
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	if raw.Server == "" {
		return nil, fmt.Errorf("laurent: server hostname not specified")
	}
	opts.Server = raw.Server
	if raw.Password != "" {
		opts.Password = raw.Password
	}
	opts.Relay = raw.Relay
	if raw.UsbRelay != nil {
		opts.UsbRelay = *raw.UsbRelay
	}
	return opts, nil
}

// laurentBuilder builds a relay-array backend driven by a plain HTTP/1.0
// GET over a raw TCP socket.
type laurentBuilder struct{}

func (laurentBuilder) Build(board *types.Board) (Control, error) {
	opts, ok := board.ControlOptions.(LaurentOptions)
	if !ok {
		return nil, fmt.Errorf("laurent: board %q missing laurent options", board.ID)
	}
	return &laurent{opts: opts}, nil
}

type laurent struct {
	opts LaurentOptions
}

// laurentDialTimeout bounds each request's connect. Backend calls run
// synchronously from the dispatcher; laurent is the one place a slow
// LAN hop can stall the reactor, so the connect is kept short.
const laurentDialTimeout = 2 * time.Second

func (l *laurent) Open(board *types.Board) (Handle, error) { return l, nil }
func (l *laurent) Close(h Handle) error                    { return nil }

func (l *laurent) Power(h Handle, on bool) error {
	return l.control(l.opts.Relay, on)
}

func (l *laurent) Usb(h Handle, on bool) error {
	if l.opts.UsbRelay < 0 {
		return nil
	}
	return l.control(uint(l.opts.UsbRelay), on)
}

// control issues "GET /cmd.cgi?psw=<password>&cmd=REL,<relay>,<0|1>
// HTTP/1.0\r\n\r\n" to the resolved server on port 80; the response
// body is read to completion and discarded.
func (l *laurent) control(relay uint, on bool) error {
	addr := net.JoinHostPort(l.opts.Server, "80")
	conn, err := net.DialTimeout("tcp", addr, laurentDialTimeout)
	if err != nil {
		return errcode.Wrap(errcode.Error, "laurent.control", err)
	}
	defer conn.Close()

	onBit := 0
	if on {
		onBit = 1
	}
	req := fmt.Sprintf("GET /cmd.cgi?psw=%s&cmd=REL,%d,%d HTTP/1.0\r\n\r\n", l.opts.Password, relay, onBit)
	if _, err := conn.Write([]byte(req)); err != nil {
		return errcode.Wrap(errcode.Error, "laurent.control", err)
	}

	r := bufio.NewReader(conn)
	for {
		if _, err := r.ReadByte(); err != nil {
			break
		}
	}
	return nil
}
