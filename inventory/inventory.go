// Package inventory loads the board descriptor file (conventionally
// ./.cdba or /etc/cdba) into a registry of types.Board. The format is
// YAML: a single top-level mapping whose one key holds a sequence of
// board mappings.
//
// gopkg.in/yaml.v3 decodes each entry into a typed struct first;
// backend-specific option blocks are then decoded in a second pass once
// the backend key (`local_gpio` / `ftdi_gpio` / `laurent` / ...) is
// known, since each backend parses its own option shape.
package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/types"
)

// DefaultPaths are searched in order when no explicit path is given.
var DefaultPaths = []string{"./.cdba", "/etc/cdba"}

// rawBoard mirrors the YAML shape of one board entry. Fields are decoded
// as strings/raw nodes first so inventory.go can apply coercions
// (e.g. "true" => literal slot "a") and reject unknown keys via
// yaml.v3's KnownFields.
type rawBoard struct {
	Board       string   `yaml:"board"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Users       []string `yaml:"users"`
	Console     string   `yaml:"console"`
	Voltage     uint32   `yaml:"voltage"`

	Fastboot           string `yaml:"fastboot"`
	FastbootSetActive  string `yaml:"fastboot_set_active"`
	FastbootKeyTimeout uint32 `yaml:"fastboot_key_timeout"`
	BrokenFastbootBoot bool   `yaml:"broken_fastboot_boot"`
	UsbAlwaysOn        bool   `yaml:"usb_always_on"`
	PowerAlwaysOn      bool   `yaml:"power_always_on"`
	PPPSPath           string `yaml:"ppps_path"`
	PPPS3Path          string `yaml:"ppps3_path"`
	StatusCmd          string `yaml:"status-cmd"`
	VideoDevice        string `yaml:"video_device"`

	Alpaca           yaml.Node `yaml:"alpaca"`
	Cdba             yaml.Node `yaml:"cdba"`
	Conmux           yaml.Node `yaml:"conmux"`
	FtdiGpio         yaml.Node `yaml:"ftdi_gpio"`
	LocalGpio        yaml.Node `yaml:"local_gpio"`
	QcomltDebugBoard yaml.Node `yaml:"qcomlt_debug_board"`
	Laurent          yaml.Node `yaml:"laurent"`
	External         yaml.Node `yaml:"external"`
}

// BackendParser decodes a raw YAML node for one backend key into a
// types.BackendOptions. Registered by the backend package so inventory
// doesn't need to import every concrete backend.
type BackendParser func(node *yaml.Node) (types.BackendOptions, error)

var backendParsers = map[string]BackendParser{}

// RegisterBackend makes name's option parser available to Load. Backend
// implementations call this from an init func.
func RegisterBackend(name string, parse BackendParser) {
	backendParsers[name] = parse
}

// Registry is an in-memory, load-once board inventory.
type Registry struct {
	boards map[string]*types.Board
	order  []string
}

// Boards returns all boards in file order.
func (r *Registry) Boards() []*types.Board {
	out := make([]*types.Board, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.boards[id])
	}
	return out
}

// Lookup returns the board with the given id, or nil if absent.
func (r *Registry) Lookup(id string) *types.Board {
	return r.boards[id]
}

// Load reads and parses the inventory file at path.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errcode.Wrap(errcode.Error, "inventory.Load", err)
	}
	defer f.Close()

	var doc map[string][]rawBoard
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errcode.Wrap(errcode.Error, "inventory.Load", err)
	}

	reg := &Registry{boards: make(map[string]*types.Board)}
	for _, boards := range doc {
		for _, rb := range boards {
			b, err := rb.resolve()
			if err != nil {
				return nil, errcode.Wrap(errcode.Error, "inventory.Load", err)
			}
			if _, dup := reg.boards[b.ID]; dup {
				return nil, errcode.Wrap(errcode.Error, "inventory.Load",
					fmt.Errorf("duplicate board id %q", b.ID))
			}
			reg.boards[b.ID] = b
			reg.order = append(reg.order, b.ID)
		}
	}
	return reg, nil
}

// LoadDefault tries each of DefaultPaths in turn, returning the first
// one found.
func LoadDefault() (*Registry, error) {
	var lastErr error
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err != nil {
			lastErr = err
			continue
		}
		return Load(p)
	}
	return nil, errcode.Wrap(errcode.Error, "inventory.LoadDefault", lastErr)
}

// resolve turns one rawBoard into a types.Board, applying field
// coercions and the exactly-one-backend requirement.
func (rb *rawBoard) resolve() (*types.Board, error) {
	b := &types.Board{
		ID:                 rb.Board,
		Name:               rb.Name,
		Description:        rb.Description,
		Users:              rb.Users,
		ConsolePath:        rb.Console,
		VoltageMV:          rb.Voltage,
		FastbootSerial:     rb.Fastboot,
		FastbootKeyTimeout: rb.FastbootKeyTimeout,
		BrokenFastbootBoot: rb.BrokenFastbootBoot,
		UsbAlwaysOn:        rb.UsbAlwaysOn,
		PowerAlwaysOn:      rb.PowerAlwaysOn,
		PPPSPath:           rb.PPPSPath,
		PPPS3Path:          rb.PPPS3Path,
		StatusCmd:          rb.StatusCmd,
		VideoDevice:        rb.VideoDevice,
	}

	if rb.FastbootSetActive == "true" {
		b.FastbootSetActive = "a"
	} else {
		b.FastbootSetActive = rb.FastbootSetActive
	}

	type keyed struct {
		name string
		node *yaml.Node
	}
	candidates := []keyed{
		{"alpaca", &rb.Alpaca},
		{"cdba", &rb.Cdba},
		{"conmux", &rb.Conmux},
		{"ftdi_gpio", &rb.FtdiGpio},
		{"local_gpio", &rb.LocalGpio},
		{"qcomlt_debug_board", &rb.QcomltDebugBoard},
		{"laurent", &rb.Laurent},
		{"external", &rb.External},
	}
	for _, c := range candidates {
		if c.node.Kind == 0 {
			continue
		}
		if b.ControlBackend != "" {
			return nil, fmt.Errorf("board %q: control operations are already selected (%s)", b.ID, b.ControlBackend)
		}
		b.ControlBackend = c.name
		if c.node.Kind == yaml.ScalarNode {
			b.ControlDevice = c.node.Value
		}
		if parse, ok := backendParsers[c.name]; ok {
			opts, err := parse(c.node)
			if err != nil {
				return nil, fmt.Errorf("board %q: %s: %w", b.ID, c.name, err)
			}
			b.ControlOptions = opts
		}
		if c.name == "conmux" {
			b.ConsolePath = c.node.Value
		}
	}

	// Only alpaca, external, and qcomlt_debug_board always drive a
	// power button; ftdi_gpio/local_gpio have one when the board's
	// options block actually wires a power_key line; cdba, laurent, and
	// conmux never do. has_power_key is not its own YAML key anywhere.
	switch b.ControlBackend {
	case "alpaca", "external", "qcomlt_debug_board":
		b.HasPowerKey = true
	case "ftdi_gpio", "local_gpio":
		if pk, ok := b.ControlOptions.(types.PowerKeyReporter); ok {
			b.HasPowerKey = pk.HasPowerKeyLine()
		}
	}

	// The fastboot serial is optional (not every board targets
	// fastboot); only id and a console are mandatory.
	if b.ID == "" || b.ConsolePath == "" {
		return nil, fmt.Errorf("board %q: insufficiently defined device", b.ID)
	}

	return b, nil
}
