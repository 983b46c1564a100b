package backend

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/types"
)

func init() {
	Register("external", externalBuilder{})
}

// externalBuilder builds the external backend: a helper binary invoked
// once per action as "<path> <board> <verb> <on|off>", its exit code
// propagated as the call's result.
type externalBuilder struct{}

func (externalBuilder) Build(board *types.Board) (Control, error) {
	argv, err := shlex.Split(board.ControlDevice)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("external: board %q has no helper command configured", board.ID)
	}
	return &external{argv: argv, board: board.ID}, nil
}

type external struct {
	argv  []string // argv[0] is the helper path; any remainder are fixed leading args
	board string
}

func (e *external) Open(board *types.Board) (Handle, error) { return e, nil }
func (e *external) Close(h Handle) error                    { return nil }

func (e *external) Power(h Handle, on bool) error { return e.run("power", on) }
func (e *external) Usb(h Handle, on bool) error   { return e.run("usb", on) }

func (e *external) Key(h Handle, key types.Key, asserted bool) error {
	verb := "key-power"
	if key == types.KeyFastboot {
		verb = "key-fastboot"
	}
	return e.run(verb, asserted)
}

// run execs the configured helper with "<board> <verb> <on|off>"
// appended to any fixed leading arguments, and propagates its exit code
// as an error (non-zero exit => failure).
func (e *external) run(verb string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	args := append(append([]string{}, e.argv[1:]...), e.board, verb, state)
	cmd := exec.Command(e.argv[0], args...)
	// The helper's stdout is redirected to the agent's stderr so it
	// can't be mistaken for framed protocol bytes on the transport.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errcode.Wrap(errcode.Error, "external.run", err)
	}
	return nil
}
