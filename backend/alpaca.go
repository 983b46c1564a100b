package backend

import (
	"fmt"

	"github.com/jangala-dev/cdba-go/console"
	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/types"
)

func init() {
	Register("alpaca", alpacaBuilder{})
}

// alpacaBuilder builds the alpaca backend: a serial-attached controller
// with three textual commands and no telemetry stream.
// Unlike cdb-assist, alpaca never parses anything it
// reads back; every command is fire-and-forget.
type alpacaBuilder struct{}

func (alpacaBuilder) Build(board *types.Board) (Control, error) {
	return &alpaca{}, nil
}

// alpaca GPIO bit numbers: the power key is wired to output bit 1,
// fastboot to bit 2.
const (
	alpacaPowerKeyBit    = 1
	alpacaFastbootKeyBit = 2
)

type alpaca struct {
	con *console.Console
}

func (a *alpaca) Open(board *types.Board) (Handle, error) {
	con, err := console.Open(board.ControlDevice)
	if err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "alpaca.Open", err)
	}
	a.con = con
	return a, nil
}

func (a *alpaca) Close(h Handle) error {
	return a.con.Close()
}

func (a *alpaca) Power(h Handle, on bool) error {
	_, err := a.con.Write([]byte(alpacaPowerCmd(on)))
	return err
}

func (a *alpaca) Usb(h Handle, on bool) error {
	_, err := a.con.Write([]byte(alpacaUsbCmd(on)))
	return err
}

func (a *alpaca) Key(h Handle, key types.Key, asserted bool) error {
	_, err := a.con.Write([]byte(alpacaKeyCmd(key, asserted)))
	return err
}

func alpacaPowerCmd(on bool) string {
	return fmt.Sprintf("devicePower %d\r", boolToBit(on))
}

func alpacaUsbCmd(on bool) string {
	return fmt.Sprintf("usbDevicePower %d\r", boolToBit(on))
}

func alpacaKeyCmd(key types.Key, asserted bool) string {
	bit := alpacaPowerKeyBit
	if key == types.KeyFastboot {
		bit = alpacaFastbootKeyBit
	}
	return fmt.Sprintf("ttl outputBit %d %d\r", bit, boolToBit(asserted))
}

func boolToBit(v bool) int {
	if v {
		return 1
	}
	return 0
}
