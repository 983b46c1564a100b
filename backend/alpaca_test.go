package backend

import (
	"testing"

	"github.com/jangala-dev/cdba-go/types"
)

func TestAlpacaPowerCmd(t *testing.T) {
	if got := alpacaPowerCmd(true); got != "devicePower 1\r" {
		t.Fatalf("on: got %q", got)
	}
	if got := alpacaPowerCmd(false); got != "devicePower 0\r" {
		t.Fatalf("off: got %q", got)
	}
}

func TestAlpacaUsbCmd(t *testing.T) {
	if got := alpacaUsbCmd(true); got != "usbDevicePower 1\r" {
		t.Fatalf("on: got %q", got)
	}
	if got := alpacaUsbCmd(false); got != "usbDevicePower 0\r" {
		t.Fatalf("off: got %q", got)
	}
}

func TestAlpacaKeyCmd(t *testing.T) {
	cases := []struct {
		key      types.Key
		asserted bool
		want     string
	}{
		{types.KeyPower, true, "ttl outputBit 1 1\r"},
		{types.KeyPower, false, "ttl outputBit 1 0\r"},
		{types.KeyFastboot, true, "ttl outputBit 2 1\r"},
		{types.KeyFastboot, false, "ttl outputBit 2 0\r"},
	}
	for _, c := range cases {
		if got := alpacaKeyCmd(c.key, c.asserted); got != c.want {
			t.Errorf("key=%v asserted=%v: got %q want %q", c.key, c.asserted, got, c.want)
		}
	}
}
