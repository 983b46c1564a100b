package fastboot

import (
	"testing"

	"github.com/google/gousb"
)

func TestPadHex(t *testing.T) {
	cases := map[string]string{
		"":     "",
		"1":    "01",
		"12":   "12",
		"123":  "0123",
		"1234": "1234",
	}
	for in, want := range cases {
		if got := padHex(in); got != want {
			t.Errorf("padHex(%q): got %q want %q", in, got, want)
		}
	}
}

func TestDevicePath(t *testing.T) {
	// devicePath only needs to be stable and distinct per bus/address
	// pair for the watcher's hotplug diffing.
	a := devicePath(&gousb.DeviceDesc{Bus: 1, Address: 5})
	b := devicePath(&gousb.DeviceDesc{Bus: 1, Address: 6})
	c := devicePath(&gousb.DeviceDesc{Bus: 1, Address: 5})
	if a == b {
		t.Fatalf("different addresses produced the same path: %q", a)
	}
	if a != c {
		t.Fatalf("same bus/address produced different paths: %q vs %q", a, c)
	}
}
