// Package ppps implements host-side USB per-port power switching: when a
// board is configured with a ppps_path (and optionally a second
// ppps3_path), USB power is driven by writing to the kernel's per-port
// "disable" sysfs attribute instead of going through the control
// backend's usb operation.
//
// The disable attribute expects "0" to enable the port and "1" to
// disable it; a bare path (no leading slash) is treated as relative to
// /sys/bus/usb/devices.
package ppps

import (
	"fmt"
	"os"

	"github.com/jangala-dev/cdba-go/errcode"
)

const basePathFmt = "/sys/bus/usb/devices/%s/disable"

// ResolvePath expands a bare port path ("2-2:1.0/2-2-port2") into its
// full sysfs location; a path already starting with "/" is used as-is.
func ResolvePath(path string) string {
	if path == "" || path[0] == '/' {
		return path
	}
	return fmt.Sprintf(basePathFmt, path)
}

// Power writes the disable attribute for path: "0" to turn the port on,
// "1" to turn it off. A missing attribute (device unplugged,
// permissions) is logged by the caller but not fatal.
func Power(path string, on bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errcode.Wrap(errcode.Error, "ppps.Power", err)
	}
	defer f.Close()

	val := []byte("1")
	if on {
		val = []byte("0")
	}
	if _, err := f.Write(val); err != nil {
		return errcode.Wrap(errcode.Error, "ppps.Power", err)
	}
	return nil
}

// SetPower drives one or both configured ports for a board's USB supply.
// When both ppps3Path and pppsPath are set, both are driven together.
func SetPower(pppsPath, ppps3Path string, on bool) []error {
	var errs []error
	if pppsPath != "" {
		if err := Power(ResolvePath(pppsPath), on); err != nil {
			errs = append(errs, err)
		}
	}
	if ppps3Path != "" {
		if err := Power(ResolvePath(ppps3Path), on); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
