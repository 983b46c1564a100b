package ppps

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2-2:1.0/2-2-port2", "/sys/bus/usb/devices/2-2:1.0/2-2-port2/disable"},
		{"/already/absolute", "/already/absolute"},
		{"", ""},
	}
	for _, c := range cases {
		if got := ResolvePath(c.in); got != c.want {
			t.Errorf("ResolvePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPower_WritesExpectedByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disable")
	if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Power(path, true); err != nil {
		t.Fatalf("Power(on): %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "0" {
		t.Fatalf("after power-on, file = %q, want %q", got, "0")
	}

	if err := Power(path, false); err != nil {
		t.Fatalf("Power(off): %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "1" {
		t.Fatalf("after power-off, file = %q, want %q", got, "1")
	}
}

func TestSetPower_BothPaths(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "p1")
	p2 := filepath.Join(dir, "p2")
	os.WriteFile(p1, nil, 0o644)
	os.WriteFile(p2, nil, 0o644)

	if errs := SetPower(p1, p2, true); len(errs) != 0 {
		t.Fatalf("SetPower errs = %v", errs)
	}
	g1, _ := os.ReadFile(p1)
	g2, _ := os.ReadFile(p2)
	if string(g1) != "0" || string(g2) != "0" {
		t.Fatalf("p1=%q p2=%q, want both \"0\"", g1, g2)
	}
}

func TestPower_MissingFile_ReturnsError(t *testing.T) {
	if err := Power("/nonexistent/path/disable", true); err == nil {
		t.Fatal("expected error opening a nonexistent path")
	}
}
