package inventory

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
boards:
  - board: db410c
    name: DragonBoard 410c
    console: /dev/ttyUSB0
    fastboot: 1234567890
    fastboot_key_timeout: 4
    voltage: 5000
    alpaca: /dev/ttyUSB1
  - board: rb3
    console: /dev/ttyUSB2
    users:
      - alice
      - bob
    external: /usr/local/bin/rb3-helper
  - board: conmux-board
    conmux: mybox
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".cdba")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ParsesBoards(t *testing.T) {
	path := writeSample(t)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	boards := reg.Boards()
	if len(boards) != 3 {
		t.Fatalf("got %d boards, want 3", len(boards))
	}

	db410c := reg.Lookup("db410c")
	if db410c == nil {
		t.Fatal("db410c not found")
	}
	if db410c.Name != "DragonBoard 410c" || db410c.ConsolePath != "/dev/ttyUSB0" {
		t.Fatalf("db410c = %+v", db410c)
	}
	if db410c.ControlBackend != "alpaca" || db410c.ControlDevice != "/dev/ttyUSB1" {
		t.Fatalf("db410c backend = %q/%q", db410c.ControlBackend, db410c.ControlDevice)
	}
	if db410c.FastbootKeyTimeout != 4 {
		t.Fatalf("FastbootKeyTimeout = %d, want 4", db410c.FastbootKeyTimeout)
	}
	if !db410c.HasPowerKey {
		t.Fatal("db410c should have a power key (non-conmux backend)")
	}

	rb3 := reg.Lookup("rb3")
	if rb3 == nil {
		t.Fatal("rb3 not found")
	}
	if !rb3.AllowsUser("alice") || !rb3.AllowsUser("bob") {
		t.Fatal("rb3 should allow alice and bob")
	}
	if rb3.AllowsUser("carol") {
		t.Fatal("rb3 should not allow carol")
	}
	if rb3.ControlBackend != "external" {
		t.Fatalf("rb3 backend = %q, want external", rb3.ControlBackend)
	}

	cmux := reg.Lookup("conmux-board")
	if cmux == nil {
		t.Fatal("conmux-board not found")
	}
	if cmux.ConsolePath != "mybox" {
		t.Fatalf("conmux-board console = %q, want mybox", cmux.ConsolePath)
	}
	if cmux.HasPowerKey {
		t.Fatal("conmux board should not have a power key")
	}
}

func TestLoad_UnrestrictedUsersWhenEmpty(t *testing.T) {
	path := writeSample(t)
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	db410c := reg.Lookup("db410c")
	if !db410c.AllowsUser("anyone") {
		t.Fatal("board with no users list should allow any user")
	}
}

func TestLoad_MissingBoardID_IsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".cdba")
	bad := "boards:\n  - console: /dev/ttyUSB0\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for board missing an id")
	}
}

func TestLoad_TwoBackendKeys_IsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".cdba")
	bad := "boards:\n  - board: x\n    console: /dev/ttyUSB0\n    alpaca: /dev/ttyUSB1\n    external: /bin/true\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for board with two control backends")
	}
}
