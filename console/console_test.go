package console

import "testing"

func TestOpen_NonexistentPath(t *testing.T) {
	if _, err := Open("/nonexistent/serial/device"); err == nil {
		t.Fatal("expected error opening a nonexistent device path")
	}
}
