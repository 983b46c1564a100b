package controller

import "testing"

func TestMarkerScanner_FiresOnTwentyTildes(t *testing.T) {
	var m markerScanner
	for i := 0; i < 19; i++ {
		if m.Scan([]byte{'~'}) {
			t.Fatalf("fired early at tilde %d", i+1)
		}
	}
	if !m.Scan([]byte{'~'}) {
		t.Fatal("did not fire on the 20th consecutive tilde")
	}
}

func TestMarkerScanner_ResetsOnNonTilde(t *testing.T) {
	var m markerScanner
	m.Scan([]byte("~~~~~~~~~~"))
	m.Scan([]byte("x"))
	fired := false
	for i := 0; i < 19; i++ {
		if m.Scan([]byte{'~'}) {
			fired = true
		}
	}
	if fired {
		t.Fatal("fired before a fresh run of 20 after an interruption")
	}
}

func TestMarkerScanner_FiresAcrossChunkBoundaries(t *testing.T) {
	var m markerScanner
	if m.Scan([]byte("normal output ~~~~~~~~~~")) {
		t.Fatal("fired with only 10 tildes so far")
	}
	if !m.Scan([]byte("~~~~~~~~~~ more output")) {
		t.Fatal("did not fire when the run completed across chunks")
	}
}

func TestMarkerScanner_OneFirePerCall(t *testing.T) {
	var m markerScanner
	fired := m.Scan([]byte(
		"~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~")) // 40 tildes
	if !fired {
		t.Fatal("expected the first 20-run to fire")
	}
	if m.run != 0 {
		t.Fatalf("run = %d, want 0 after the second completed run was absorbed", m.run)
	}
}
