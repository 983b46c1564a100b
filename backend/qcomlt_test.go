package backend

import "testing"

func TestQcomltParserSingleReading(t *testing.T) {
	q := &qcomlt{}
	for _, ch := range "3700mV 150mA " {
		q.push(ch)
	}
	if !q.seen {
		t.Fatal("no complete reading recorded")
	}
	if q.lastMV != 3700 || q.lastMA != 150 {
		t.Fatalf("got %dmV/%dmA, want 3700mV/150mA", q.lastMV, q.lastMA)
	}
}

func TestQcomltParserResyncsAfterGarbage(t *testing.T) {
	q := &qcomlt{}
	for _, ch := range "xyz123mV garbage500mV 10mA " {
		q.push(ch)
	}
	if !q.seen || q.lastMV != 500 || q.lastMA != 10 {
		t.Fatalf("got seen=%v %dmV/%dmA, want 500mV/10mA after resync", q.seen, q.lastMV, q.lastMA)
	}
}

func TestQcomltParserHandlesChunkBoundaries(t *testing.T) {
	q := &qcomlt{}
	chunks := []string{"10", "00m", "V 2", "0mA"}
	for _, c := range chunks {
		for _, ch := range c {
			q.push(ch)
		}
	}
	if !q.seen || q.lastMV != 1000 || q.lastMA != 20 {
		t.Fatalf("got seen=%v %dmV/%dmA, want 1000mV/20mA", q.seen, q.lastMV, q.lastMA)
	}
}

func TestQcomltReportTickForwardsLatest(t *testing.T) {
	q := &qcomlt{}
	var got []Telemetry
	q.sink = func(tm Telemetry) { got = append(got, tm) }

	// Nothing parsed yet: a tick reports nothing.
	q.reportTick()
	if len(got) != 0 {
		t.Fatalf("tick before any reading forwarded %d records", len(got))
	}

	for _, ch := range "3700mV 150mA 3690mV 148mA " {
		q.push(ch)
	}
	q.reportTick()
	if len(got) != 1 {
		t.Fatalf("tick forwarded %d records, want 1", len(got))
	}
	if got[0].MV == nil || *got[0].MV != 3690 || got[0].MA == nil || *got[0].MA != 148 {
		t.Fatalf("tick forwarded %+v, want the freshest reading 3690mV/148mA", got[0])
	}
}
