package wire

import (
	"os"
	"testing"
)

func TestWriter_Send_RoundTripsThroughRing(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	writer := NewWriter(int(w.Fd()))
	if err := writer.Send(Message{Tag: Console, Payload: []byte("hello")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ring := NewRing()
	if _, err := ring.Fill(&fakeReader{reads: []fakeRead{{data: readAll(t, r, HeaderLen+5)}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	codec := NewCodec(ring)
	var got []Message
	if err := codec.Drain(func(m Message) error { got = append(got, m); return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 || got[0].Tag != Console || string(got[0].Payload) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestWriter_Send_MultipleMessages(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	writer := NewWriter(int(w.Fd()))
	if err := writer.Send(Message{Tag: VbusOn}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := writer.Send(Message{Tag: VbusOff}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := 2 * HeaderLen
	ring := NewRing()
	if _, err := ring.Fill(&fakeReader{reads: []fakeRead{{data: readAll(t, r, want)}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	codec := NewCodec(ring)
	var got []Tag
	if err := codec.Drain(func(m Message) error { got = append(got, m.Tag); return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 || got[0] != VbusOn || got[1] != VbusOff {
		t.Fatalf("got %v", got)
	}
}

func readAll(t *testing.T, r *os.File, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return buf
}
