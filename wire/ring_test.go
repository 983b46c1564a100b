package wire

import (
	"bytes"
	"errors"
	"testing"
)

// fakeReader replays a fixed sequence of (bytes, err) reads, used to drive
// Fill without a real fd. Like read(2), a read into a buffer shorter than
// the pending data leaves the remainder for the next call.
type fakeReader struct {
	reads []fakeRead
	idx   int
}

type fakeRead struct {
	data []byte
	err  error
}

func (f *fakeReader) Read(p []byte) (int, error) {
	if f.idx >= len(f.reads) {
		return 0, ErrWouldBlock
	}
	r := f.reads[f.idx]
	n := copy(p, r.data)
	if n < len(r.data) {
		f.reads[f.idx].data = r.data[n:]
		return n, nil
	}
	f.idx++
	return n, r.err
}

func TestRing_ConsumeRoundTrip(t *testing.T) {
	r := NewRing()
	src := &fakeReader{reads: []fakeRead{{data: []byte("hello world")}}}

	n, err := r.Fill(src)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("Fill returned %d, want %d", n, len("hello world"))
	}

	got := make([]byte, r.Len())
	if c := r.Consume(got); c != len(got) {
		t.Fatalf("Consume returned %d, want %d", c, len(got))
	}
	if string(got) != "hello world" {
		t.Fatalf("Consume = %q, want %q", got, "hello world")
	}
	if !r.Empty() {
		t.Fatal("ring should be empty after full consume")
	}
}

func TestRing_Fill_WouldBlock(t *testing.T) {
	r := NewRing()
	src := &fakeReader{reads: []fakeRead{{err: ErrWouldBlock}}}

	n, err := r.Fill(src)
	if n != 0 {
		t.Fatalf("Fill n = %d, want 0", n)
	}
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Fill err = %v, want ErrWouldBlock", err)
	}
}

func TestRing_Fill_EOF(t *testing.T) {
	r := NewRing()
	src := &fakeReader{reads: []fakeRead{{data: nil, err: nil}}}

	n, err := r.Fill(src)
	if n != 0 || err != nil {
		t.Fatalf("Fill = (%d, %v), want (0, nil) for EOF", n, err)
	}
}

func TestRing_Fill_GenuineError(t *testing.T) {
	r := NewRing()
	boom := errors.New("boom")
	src := &fakeReader{reads: []fakeRead{{err: boom}}}

	_, err := r.Fill(src)
	if !errors.Is(err, boom) {
		t.Fatalf("Fill err = %v, want %v", err, boom)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := NewRing()

	// Push the write cursor near the end of the buffer so the next fill
	// straddles the wraparound boundary, then drain and refill.
	const prefill = RingCapacity - 8
	big := bytes.Repeat([]byte{'x'}, prefill)
	src := &fakeReader{reads: []fakeRead{{data: big}}}
	if _, err := r.Fill(src); err != nil {
		t.Fatalf("Fill prefill: %v", err)
	}
	r.Discard(prefill)
	if !r.Empty() {
		t.Fatal("expected empty ring after discarding prefill")
	}

	wrap := []byte("wraparound-payload")
	src2 := &fakeReader{reads: []fakeRead{{data: wrap}}}
	if _, err := r.Fill(src2); err != nil {
		t.Fatalf("Fill wrap: %v", err)
	}
	got := make([]byte, len(wrap))
	if c := r.Consume(got); c != len(wrap) {
		t.Fatalf("Consume = %d, want %d", c, len(wrap))
	}
	if string(got) != string(wrap) {
		t.Fatalf("Consume = %q, want %q", got, wrap)
	}
}

func TestRing_Peek_DoesNotAdvance(t *testing.T) {
	r := NewRing()
	src := &fakeReader{reads: []fakeRead{{data: []byte("abc")}}}
	if _, err := r.Fill(src); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	buf := make([]byte, 3)
	if n := r.Peek(buf); n != 3 {
		t.Fatalf("Peek = %d, want 3", n)
	}
	if r.Len() != 3 {
		t.Fatalf("Len after Peek = %d, want 3 (unchanged)", r.Len())
	}
}

func TestRing_Free_ReservesSlackByte(t *testing.T) {
	r := NewRing()
	if r.Free() != RingCapacity-1 {
		t.Fatalf("Free() = %d, want %d", r.Free(), RingCapacity-1)
	}
}
