package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jangala-dev/cdba-go/errcode"
)

func TestCodec_RoundTrip_SingleMessage(t *testing.T) {
	r := NewRing()
	c := NewCodec(r)

	var buf []byte
	buf = Encode(buf, Message{Tag: Console, Payload: []byte("hello")})

	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: buf}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	var got []Message
	if err := c.Drain(func(m Message) error {
		got = append(got, m)
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Tag != Console || string(got[0].Payload) != "hello" {
		t.Fatalf("got %+v", got[0])
	}
}

func TestCodec_PartialHeader_WaitsForMore(t *testing.T) {
	r := NewRing()
	c := NewCodec(r)

	var full []byte
	full = Encode(full, Message{Tag: PowerOn, Payload: nil})

	// Feed only the first two of three header bytes.
	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: full[:2]}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	called := false
	if err := c.Drain(func(Message) error { called = true; return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if called {
		t.Fatal("Drain dispatched on a partial header")
	}

	// Feed the remaining byte; now a full zero-length record is present.
	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: full[2:]}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	var got []Message
	if err := c.Drain(func(m Message) error { got = append(got, m); return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 || got[0].Tag != PowerOn || len(got[0].Payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestCodec_PartialBody_WaitsForMore(t *testing.T) {
	r := NewRing()
	c := NewCodec(r)

	var full []byte
	full = Encode(full, Message{Tag: FastbootDownload, Payload: bytes.Repeat([]byte{0xAB}, 100)})

	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: full[:HeaderLen+40]}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	called := false
	if err := c.Drain(func(Message) error { called = true; return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if called {
		t.Fatal("Drain dispatched before the full body was buffered")
	}

	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: full[HeaderLen+40:]}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	var got []Message
	if err := c.Drain(func(m Message) error { got = append(got, m); return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 || len(got[0].Payload) != 100 {
		t.Fatalf("got %+v", got)
	}
}

func TestCodec_MultipleRecordsInOneFill(t *testing.T) {
	r := NewRing()
	c := NewCodec(r)

	var buf []byte
	buf = Encode(buf, Message{Tag: VbusOn})
	buf = Encode(buf, Message{Tag: VbusOff})
	buf = Encode(buf, Message{Tag: Console, Payload: []byte("x")})

	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: buf}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	var got []Tag
	if err := c.Drain(func(m Message) error { got = append(got, m.Tag); return nil }); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	want := []Tag{VbusOn, VbusOff, Console}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCodec_UnknownTag_IsProtocolFault(t *testing.T) {
	r := NewRing()
	c := NewCodec(r)

	raw := []byte{0xFF, 0x00, 0x00} // tag 255 is outside the enumeration
	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: raw}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	err := c.Drain(func(Message) error { return nil })
	if !errcode.Is(err, errcode.UnknownTag) {
		t.Fatalf("Drain err = %v, want errcode.UnknownTag", err)
	}
}

func TestCodec_OversizeFrame_IsProtocolFault(t *testing.T) {
	r := NewRing()
	c := NewCodec(r)

	hdr := []byte{byte(Console), 0, 0}
	// Declare a body larger than the ring can ever hold.
	bodyLen := uint16(RingCapacity)
	hdr[1] = byte(bodyLen)
	hdr[2] = byte(bodyLen >> 8)

	if _, err := r.Fill(&fakeReader{reads: []fakeRead{{data: hdr}}}); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	err := c.Drain(func(Message) error { return nil })
	if !errcode.Is(err, errcode.OversizeFrame) {
		t.Fatalf("Drain err = %v, want errcode.OversizeFrame", err)
	}
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("Drain err does not unwrap to ErrOversizeFrame: %v", err)
	}
}

func TestMessage_EncodeDecode_RoundTripLengths(t *testing.T) {
	for _, n := range []int{0, 1, 2047, 2048, 65535} {
		payload := bytes.Repeat([]byte{0x5A}, n)
		buf := Encode(nil, Message{Tag: CaptureImage, Payload: payload})
		tag, bodyLen := DecodeHeader(buf)
		if tag != CaptureImage || bodyLen != n {
			t.Fatalf("n=%d: decoded tag=%v bodyLen=%d", n, tag, bodyLen)
		}
		if !bytes.Equal(buf[HeaderLen:], payload) {
			t.Fatalf("n=%d: payload mismatch", n)
		}
	}
}
