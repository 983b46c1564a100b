package wire

import (
	"errors"

	"github.com/jangala-dev/cdba-go/errcode"
)

// ErrOversizeFrame is returned by Codec.Drain when a header declares a
// body longer than the ring can ever hold: senders are
// required to keep payloads below the ring's usable capacity, so this is
// a protocol fault rather than a transient condition.
var ErrOversizeFrame = errors.New("wire: oversize frame")

// ErrUnknownTag is returned by Codec.Drain when a header carries a tag
// outside the closed Tag enumeration.
var ErrUnknownTag = errors.New("wire: unknown tag")

// Codec turns a Ring's buffered bytes into a sequence of decoded Messages.
// It owns no I/O itself; the reactor calls Fill on the underlying ring and
// then Drain to extract as many complete records as are currently
// buffered.
type Codec struct {
	ring *Ring
}

// NewCodec wraps ring in a Codec.
func NewCodec(ring *Ring) *Codec {
	return &Codec{ring: ring}
}

// Ring returns the underlying ring, so callers can call Fill directly.
func (c *Codec) Ring() *Ring { return c.ring }

// Drain extracts every complete (header + body) record currently buffered
// in the ring and invokes handle for each, in arrival order. It stops and
// returns a non-nil error on the first protocol fault; any records
// consumed before the fault have already been dispatched. A short buffer
// (header not fully present, or body not yet fully present) is not an
// error: Drain simply returns nil, leaving the partial record in the ring
// for the next Fill to complete.
func (c *Codec) Drain(handle func(Message) error) error {
	var hdr [HeaderLen]byte
	for {
		n := c.ring.Peek(hdr[:])
		if n < HeaderLen {
			return nil // header not fully buffered yet
		}
		tag, bodyLen := DecodeHeader(hdr[:])
		if !tag.Valid() {
			return errcode.Wrap(errcode.UnknownTag, "wire.Drain", ErrUnknownTag)
		}
		if bodyLen > RingCapacity-1-HeaderLen {
			return errcode.Wrap(errcode.OversizeFrame, "wire.Drain", ErrOversizeFrame)
		}
		if c.ring.Len() < HeaderLen+bodyLen {
			return nil // body not fully buffered yet
		}

		rec := make([]byte, HeaderLen+bodyLen)
		if got := c.ring.Consume(rec); got != len(rec) {
			// Len() already confirmed enough bytes are buffered; a short
			// consume here would indicate a ring bookkeeping bug.
			panic("wire: Consume short read after Len check")
		}
		msg := Message{Tag: tag, Payload: rec[HeaderLen:]}
		if err := handle(msg); err != nil {
			return err
		}
	}
}
