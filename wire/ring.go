// Package wire implements the length-prefixed message framing shared by
// the controller and the agent: a fixed-size byte ring per direction and
// a codec that turns ring contents into (tag, payload) records.
//
// Both roles are single-threaded reactors, so the ring uses plain
// head/tail fields rather than atomics; the span-acquire/commit/release
// shape keeps the modular wraparound arithmetic in one place.
package wire

// RingCapacity is the fixed ring size: 16384 bytes, leaving
// RingCapacity-1 usable bytes (head==tail means empty).
const RingCapacity = 16384

// Ring is a fixed-capacity byte ring buffer with two modular cursors.
type Ring struct {
	buf  [RingCapacity]byte
	mask uint32
	head uint32 // consumer index
	tail uint32 // producer index
}

// NewRing returns an empty ring of RingCapacity bytes.
func NewRing() *Ring {
	return &Ring{mask: RingCapacity - 1}
}

// Len returns the number of bytes currently buffered (readable).
func (r *Ring) Len() int { return int(r.tail - r.head) }

// Free returns the number of bytes that can still be written without
// overflowing the usable capacity (RingCapacity-1).
func (r *Ring) Free() int { return RingCapacity - 1 - r.Len() }

// Empty reports head == tail.
func (r *Ring) Empty() bool { return r.head == r.tail }

// writeAcquire returns up to two contiguous writable spans, reserving one
// byte of slack so head==tail always means empty, never full.
func (r *Ring) writeAcquire() (p1, p2 []byte) {
	free := r.Free()
	if free <= 0 {
		return nil, nil
	}
	tailIdx := r.tail & r.mask
	first := RingCapacity - int(tailIdx)
	if first > free {
		first = free
	}
	p1 = r.buf[tailIdx : int(tailIdx)+first]
	rem := free - first
	if rem > 0 {
		p2 = r.buf[:rem]
	}
	return p1, p2
}

func (r *Ring) writeCommit(n int) {
	if n <= 0 {
		return
	}
	r.tail += uint32(n)
}

// readAcquire returns up to two contiguous readable spans.
func (r *Ring) readAcquire() (p1, p2 []byte) {
	avail := r.Len()
	if avail <= 0 {
		return nil, nil
	}
	headIdx := r.head & r.mask
	first := RingCapacity - int(headIdx)
	if first > avail {
		first = avail
	}
	p1 = r.buf[headIdx : int(headIdx)+first]
	rem := avail - first
	if rem > 0 {
		p2 = r.buf[:rem]
	}
	return p1, p2
}

func (r *Ring) readRelease(n int) {
	if n <= 0 {
		return
	}
	r.head += uint32(n)
}

// Peek copies up to len(dst) buffered bytes into dst without advancing
// head, returning the number of bytes copied. A short copy (n < len(dst))
// means the caller's requested span is not yet fully buffered.
func (r *Ring) Peek(dst []byte) int {
	p1, p2 := r.readAcquire()
	if len(p1) == 0 {
		return 0
	}
	n := copy(dst, p1)
	if n < len(dst) && len(p2) > 0 {
		n += copy(dst[n:], p2)
	}
	return n
}

// Consume copies up to len(dst) buffered bytes into dst and advances head
// by the number of bytes copied.
func (r *Ring) Consume(dst []byte) int {
	n := r.Peek(dst)
	r.readRelease(n)
	return n
}

// Discard advances head by n bytes without copying, for skipping data the
// caller has already inspected via Peek.
func (r *Ring) Discard(n int) {
	if n > r.Len() {
		n = r.Len()
	}
	r.readRelease(n)
}

// rawReader is the minimal raw-fd read primitive Fill needs: a single
// non-blocking read(2) call. Implementations must report a would-block
// condition as ErrWouldBlock (see FD, the production wrapper over
// golang.org/x/sys/unix.Read) rather than folding it into (0, nil), since
// Fill must distinguish it from end-of-stream.
type rawReader interface {
	Read(p []byte) (int, error)
}

// Fill performs one non-blocking read from src into the ring's free
// contiguous span(s). There are four outcomes:
//
//   - n > 0, err == nil: bytes were buffered; the caller should try to
//     decode frames and may call Fill again.
//   - n == 0, err == ErrWouldBlock: no data was ready; normal, the
//     reactor waits for the fd to become readable again.
//   - n == 0, err == nil: end-of-stream, terminal for the transport. A
//     ring with no free space also returns (0, nil), without reading.
//   - err == some other error: a genuine I/O failure, terminal (n is
//     non-zero if the read before the failing one buffered bytes).
func (r *Ring) Fill(src rawReader) (int, error) {
	p1, p2 := r.writeAcquire()
	if len(p1) == 0 {
		return 0, nil // ring full; caller should drain buffered frames first
	}
	n, err := src.Read(p1)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil // end-of-stream
	}
	total := n
	if n == len(p1) && len(p2) > 0 {
		// p1 was filled exactly; a further non-blocking read may still
		// be satisfied immediately without blocking.
		n2, err2 := src.Read(p2)
		if n2 > 0 {
			total += n2
		}
		r.writeCommit(total)
		if err2 != nil && !isWouldBlock(err2) {
			return total, err2
		}
		return total, nil
	}
	r.writeCommit(total)
	return total, nil
}
