package wire

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Writer performs framed writes to a transport fd. Unlike the read side
// (wire.FD, which the reactor always keeps non-blocking so a single
// poll(2) wait covers every readable source), the write side is not
// polled by the reactor: both roles write to a pipe whose kernel buffer
// is large relative to one frame, so a short retry-on-EAGAIN loop is
// adequate, the same short-blocking-I/O treatment the fastboot bulk
// transfers get.
type Writer struct {
	fd int
}

// NewWriter wraps fd, which must already be open for writing.
func NewWriter(fd int) *Writer {
	return &Writer{fd: fd}
}

// Send encodes m and writes it to the transport in full, retrying short
// writes and EAGAIN until every byte is accepted or a real error occurs.
func (w *Writer) Send(m Message) error {
	buf := Encode(make([]byte, 0, HeaderLen+len(m.Payload)), m)
	return w.writeAll(buf)
}

func (w *Writer) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(w.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				w.waitWritable()
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// waitWritable blocks until w.fd can accept more bytes, or returns
// immediately if poll(2) itself fails (the next write will surface the
// real error).
func (w *Writer) waitWritable() {
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLOUT}}
	_, _ = unix.Poll(pfd, -1)
}
