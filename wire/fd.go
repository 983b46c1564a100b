package wire

import (
	"errors"

	"golang.org/x/sys/unix"
)

// FD is a raw non-blocking file descriptor read source. The transport fd
// (a pipe to the ssh child, in the controller, or stdin/stdout in the
// agent) is always set O_NONBLOCK before it is handed to a Ring, so every
// Read never waits: with no data ready it returns ErrWouldBlock, the
// translated unix.EAGAIN.
type FD int

// Read performs a single non-blocking read(2). It translates
// EAGAIN/EWOULDBLOCK into ErrWouldBlock so callers can tell a dry fd
// apart from a real failure, and leaves EOF (n==0, err==nil) as
// unix.Read already reports it.
func (f FD) Read(p []byte) (int, error) {
	n, err := unix.Read(int(f), p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, errWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// ErrWouldBlock is returned by Ring.Fill when the underlying fd has no
// data ready. It is not a failure: the reactor simply waits for the fd to
// become readable again and retries.
var ErrWouldBlock = errors.New("wire: would block")

var errWouldBlock = ErrWouldBlock

func isWouldBlock(err error) bool { return errors.Is(err, errWouldBlock) }

// SetNonblock puts fd into O_NONBLOCK mode, as required before constructing
// a FD for use with Ring.Fill.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
