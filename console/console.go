// Package console implements the agent-side raw serial line used as the
// default console backend: 115200-8N1,
// no framing, bytes read from the device are forwarded to the transport
// verbatim and bytes written arrive verbatim on the wire.
//
// golang.org/x/sys/unix already exposes
// IoctlGetTermios/IoctlSetTermios, so no extra ioctl-wrapper dependency
// is pulled in purely to reach the same two syscalls.
package console

import (
	"golang.org/x/sys/unix"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/wire"
)

// Console is an open raw serial line, held as a raw non-blocking fd
// rather than an *os.File: the reactor's own poll(2) wait already
// establishes readiness, so Read must return EAGAIN/EOF/data exactly as
// the syscall reports them (see wire.FD) instead of going through the Go
// runtime's netpoller integration for character devices.
type Console struct {
	fd wire.FD
}

// Open opens path read-write, puts it in raw 115200-8N1 mode, and
// returns a Console ready for non-blocking use by the reactor.
func Open(path string) (*Console, error) {
	raw, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "console.Open", err)
	}
	if err := setRaw115200(raw); err != nil {
		unix.Close(raw)
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "console.Open", err)
	}
	return &Console{fd: wire.FD(raw)}, nil
}

func setRaw115200(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return err
	}
	return setBaud(fd, t)
}

func setBaud(fd int, t *unix.Termios) error {
	t.Cflag &^= unix.CBAUD
	t.Cflag |= unix.B115200
	t.Ispeed = unix.B115200
	t.Ospeed = unix.B115200
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Fd returns the raw file descriptor, for registering with the reactor.
func (c *Console) Fd() int { return int(c.fd) }

// Write sends buf verbatim on the serial line.
func (c *Console) Write(buf []byte) (int, error) {
	return unix.Write(int(c.fd), buf)
}

// Read performs one non-blocking read, satisfying wire's rawReader
// contract: data, EOF (0, nil), or wire.ErrWouldBlock.
func (c *Console) Read(buf []byte) (int, error) {
	return c.fd.Read(buf)
}

// SendBreak sends a break condition (0.25-0.5s of marking), backing the
// SEND_BREAK message.
func (c *Console) SendBreak() error {
	return unix.IoctlSetInt(c.Fd(), unix.TCSBRK, 0)
}

// Close releases the line.
func (c *Console) Close() error {
	return unix.Close(int(c.fd))
}
