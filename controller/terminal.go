package controller

import "golang.org/x/sys/unix"

// termState holds a terminal's saved attributes so raw mode can be
// reverted on exit.
type termState struct {
	fd    int
	saved unix.Termios
}

// enableRaw disables canonical mode, echo, signal generation, and input
// CR/LF translation on fd, with VMIN=1/VTIME=0, returning
// the previous attributes so the caller can restore them.
func enableRaw(fd int) (*termState, error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	saved := *t

	raw := *t
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, err
	}
	return &termState{fd: fd, saved: saved}, nil
}

// restore puts the terminal back in the mode enableRaw found it in.
func (t *termState) restore() error {
	if t == nil {
		return nil
	}
	return unix.IoctlSetTermios(t.fd, unix.TCSETS, &t.saved)
}

// isTTY reports whether fd refers to a terminal device.
func isTTY(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
