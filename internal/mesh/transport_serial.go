package mesh

import (
	"fmt"
	"os"

	"github.com/go-kit/kit/log"
	"golang.org/x/sys/unix"
)

// serialBaudRates maps the handful of bit rates the gateway firmware
// actually supports to their termios constants.
var serialBaudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// serialConn wraps an *os.File whose fd has been put into raw mode, so
// Close also restores nothing beyond what the OS does on fd close (the
// gateway is power-cycled far more often than this process restarts).
type serialConn struct {
	*os.File
}

// NewSerialTransport opens path as the gateway's serial link, puts the
// line discipline into raw 8N1 mode at baud, and runs the board-reset
// handshake (spec.md §4.1). This is the one place in the module that
// reaches for golang.org/x/sys/unix rather than a higher-level package:
// Go's standard library has no termios support at all, and raw serial
// control is exactly the low-level POSIX surface x/sys/unix exists for.
func NewSerialTransport(path string, baud int, logger log.Logger) (*lineTransport, error) {
	rate, ok := serialBaudRates[baud]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrConfig, baud)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := setRawTermios(int(f.Fd()), rate); err != nil {
		f.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	t := newLineTransport(serialConn{f}, logger)
	go t.resetBoard()
	return t, nil
}

// setRawTermios configures fd for raw, non-canonical 8N1 operation at
// the given termios baud constant, equivalent to the traditional
// cfmakeraw() plus cfsetspeed().
func setRawTermios(fd int, rate uint32) error {
	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	term.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	term.Oflag &^= unix.OPOST
	term.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	term.Cflag &^= unix.CSIZE | unix.PARENB
	term.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	term.Cc[unix.VMIN] = 1
	term.Cc[unix.VTIME] = 0

	term.Ispeed = rate
	term.Ospeed = rate
	return unix.IoctlSetTermios(fd, unix.TCSETS, term)
}
