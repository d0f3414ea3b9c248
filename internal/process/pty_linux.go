package process

import (
	"os"

	"golang.org/x/sys/unix"
)

// disableOutputProcessing clears OPOST and ECHO on the slave so output bytes
// reach the master unchanged (no \n -> \r\n translation).
func disableOutputProcessing(tty *os.File) error {
	fd := int(tty.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
