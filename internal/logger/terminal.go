//go:build !windows && !linux

package logger

import "golang.org/x/sys/unix"

// isTerminal reports whether fd is a terminal on BSD-flavoured systems
// (macOS included), which spell the termios ioctl TIOCGETA.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TIOCGETA)
	return err == nil
}
