//go:build !windows

package logger

import (
	"syscall"
	"unsafe"
)

// isTerminal reports whether fd refers to an interactive terminal, used to
// decide whether to emit ANSI color codes.
func isTerminal(fd uintptr) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(
		syscall.SYS_IOCTL,
		fd,
		ioctlGetTermios,
		uintptr(unsafe.Pointer(&termios)),
		0, 0, 0,
	)
	return err == 0
}
