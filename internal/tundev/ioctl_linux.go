//go:build linux

package tundev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues a raw ioctl(2) against fd, passing a pointer to arg as the
// third argument — used for TUNSETIFF, which golang.org/x/sys/unix does
// not wrap directly.
func ioctl(fd uintptr, req uint, arg *byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}
	return nil
}
