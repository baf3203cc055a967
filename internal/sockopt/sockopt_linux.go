//go:build linux

package sockopt

import (
	"net"

	"golang.org/x/sys/unix"
)

// tunePlatform applies the Linux-only tunables: TCP_QUICKACK,
// TCP_CONGESTION, and TCP_NOTSENT_LOWAT.
func tunePlatform(conn *net.TCPConn, opts Options) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	// Quickack, congestion control, and the low-water mark are all
	// best-effort: a kernel without the named algorithm or option
	// still has NoDelay applied by the caller above.
	ctrlErr := raw.Control(func(fd uintptr) {
		if opts.QuickACK {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
		}
		if opts.CongestionControl != "" {
			_ = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, opts.CongestionControl)
		}
		if opts.NotSentLowWatermark > 0 {
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NOTSENT_LOWAT, opts.NotSentLowWatermark)
		}
	})
	return ctrlErr
}
