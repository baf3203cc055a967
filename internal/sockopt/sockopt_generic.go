//go:build !linux

package sockopt

import "net"

// tunePlatform covers platforms without TCP_QUICKACK, TCP_CONGESTION, or
// TCP_NOTSENT_LOWAT: the latter two are skipped, and QuickACK falls back
// to disabling Nagle's algorithm (NoDelay).
func tunePlatform(conn *net.TCPConn, opts Options) error {
	if opts.QuickACK && !opts.NoDelay {
		return conn.SetNoDelay(true)
	}
	return nil
}
