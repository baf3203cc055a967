// Package sockopt tunes the outer TCP socket the tunnel runs over.
// Options are toggles, not hardcoded behavior, because not every
// platform honors every knob (BBR and the not-sent low-water-mark are
// Linux-only; quickack falls back to nodelay elsewhere).
package sockopt

import (
	"net"
	"time"
)

// Options controls which TCP tunables Tune attempts to apply. A field
// left at its zero value disables that tunable.
type Options struct {
	// Keepalive enables TCP keepalive probes.
	Keepalive bool
	// KeepalivePeriod sets the probe interval, if Keepalive is set and
	// the platform supports configuring it. Zero uses the OS default.
	KeepalivePeriod time.Duration
	// QuickACK disables delayed ACKs where the platform supports it
	// (Linux TCP_QUICKACK). Falls back to NoDelay elsewhere.
	QuickACK bool
	// NoDelay disables Nagle's algorithm.
	NoDelay bool
	// CongestionControl names a congestion control algorithm to request
	// (e.g. "bbr"). Ignored, not an error, on platforms or kernels that
	// don't expose TCP_CONGESTION or don't have the named algorithm
	// loaded.
	CongestionControl string
	// NotSentLowWatermark bounds how many unsent bytes the kernel will
	// buffer before reporting the socket writable, controlling
	// bufferbloat under slow peers. Zero disables it.
	NotSentLowWatermark int
}

// DefaultOptions is the tuning the design recommends: keepalive on,
// quickack preferred over nodelay, BBR requested, a modest low-water
// mark.
func DefaultOptions() Options {
	return Options{
		Keepalive:           true,
		KeepalivePeriod:     30 * time.Second,
		QuickACK:            true,
		NoDelay:             true,
		CongestionControl:   "bbr",
		NotSentLowWatermark: 16 * 1024,
	}
}

// Tune applies opts to conn, best-effort. Platform-unsupported options
// are silently skipped rather than returned as errors: these are
// performance tunables, not correctness requirements.
func Tune(conn *net.TCPConn, opts Options) error {
	if opts.Keepalive {
		if err := conn.SetKeepAlive(true); err != nil {
			return err
		}
		if opts.KeepalivePeriod > 0 {
			if err := conn.SetKeepAlivePeriod(opts.KeepalivePeriod); err != nil {
				return err
			}
		}
	}
	if opts.NoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return err
		}
	}
	return tunePlatform(conn, opts)
}
