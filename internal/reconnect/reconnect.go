// Package reconnect drives the client's retry loop against its one
// configured server. Unlike a multi-peer reconnector that tracks backoff
// state per address, the client here always has exactly one target, so
// the controller is a single loop rather than a map of timers.
package reconnect

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/logging"
	"github.com/dsvpn-go/dsvpn/internal/metrics"
)

// DefaultBackoff is RECONNECT_BACKOFF: the flat delay between a
// session ending and the next connect attempt.
const DefaultBackoff = 1 * time.Second

// DefaultMaxBackoff caps the delay. The design calls for no exponential
// growth, so Cap equals Backoff by default; a caller that does want a
// capped ramp can set Multiplier above 1.
const DefaultMaxBackoff = 1 * time.Second

// DefaultJitterFraction is a suggested Config.JitterFraction: up to this
// fraction of the current delay added as random jitter spreads reconnects
// that would otherwise all fire on the same tick after a shared outage.
// WithDefaults does not apply it; a zero JitterFraction means no jitter.
const DefaultJitterFraction = 0.1

// Config controls the delay between connect attempts.
type Config struct {
	// Backoff is the initial (and, with the default Multiplier, the only)
	// delay between attempts.
	Backoff time.Duration
	// MaxBackoff caps the delay. Ignored if less than Backoff.
	MaxBackoff time.Duration
	// Multiplier scales the delay after each failed attempt. 1.0 (the
	// default) reproduces the design's flat backoff; values above 1.0
	// grow the delay up to MaxBackoff.
	Multiplier float64
	// JitterFraction adds up to this fraction of the delay as random
	// jitter. Zero disables jitter.
	JitterFraction float64
}

// WithDefaults fills zero-valued fields with their package defaults.
func (c Config) WithDefaults() Config {
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// ConnectFunc performs one full connect attempt: dial, handshake, and run
// the session to completion. It blocks until the session ends and returns
// the terminal error, or nil on a clean shutdown it detected itself.
type ConnectFunc func(ctx context.Context) error

// Controller retries ConnectFunc against a single target, waiting between
// attempts per Config. It holds no per-address state because the client
// only ever has one target.
type Controller struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	delay time.Duration
}

// New builds a Controller. m and logger may be nil.
func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NopLogger()
	}
	cfg = cfg.WithDefaults()
	return &Controller{cfg: cfg, metrics: m, logger: logger, delay: cfg.Backoff}
}

// Run calls connect repeatedly until ctx is canceled. Every return from
// connect, successful or not, is treated as a session ending and is
// followed by a backoff wait before the next attempt: the client has no
// notion of a "final" connection, only ever-ongoing reconnection.
func (c *Controller) Run(ctx context.Context, connect ConnectFunc) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("session ended, reconnecting",
			logging.KeyAttempt, attempt,
			logging.KeyError, err,
		)
		if c.metrics != nil {
			c.metrics.RecordReconnectAttempt()
		}

		wait := c.nextDelay()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// nextDelay returns the delay to use before the next attempt and advances
// the controller's internal backoff state for the attempt after that.
func (c *Controller) nextDelay() time.Duration {
	d := c.delay

	grown := time.Duration(float64(c.delay) * c.cfg.Multiplier)
	if grown > c.cfg.MaxBackoff {
		grown = c.cfg.MaxBackoff
	}
	c.delay = grown

	return withJitter(d, c.cfg.JitterFraction)
}

// Reset restores the backoff delay to its initial value, for use once a
// session has run long enough to be considered stable again.
func (c *Controller) Reset() {
	c.delay = c.cfg.Backoff
}

func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	span := float64(d) * fraction
	return d + time.Duration(rand.Float64()*span)
}
