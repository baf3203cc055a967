// Package eventloop shuttles packets between a tunnel device and a TCP
// session in both directions, emitting keepalives on outbound silence and
// terminating the session on peer silence. The single cooperative loop the
// design describes is realized here as a small goroutine group — one
// direction each, plus a watchdog — coordinated through a context and a
// single-slot channel rather than a readiness-poll primitive, which is the
// idiomatic Go equivalent of the same backpressure and liveness rules.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/aead"
	"github.com/dsvpn-go/dsvpn/internal/logging"
	"github.com/dsvpn-go/dsvpn/internal/metrics"
	"github.com/dsvpn-go/dsvpn/internal/netio"
	"github.com/dsvpn-go/dsvpn/internal/session"
	"github.com/dsvpn-go/dsvpn/internal/wire"
)

// ErrPeerSilent is returned when no inbound frame has arrived within the
// peer-silence window.
var ErrPeerSilent = errors.New("eventloop: peer silent")

// DefaultKeepaliveInterval is KEEPALIVE_INTERVAL.
const DefaultKeepaliveInterval = 30 * time.Second

// DefaultPeerSilenceFactor multiplies KeepaliveInterval to get the
// peer-silence threshold (3x, per the design).
const DefaultPeerSilenceFactor = 3

// DefaultMTU bounds the per-read buffer against the tunnel device.
const DefaultMTU = 9000

// Options configures one Loop's timing and buffer behavior.
type Options struct {
	KeepaliveInterval time.Duration
	PeerSilenceFactor int
	SocketTimeout     time.Duration
	MTU               int
}

// WithDefaults fills zero-valued fields with their package defaults.
func (o Options) WithDefaults() Options {
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.PeerSilenceFactor <= 0 {
		o.PeerSilenceFactor = DefaultPeerSilenceFactor
	}
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = o.KeepaliveInterval
	}
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	return o
}

// Loop runs the packet shuttle for exactly one session at a time.
type Loop struct {
	Options Options
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New builds a Loop with the given options, defaults applied.
func New(opts Options, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Loop{Options: opts.WithDefaults(), Metrics: m, Logger: logger}
}

// encodedFrame is a sealed, ready-to-write outbound envelope.
type encodedFrame struct {
	nonce      [aead.ExplicitNonceSize]byte
	length     uint16
	ciphertext []byte
}

// Run shuttles packets for sess until either direction fails, the peer goes
// silent, or ctx is canceled. It blocks until the session ends and returns
// the terminal error; when ctx is canceled that error is ctx.Err().
func (l *Loop) Run(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.SetState(session.StateLive)

	outCh := make(chan encodedFrame, 1)
	errCh := make(chan error, 3)

	go l.tunnelToSocket(ctx, sess, outCh, errCh)
	go l.socketWriter(ctx, sess, outCh, errCh)
	go l.socketToTunnel(ctx, sess, errCh)
	go l.watchdog(ctx, sess, outCh, errCh)

	var terminal error
	select {
	case <-ctx.Done():
		terminal = ctx.Err()
	case terminal = <-errCh:
		cancel()
	}

	sess.SetState(session.StateClosing)
	sess.Close()
	if l.Metrics != nil {
		l.Metrics.RecordSessionEnd(reasonLabel(terminal))
	}
	return terminal
}

// tunnelToSocket reads IP packets off the tunnel device, encrypts them, and
// offers them to the socket writer. A full channel means the writer is
// still busy with a previous frame; the new packet is dropped rather than
// queued, bounding latency and memory the way the design requires.
func (l *Loop) tunnelToSocket(ctx context.Context, sess *session.Session, outCh chan<- encodedFrame, errCh chan<- error) {
	buf := make([]byte, l.Options.MTU)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := netio.ReadPartial(sess.Tun, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Logger.Error("tunnel read failed", logging.KeyError, err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		nonce, ct, err := sess.Send.Seal(payload)
		if err != nil {
			// NonceExhausted: this direction can no longer be used safely.
			select {
			case errCh <- fmt.Errorf("eventloop: seal outbound packet: %w", err):
			default:
			}
			return
		}

		frame := encodedFrame{nonce: nonce, length: uint16(n), ciphertext: ct}
		select {
		case outCh <- frame:
		default:
			if l.Metrics != nil {
				l.Metrics.RecordPacketDropped("socket_not_writable")
			}
		}
	}
}

// socketWriter drains outCh and writes each frame to the socket, including
// heartbeats injected by the watchdog.
func (l *Loop) socketWriter(ctx context.Context, sess *session.Session, outCh <-chan encodedFrame, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-outCh:
			if err := wire.WriteFrame(sess.Conn, l.Options.SocketTimeout, f.nonce, f.length, f.ciphertext); err != nil {
				select {
				case errCh <- fmt.Errorf("eventloop: write frame: %w", err):
				default:
				}
				return
			}
			sess.TouchOutbound()
			if l.Metrics != nil {
				if f.length == 0 {
					l.Metrics.RecordFrameSent("heartbeat", 0)
				} else {
					l.Metrics.RecordFrameSent("data", int(f.length))
				}
			}
		}
	}
}

// socketToTunnel reads frames off the socket, authenticates and decrypts
// them, and writes data frames back out the tunnel device. Heartbeats are
// consumed silently. A read timeout is expected and non-fatal: it just
// means no frame arrived this tick; the watchdog separately judges peer
// silence from last-inbound timestamps.
func (l *Loop) socketToTunnel(ctx context.Context, sess *session.Session, errCh chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}

		f, err := wire.ReadFrame(sess.Conn, l.Options.SocketTimeout)
		if err != nil {
			if errors.Is(err, netio.ErrTimeout) {
				continue
			}
			select {
			case errCh <- fmt.Errorf("eventloop: read frame: %w", err):
			default:
			}
			return
		}

		plaintext, err := sess.Recv.Open(f.Length, f.Nonce, f.Ciphertext)
		if err != nil {
			if l.Metrics != nil {
				switch {
				case errors.Is(err, aead.ErrReplay):
					l.Metrics.RecordReplayRejection()
				case errors.Is(err, aead.ErrAuthFail):
					l.Metrics.RecordAuthFailure()
				}
			}
			select {
			case errCh <- fmt.Errorf("eventloop: decrypt frame: %w", err):
			default:
			}
			return
		}

		sess.TouchInbound()

		if f.IsHeartbeat() {
			if l.Metrics != nil {
				l.Metrics.RecordFrameReceived("heartbeat", 0)
			}
			continue
		}

		if l.Metrics != nil {
			l.Metrics.RecordFrameReceived("data", len(plaintext))
		}
		if _, err := sess.Tun.Write(plaintext); err != nil {
			l.Logger.Error("tunnel write failed", logging.KeyError, err)
		}
	}
}

// watchdog emits heartbeats on outbound silence and declares the peer
// silent on inbound silence.
func (l *Loop) watchdog(ctx context.Context, sess *session.Session, outCh chan<- encodedFrame, errCh chan<- error) {
	tick := l.Options.KeepaliveInterval / 4
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	silenceThreshold := time.Duration(l.Options.PeerSilenceFactor) * l.Options.KeepaliveInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			if now.Sub(sess.LastInbound()) >= silenceThreshold {
				select {
				case errCh <- fmt.Errorf("%w", ErrPeerSilent):
				default:
				}
				return
			}

			if now.Sub(sess.LastOutbound()) >= l.Options.KeepaliveInterval {
				nonce, ct, err := sess.Send.Seal(nil)
				if err != nil {
					return
				}
				select {
				case outCh <- encodedFrame{nonce: nonce, length: 0, ciphertext: ct}:
				default:
				}
			}
		}
	}
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "clean"
	case errors.Is(err, ErrPeerSilent):
		return "peer_silent"
	case errors.Is(err, aead.ErrAuthFail):
		return "auth_fail"
	case errors.Is(err, aead.ErrReplay):
		return "replay"
	case errors.Is(err, aead.ErrNonceExhausted):
		return "nonce_exhausted"
	case errors.Is(err, netio.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
