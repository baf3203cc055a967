// Package session holds the per-connection state a live tunnel needs: the
// socket, the directional ciphers bound to it, activity timestamps for the
// keepalive/watchdog logic, and a small state machine tracking its
// lifecycle.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/aead"
	"github.com/dsvpn-go/dsvpn/internal/handshake"
	"github.com/dsvpn-go/dsvpn/internal/tundev"
)

// State is one point in a session's lifecycle.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateLive
	StateClosing
	StateClosed
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session bundles one peer connection's socket, directional ciphers, and
// tunnel device access for the event loop. The event loop runs four
// goroutines against it (tunnel->socket, socket writer, socket->tunnel,
// watchdog): Recv is used only by socket->tunnel, Send by tunnel->socket
// and the watchdog (SendCipher.Seal is safe for that), and the state and
// activity timestamps are atomics, so no further locking is needed.
type Session struct {
	Conn       net.Conn
	Tun        tundev.Device
	Send       *aead.SendCipher
	Recv       *aead.RecvCipher
	RemoteAddr string

	state atomic.Int32

	lastOutboundNanos atomic.Int64
	lastInboundNanos  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Session from a completed handshake result.
func New(conn net.Conn, tun tundev.Device, hs *handshake.Result) *Session {
	s := &Session{
		Conn:       conn,
		Tun:        tun,
		Send:       hs.Send,
		Recv:       hs.Recv,
		RemoteAddr: conn.RemoteAddr().String(),
		closed:     make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))
	now := time.Now().UnixNano()
	s.lastOutboundNanos.Store(now)
	s.lastInboundNanos.Store(now)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState transitions the session to a new lifecycle state.
func (s *Session) SetState(st State) {
	s.state.Store(int32(st))
}

// TouchOutbound records that a frame (data or heartbeat) was just sent.
func (s *Session) TouchOutbound() {
	s.lastOutboundNanos.Store(time.Now().UnixNano())
}

// TouchInbound records that a frame was just received and authenticated.
func (s *Session) TouchInbound() {
	s.lastInboundNanos.Store(time.Now().UnixNano())
}

// LastOutbound reports when a frame was last sent.
func (s *Session) LastOutbound() time.Time {
	return time.Unix(0, s.lastOutboundNanos.Load())
}

// LastInbound reports when a frame was last received.
func (s *Session) LastInbound() time.Time {
	return time.Unix(0, s.lastInboundNanos.Load())
}

// Done returns a channel closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close marks the session Closed and closes its socket exactly once. The
// tunnel device is not closed here: it is owned by the server/client
// process, not the session, and persists across reconnects.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.SetState(StateClosed)
		err = s.Conn.Close()
		close(s.closed)
	})
	return err
}
