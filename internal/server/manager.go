// Package server runs the listening side of the tunnel: it accepts
// connections, completes each one's handshake, and gives the server
// last-writer-wins session semantics — a newly handshaked client always
// displaces whichever session was previously active.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/eventloop"
	"github.com/dsvpn-go/dsvpn/internal/handshake"
	"github.com/dsvpn-go/dsvpn/internal/logging"
	"github.com/dsvpn-go/dsvpn/internal/metrics"
	"github.com/dsvpn-go/dsvpn/internal/session"
	"github.com/dsvpn-go/dsvpn/internal/tundev"
)

// Manager owns the listening socket and the single active session. Only
// one session is ever live at a time: a second client that completes its
// handshake immediately supersedes the first, per the design's
// last-writer-wins rule.
type Manager struct {
	Listener   net.Listener
	Tun        tundev.Device
	Handshaker *handshake.Handshaker
	Loop       *eventloop.Loop
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	mu      sync.Mutex
	active  *session.Session
	cancels map[*session.Session]context.CancelFunc
}

// New builds a Manager. logger may be nil (a no-op logger is substituted).
func New(ln net.Listener, tun tundev.Device, hs *handshake.Handshaker, loop *eventloop.Loop, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		Listener:   ln,
		Tun:        tun,
		Handshaker: hs,
		Loop:       loop,
		Metrics:    m,
		Logger:     logger,
		cancels:    make(map[*session.Session]context.CancelFunc),
	}
}

// Serve accepts connections until ctx is canceled or the listener fails.
// Each accepted connection is handshaked and run in its own goroutine;
// handshake failures are logged and do not stop the accept loop.
func (m *Manager) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		m.Listener.Close()
	}()

	for {
		conn, err := m.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		go m.handleConn(ctx, conn)
	}
}

// handleConn performs the handshake for one connection and, on success,
// supersedes the active session and runs the event loop for it.
func (m *Manager) handleConn(ctx context.Context, conn net.Conn) {
	hsStart := time.Now()
	hsCtx, cancel := context.WithTimeout(ctx, handshake.DefaultTimeout)
	result, err := m.Handshaker.Accept(hsCtx, conn)
	cancel()
	if err != nil {
		m.Logger.Warn("handshake failed",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err,
		)
		conn.Close()
		if m.Metrics != nil {
			m.Metrics.RecordHandshakeFailure(handshakeFailureReason(err))
		}
		return
	}

	sess := session.New(conn, m.Tun, result)
	m.Logger.Info("session established",
		logging.KeyRemoteAddr, sess.RemoteAddr,
		logging.KeyState, sess.State().String(),
	)

	sessCtx, sessCancel := context.WithCancel(ctx)
	m.supersede(sess, sessCancel)

	if m.Metrics != nil {
		m.Metrics.RecordSessionLive(time.Since(hsStart).Seconds())
	}

	err = m.Loop.Run(sessCtx, sess)
	sessCancel()
	m.clearIfActive(sess)

	m.Logger.Info("session ended",
		logging.KeyRemoteAddr, sess.RemoteAddr,
		logging.KeyError, err,
	)
}

// supersede installs sess as the active session, tearing down whatever was
// active before it. The tunnel device is never touched here: it persists
// across sessions so in-flight packets keep flowing once the new session's
// event loop takes over.
func (m *Manager) supersede(sess *session.Session, cancel context.CancelFunc) {
	m.mu.Lock()
	prev := m.active
	prevCancel := m.cancels[prev]
	m.active = sess
	m.cancels[sess] = cancel
	delete(m.cancels, prev)
	m.mu.Unlock()

	if prev != nil {
		if prevCancel != nil {
			prevCancel()
		}
		prev.Close()
	}
}

// clearIfActive removes sess from the active slot if it is still there
// (it may already have been superseded, in which case this is a no-op).
func (m *Manager) clearIfActive(sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == sess {
		m.active = nil
	}
	delete(m.cancels, sess)
}

// Active returns the currently active session, or nil if none.
func (m *Manager) Active() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func handshakeFailureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, handshake.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, handshake.ErrUnexpectedFrame):
		return "unexpected_frame"
	default:
		return "auth_fail"
	}
}
