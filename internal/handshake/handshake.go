// Package handshake performs the cover-preamble exchange, derives the
// session's directional ciphers from the pre-shared secret, and confirms
// liveness with an initial heartbeat in each direction before handing the
// connection to the event loop.
package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/aead"
	"github.com/dsvpn-go/dsvpn/internal/netio"
	"github.com/dsvpn-go/dsvpn/internal/wire"
)

// DefaultTimeout is the handshake-wide deadline (HANDSHAKE_TIMEOUT).
const DefaultTimeout = 30 * time.Second

// ErrHandshakeTimeout is returned when the handshake does not complete
// within its deadline.
var ErrHandshakeTimeout = errors.New("handshake: timed out")

// ErrUnexpectedFrame is returned when the peer's first frame after the
// preamble is not the required heartbeat.
var ErrUnexpectedFrame = errors.New("handshake: expected initial heartbeat")

// Result is the outcome of a successful handshake: a ready-to-use sender
// and receiver bound to this session's directional keys, plus the two
// nonces exchanged (useful for logging/diagnostics only).
type Result struct {
	Send *aead.SendCipher
	Recv *aead.RecvCipher
	Nc   [8]byte
	Ns   [8]byte
}

// Handshaker holds the pre-shared secret and the timeout that bounds a
// whole handshake; each step gets whatever remains of it.
type Handshaker struct {
	psk     [aead.KeySize]byte
	timeout time.Duration
}

// New creates a Handshaker. A zero timeout falls back to DefaultTimeout.
func New(psk [aead.KeySize]byte, timeout time.Duration) *Handshaker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handshaker{psk: psk, timeout: timeout}
}

// Dial performs the handshake as the connection initiator (the client): it
// sends its nonce first, then waits for the server's.
func (h *Handshaker) Dial(ctx context.Context, conn net.Conn) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var nc [8]byte
	if _, err := rand.Read(nc[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate client nonce: %w", err)
	}

	timeout := remaining(ctx, h.timeout)
	if err := wire.WriteClientPreamble(conn, nc, timeout); err != nil {
		return nil, translate(err)
	}

	timeout = remaining(ctx, h.timeout)
	ns, err := wire.ReadServerPreamble(conn, timeout)
	if err != nil {
		return nil, translate(err)
	}

	c2s, s2c, err := aead.DeriveKeys(h.psk, nc, ns)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive keys: %w", err)
	}

	send, err := aead.NewSendCipher(c2s)
	if err != nil {
		return nil, fmt.Errorf("handshake: build send cipher: %w", err)
	}
	recv, err := aead.NewRecvCipher(s2c)
	if err != nil {
		return nil, fmt.Errorf("handshake: build recv cipher: %w", err)
	}

	if err := exchangeHeartbeat(conn, send, recv, remaining(ctx, h.timeout)); err != nil {
		return nil, err
	}

	return &Result{Send: send, Recv: recv, Nc: nc, Ns: ns}, nil
}

// Accept performs the handshake as the connection acceptor (the server): it
// waits for the client's nonce first, then replies with its own.
func (h *Handshaker) Accept(ctx context.Context, conn net.Conn) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	timeout := remaining(ctx, h.timeout)
	nc, err := wire.ReadClientPreamble(conn, timeout)
	if err != nil {
		return nil, translate(err)
	}

	var ns [8]byte
	if _, err := rand.Read(ns[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate server nonce: %w", err)
	}

	timeout = remaining(ctx, h.timeout)
	if err := wire.WriteServerPreamble(conn, ns, timeout); err != nil {
		return nil, translate(err)
	}

	c2s, s2c, err := aead.DeriveKeys(h.psk, nc, ns)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive keys: %w", err)
	}

	send, err := aead.NewSendCipher(s2c)
	if err != nil {
		return nil, fmt.Errorf("handshake: build send cipher: %w", err)
	}
	recv, err := aead.NewRecvCipher(c2s)
	if err != nil {
		return nil, fmt.Errorf("handshake: build recv cipher: %w", err)
	}

	if err := exchangeHeartbeat(conn, send, recv, remaining(ctx, h.timeout)); err != nil {
		return nil, err
	}

	return &Result{Send: send, Recv: recv, Nc: nc, Ns: ns}, nil
}

// exchangeHeartbeat sends one zero-length frame and requires receiving one
// back before the session is considered live. The heartbeat is written
// while the peer's is being read, so the exchange also completes over an
// unbuffered connection where both sides write first.
func exchangeHeartbeat(conn net.Conn, send *aead.SendCipher, recv *aead.RecvCipher, timeout time.Duration) error {
	nonce, ct, err := send.Seal(nil)
	if err != nil {
		return fmt.Errorf("handshake: seal initial heartbeat: %w", err)
	}
	writeErr := make(chan error, 1)
	go func() { writeErr <- wire.WriteFrame(conn, timeout, nonce, 0, ct) }()

	f, err := wire.ReadFrame(conn, timeout)
	if err != nil {
		return translate(err)
	}
	if err := <-writeErr; err != nil {
		return translate(err)
	}
	if !f.IsHeartbeat() {
		return ErrUnexpectedFrame
	}
	if _, err := recv.Open(f.Length, f.Nonce, f.Ciphertext); err != nil {
		return fmt.Errorf("handshake: authenticate initial heartbeat: %w", err)
	}

	return nil
}

// remaining returns the time left until ctx's deadline, or fallback if ctx
// carries none.
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return fallback
}

// translate maps a timed-out I/O step onto ErrHandshakeTimeout so callers
// can use errors.Is without caring which step failed.
func translate(err error) error {
	if errors.Is(err, netio.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}
