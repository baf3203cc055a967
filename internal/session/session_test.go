package session

import (
	"net"
	"testing"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/aead"
	"github.com/dsvpn-go/dsvpn/internal/handshake"
)

func testHandshakeResult(t *testing.T) *handshake.Result {
	t.Helper()
	var psk [aead.KeySize]byte
	nc := [8]byte{1}
	ns := [8]byte{2}
	c2s, s2c, err := aead.DeriveKeys(psk, nc, ns)
	if err != nil {
		t.Fatal(err)
	}
	send, err := aead.NewSendCipher(c2s)
	if err != nil {
		t.Fatal(err)
	}
	recv, err := aead.NewRecvCipher(s2c)
	if err != nil {
		t.Fatal(err)
	}
	return &handshake.Result{Send: send, Recv: recv, Nc: nc, Ns: ns}
}

func TestSession_InitialState(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := New(a, nil, testHandshakeResult(t))
	defer s.Close()

	if s.State() != StateHandshaking {
		t.Fatalf("initial state = %v, want %v", s.State(), StateHandshaking)
	}
	if s.RemoteAddr == "" {
		t.Fatal("RemoteAddr should be populated from the connection")
	}
}

func TestSession_StateTransitions(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := New(a, nil, testHandshakeResult(t))
	defer s.Close()

	s.SetState(StateLive)
	if s.State() != StateLive {
		t.Fatalf("state = %v, want %v", s.State(), StateLive)
	}
}

func TestSession_ActivityTimestamps(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := New(a, nil, testHandshakeResult(t))
	defer s.Close()

	before := s.LastOutbound()
	time.Sleep(2 * time.Millisecond)
	s.TouchOutbound()
	if !s.LastOutbound().After(before) {
		t.Fatal("TouchOutbound did not advance LastOutbound")
	}

	beforeIn := s.LastInbound()
	time.Sleep(2 * time.Millisecond)
	s.TouchInbound()
	if !s.LastInbound().After(beforeIn) {
		t.Fatal("TouchInbound did not advance LastInbound")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	s := New(a, nil, testHandshakeResult(t))

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state after Close = %v, want %v", s.State(), StateClosed)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() channel should be closed")
	}
}
