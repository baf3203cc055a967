package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dsvpn-go/dsvpn/internal/aead"
	"github.com/dsvpn-go/dsvpn/internal/eventloop"
	"github.com/dsvpn-go/dsvpn/internal/handshake"
)

// chanListener is a net.Listener backed by a channel of already-connected
// net.Conn, letting tests feed in net.Pipe halves without a real socket.
type chanListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newChanListener() *chanListener {
	return &chanListener{conns: make(chan net.Conn, 4), closed: make(chan struct{})}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *chanListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "0.0.0.0:0" }

// noopTun satisfies tundev.Device without touching any real device.
type noopTun struct{}

func (noopTun) Read(buf []byte) (int, error)  { select {} }
func (noopTun) Write(pkt []byte) (int, error) { return len(pkt), nil }
func (noopTun) Name() string                  { return "noop0" }
func (noopTun) Close() error                  { return nil }

func dialClient(t *testing.T, psk [aead.KeySize]byte, server net.Conn) {
	t.Helper()
	h := handshake.New(psk, time.Second)
	if _, err := h.Dial(context.Background(), server); err != nil {
		t.Fatalf("client Dial: %v", err)
	}
}

func TestManager_AcceptsAndActivates(t *testing.T) {
	var psk [aead.KeySize]byte
	ln := newChanListener()
	defer ln.Close()

	hs := handshake.New(psk, time.Second)
	loop := eventloop.New(eventloop.Options{KeepaliveInterval: time.Hour}, nil, nil)
	mgr := New(ln, noopTun{}, hs, loop, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx)

	serverSide, clientSide := net.Pipe()
	ln.conns <- serverSide

	clientDone := make(chan struct{})
	go func() {
		dialClient(t, psk, clientSide)
		close(clientDone)
	}()

	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake did not complete")
	}

	deadline := time.After(2 * time.Second)
	for mgr.Active() == nil {
		select {
		case <-deadline:
			t.Fatal("manager never activated a session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManager_SupersessionClosesPrevious(t *testing.T) {
	var psk [aead.KeySize]byte
	ln := newChanListener()
	defer ln.Close()

	hs := handshake.New(psk, time.Second)
	loop := eventloop.New(eventloop.Options{KeepaliveInterval: time.Hour}, nil, nil)
	mgr := New(ln, noopTun{}, hs, loop, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx)

	serverSide1, clientSide1 := net.Pipe()
	ln.conns <- serverSide1
	done1 := make(chan struct{})
	go func() {
		dialClient(t, psk, clientSide1)
		close(done1)
	}()
	<-done1

	waitActive := func() interface{} {
		deadline := time.After(2 * time.Second)
		for {
			if a := mgr.Active(); a != nil {
				return a
			}
			select {
			case <-deadline:
				t.Fatal("no active session after first connect")
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	firstActive := waitActive()

	serverSide2, clientSide2 := net.Pipe()
	ln.conns <- serverSide2
	done2 := make(chan struct{})
	go func() {
		dialClient(t, psk, clientSide2)
		close(done2)
	}()
	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("second client handshake did not complete")
	}

	deadline := time.After(2 * time.Second)
	for {
		a := mgr.Active()
		if a != nil && a != firstActive {
			break
		}
		select {
		case <-deadline:
			t.Fatal("manager never superseded the first session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
