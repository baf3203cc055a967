package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestController_RetriesUntilContextCanceled(t *testing.T) {
	cfg := Config{Backoff: 5 * time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	c := New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("session terminated")
		})
	}()

	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("controller did not retry enough times")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestController_FlatBackoffDoesNotGrowByDefault(t *testing.T) {
	c := New(Config{Backoff: 10 * time.Millisecond}, nil, nil)

	first := c.nextDelay()
	second := c.nextDelay()
	third := c.nextDelay()

	if first != 10*time.Millisecond || second != 10*time.Millisecond || third != 10*time.Millisecond {
		t.Fatalf("delays = %v, %v, %v; want all equal to Backoff with no growth", first, second, third)
	}
}

func TestController_MultiplierGrowsUpToCap(t *testing.T) {
	c := New(Config{Backoff: 10 * time.Millisecond, MaxBackoff: 30 * time.Millisecond, Multiplier: 2}, nil, nil)

	d1 := c.nextDelay()
	d2 := c.nextDelay()
	d3 := c.nextDelay()
	d4 := c.nextDelay()

	if d1 != 10*time.Millisecond {
		t.Fatalf("d1 = %v, want 10ms", d1)
	}
	if d2 != 20*time.Millisecond {
		t.Fatalf("d2 = %v, want 20ms", d2)
	}
	if d3 != 30*time.Millisecond {
		t.Fatalf("d3 = %v, want 30ms (capped)", d3)
	}
	if d4 != 30*time.Millisecond {
		t.Fatalf("d4 = %v, want 30ms (stays capped)", d4)
	}
}

func TestController_ResetRestoresInitialDelay(t *testing.T) {
	c := New(Config{Backoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, Multiplier: 2}, nil, nil)

	c.nextDelay()
	c.nextDelay()
	c.Reset()

	if got := c.nextDelay(); got != 10*time.Millisecond {
		t.Fatalf("delay after Reset = %v, want 10ms", got)
	}
}

func TestController_JitterStaysWithinBound(t *testing.T) {
	c := New(Config{Backoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond, JitterFraction: 0.2}, nil, nil)

	for i := 0; i < 20; i++ {
		d := c.nextDelay()
		if d < 100*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v out of expected [100ms, 120ms] range", d)
		}
	}
}

func TestController_StopsImmediatelyIfContextAlreadyCanceled(t *testing.T) {
	c := New(Config{Backoff: time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := c.Run(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("connect should never be called once ctx is already canceled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}
