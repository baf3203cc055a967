package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.FramesSent == nil {
		t.Error("FramesSent metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionLive(0.2)
	m.RecordSessionLive(0.1)

	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Errorf("SessionsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}

	m.RecordSessionEnd("peer_silent")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive after end = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionTerminations.WithLabelValues("peer_silent")); got != 1 {
		t.Errorf("SessionTerminations[peer_silent] = %v, want 1", got)
	}
}

func TestRecordHandshakeFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshakeFailure("timeout")
	m.RecordHandshakeFailure("timeout")
	m.RecordHandshakeFailure("auth_fail")

	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("timeout")); got != 2 {
		t.Errorf("HandshakeFailures[timeout] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("auth_fail")); got != 1 {
		t.Errorf("HandshakeFailures[auth_fail] = %v, want 1", got)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("data", 100)
	m.RecordFrameSent("data", 50)
	m.RecordFrameSent("heartbeat", 0)
	m.RecordFrameReceived("data", 200)

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("data")); got != 2 {
		t.Errorf("FramesSent[data] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("heartbeat")); got != 1 {
		t.Errorf("FramesSent[heartbeat] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 150 {
		t.Errorf("BytesSent = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 200 {
		t.Errorf("BytesReceived = %v, want 200", got)
	}
}

func TestRecordPacketDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPacketDropped("socket_not_writable")
	m.RecordPacketDropped("socket_not_writable")

	if got := testutil.ToFloat64(m.PacketsDropped.WithLabelValues("socket_not_writable")); got != 2 {
		t.Errorf("PacketsDropped[socket_not_writable] = %v, want 2", got)
	}
}

func TestRecordSecurityCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReplayRejection()
	m.RecordReplayRejection()
	m.RecordAuthFailure()

	if got := testutil.ToFloat64(m.ReplayRejections); got != 2 {
		t.Errorf("ReplayRejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 1 {
		t.Errorf("AuthFailures = %v, want 1", got)
	}
}

func TestRecordReconnectAttempt(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReconnectAttempt()
	m.RecordReconnectAttempt()
	m.RecordReconnectAttempt()

	if got := testutil.ToFloat64(m.ReconnectAttempts); got != 3 {
		t.Errorf("ReconnectAttempts = %v, want 3", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
