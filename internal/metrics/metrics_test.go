package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.ChunksFramed == nil {
		t.Error("ChunksFramed metric is nil")
	}
	if m.DecryptionsFailed == nil {
		t.Error("DecryptionsFailed metric is nil")
	}
}

func TestRecordConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionOpen()
	m.RecordConnectionOpen()
	m.RecordConnectionClose("correct")

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal); got != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("correct")); got != 1 {
		t.Errorf("ConnectionsClosed{correct} = %v, want 1", got)
	}
}

func TestRecordReassembly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytes("initiator", 100)
	m.RecordBytes("initiator", 50)
	m.RecordBytes("responder", 0)
	m.RecordChunksFramed("responder", 3)

	if got := testutil.ToFloat64(m.BytesObserved.WithLabelValues("initiator")); got != 150 {
		t.Errorf("BytesObserved{initiator} = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.ChunksFramed.WithLabelValues("responder")); got != 3 {
		t.Errorf("ChunksFramed{responder} = %v, want 3", got)
	}
}

func TestRecordCrypto(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPowCheck(true)
	m.RecordPowCheck(false)
	m.RecordPowCheck(true)
	m.RecordKeyDerivation("ok")
	m.RecordDecrypt("initiator", true)
	m.RecordDecrypt("initiator", false)

	if got := testutil.ToFloat64(m.PowChecks.WithLabelValues("pass")); got != 2 {
		t.Errorf("PowChecks{pass} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.KeyDerivations.WithLabelValues("ok")); got != 1 {
		t.Errorf("KeyDerivations{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChunksDecrypted.WithLabelValues("initiator")); got != 1 {
		t.Errorf("ChunksDecrypted{initiator} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecryptionsFailed.WithLabelValues("initiator")); got != 1 {
		t.Errorf("DecryptionsFailed{initiator} = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordConnectionOpen()
	m.RecordConnectionClose("correct")
	m.RecordBytes("initiator", 1)
	m.RecordChunksFramed("initiator", 1)
	m.RecordPowCheck(true)
	m.RecordKeyDerivation("ok")
	m.RecordDecrypt("initiator", true)
	m.RecordMessage("ack")
	m.RecordDecodeError("malformed_tag")
	m.RecordDecodeDuration(0.001)
}
