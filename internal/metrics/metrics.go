// Package metrics provides Prometheus metrics for wiretap.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wiretap"
)

// Metrics contains all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so the dissection core can run without a registry.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec

	// Reassembly metrics
	BytesObserved *prometheus.CounterVec
	ChunksFramed  *prometheus.CounterVec

	// Handshake metrics
	PowChecks      *prometheus.CounterVec
	KeyDerivations *prometheus.CounterVec

	// Decryption metrics
	ChunksDecrypted   *prometheus.CounterVec
	DecryptionsFailed *prometheus.CounterVec

	// Decoder metrics
	MessagesDecoded *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	DecodeDuration  prometheus.Histogram
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently being dissected",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections dissected",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed connections by final dissection state",
		}, []string{"state"}),

		BytesObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_observed_total",
			Help:      "Payload bytes fed to the reassembler by direction",
		}, []string{"direction"}),
		ChunksFramed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_framed_total",
			Help:      "Length-prefixed chunks framed by direction",
		}, []string{"direction"}),

		PowChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pow_checks_total",
			Help:      "Proof-of-work gate results",
		}, []string{"result"}),
		KeyDerivations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_derivations_total",
			Help:      "Key derivation attempts by outcome",
		}, []string{"outcome"}),

		ChunksDecrypted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_decrypted_total",
			Help:      "Chunks successfully authenticated and decrypted by direction",
		}, []string{"direction"}),
		DecryptionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryptions_failed_total",
			Help:      "Chunks that failed authentication by direction",
		}, []string{"direction"}),

		MessagesDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_decoded_total",
			Help:      "Messages decoded by schema",
		}, []string{"schema"}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Decoder outcomes other than success by kind",
		}, []string{"kind"}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decode_duration_seconds",
			Help:      "Time spent rendering one packet",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
	}
}

// RecordConnectionOpen records a new dissected connection.
func (m *Metrics) RecordConnectionOpen() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordConnectionClose records a connection ending in state.
func (m *Metrics) RecordConnectionClose(state string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(state).Inc()
}

// RecordBytes records payload bytes fed for a direction.
func (m *Metrics) RecordBytes(direction string, bytes int) {
	if m == nil || bytes == 0 {
		return
	}
	m.BytesObserved.WithLabelValues(direction).Add(float64(bytes))
}

// RecordChunksFramed records newly framed chunks for a direction.
func (m *Metrics) RecordChunksFramed(direction string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.ChunksFramed.WithLabelValues(direction).Add(float64(count))
}

// RecordPowCheck records a proof-of-work gate result.
func (m *Metrics) RecordPowCheck(passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.PowChecks.WithLabelValues(result).Inc()
}

// RecordKeyDerivation records a key derivation outcome.
func (m *Metrics) RecordKeyDerivation(outcome string) {
	if m == nil {
		return
	}
	m.KeyDerivations.WithLabelValues(outcome).Inc()
}

// RecordDecrypt records one chunk decryption attempt.
func (m *Metrics) RecordDecrypt(direction string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ChunksDecrypted.WithLabelValues(direction).Inc()
	} else {
		m.DecryptionsFailed.WithLabelValues(direction).Inc()
	}
}

// RecordMessage records a decoded message.
func (m *Metrics) RecordMessage(schema string) {
	if m == nil {
		return
	}
	m.MessagesDecoded.WithLabelValues(schema).Inc()
}

// RecordDecodeError records a decoder error by kind.
func (m *Metrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordDecodeDuration records the time spent rendering one packet.
func (m *Metrics) RecordDecodeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(seconds)
}
