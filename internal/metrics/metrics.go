package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the audit pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	RecordsCaptured    *prometheus.CounterVec
	RelayPublished     prometheus.Counter
	RelayPublishFailed prometheus.Counter
	RelayQueueOverflow prometheus.Counter
	RelaySwept         prometheus.Counter
	OutboxPending      prometheus.Gauge
	IndexerIndexed     prometheus.Counter
	IndexerNacked      *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	ComponentUp        *prometheus.GaugeVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_trail_records_captured_total",
			Help: "Audit records written to the outbox, by operation",
		}, []string{"operation"}),
		RelayPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_trail_relay_published_total",
			Help: "Outbox entries confirmed by the broker",
		}),
		RelayPublishFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_trail_relay_publish_failures_total",
			Help: "Outbox entries left undelivered after the publish attempts ran out",
		}),
		RelayQueueOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_trail_relay_queue_overflow_total",
			Help: "Committed entries left for the recovery sweep because the work queue was full",
		}),
		RelaySwept: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_trail_relay_swept_total",
			Help: "Stale outbox entries claimed by the recovery sweep",
		}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_trail_outbox_pending",
			Help: "Undelivered outbox entries seen by the last sweep",
		}),
		IndexerIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_trail_indexer_indexed_total",
			Help: "Audit records indexed and acknowledged",
		}),
		IndexerNacked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_trail_indexer_nacked_total",
			Help: "Messages rejected to the dead-letter queue, by reason",
		}, []string{"reason"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_trail_query_duration_seconds",
			Help:    "Latency of audit queries against the index store",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		ComponentUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_trail_component_up",
			Help: "1 when a pipeline component is connected and running",
		}, []string{"component"}),
	}
}

func (m *Metrics) RecordCaptured(operation string) {
	if m == nil {
		return
	}
	m.RecordsCaptured.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncrementPublished() {
	if m == nil {
		return
	}
	m.RelayPublished.Inc()
}

func (m *Metrics) IncrementPublishFailed() {
	if m == nil {
		return
	}
	m.RelayPublishFailed.Inc()
}

func (m *Metrics) IncrementQueueOverflow() {
	if m == nil {
		return
	}
	m.RelayQueueOverflow.Inc()
}

func (m *Metrics) AddSwept(n int) {
	if m == nil {
		return
	}
	m.RelaySwept.Add(float64(n))
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) IncrementIndexed() {
	if m == nil {
		return
	}
	m.IndexerIndexed.Inc()
}

func (m *Metrics) IncrementNacked(reason string) {
	if m == nil {
		return
	}
	m.IndexerNacked.WithLabelValues(reason).Inc()
}

// ObserveQuery records the duration of a query started at start.
func (m *Metrics) ObserveQuery(query string, start time.Time) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

// SetComponentUp flags a component as running or not.
func (m *Metrics) SetComponentUp(component string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ComponentUp.WithLabelValues(component).Set(v)
}
