package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	CandidatesTotal   *prometheus.CounterVec
	FetchRetriesTotal prometheus.Counter
	IngestDuration    prometheus.Histogram
	IndexSize         prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		CandidatesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_candidates_total",
			Help: "The total number of candidates resolved, by outcome",
		}, []string{"outcome"}), // stored, skipped_duplicate, failed, gated
		FetchRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fetch_retries_total",
			Help: "The total number of fetch attempts retried after a transient failure",
		}),
		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_candidate_duration_seconds",
			Help:    "Time from fetch start to terminal state per candidate",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		IndexSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_duplicate_index_entries",
			Help: "Current number of fingerprints held by the duplicate index",
		}),
	}
}

// Nil receivers are tolerated so tests can run components without a registry.

func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFetchRetry() {
	if m == nil {
		return
	}
	m.FetchRetriesTotal.Inc()
}

func (m *Metrics) ObserveIngestDuration(seconds float64) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(seconds)
}

func (m *Metrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(n))
}
