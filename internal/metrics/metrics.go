// Package metrics holds the Prometheus collectors for refresh cycles and the
// stream relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Refresh outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "fail"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	RefreshRuns      *prometheus.CounterVec
	RefreshDuration  prometheus.Histogram
	SnapshotChannels *prometheus.GaugeVec
	RelayActive      prometheus.Gauge
	RelayBytes       prometheus.Counter
	RelayUpstreamErr *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guidevault",
			Name:      "refresh_runs_total",
			Help:      "Snapshot refresh cycles by outcome.",
		}, []string{"outcome"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guidevault",
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of snapshot refresh cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		SnapshotChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "guidevault",
			Name:      "snapshot_channels",
			Help:      "Channel count of the most recently promoted snapshot per profile.",
		}, []string{"profile"}),
		RelayActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guidevault",
			Name:      "relay_active_streams",
			Help:      "Streams currently being relayed.",
		}),
		RelayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guidevault",
			Name:      "relay_bytes_total",
			Help:      "Bytes copied from upstream to relay clients.",
		}),
		RelayUpstreamErr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guidevault",
			Name:      "relay_upstream_errors_total",
			Help:      "Relay requests that failed against the upstream, by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.RefreshRuns, m.RefreshDuration, m.SnapshotChannels,
			m.RelayActive, m.RelayBytes, m.RelayUpstreamErr)
	}
	return m
}
