package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts settlement outcomes. A nil *Metrics records nothing.
type Metrics struct {
	settlements      *prometheus.CounterVec
	partialCommits   prometheus.Counter
	snapshotRuns     *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_settlements_total",
			Help: "Settlement operations by operation and outcome.",
		}, []string{"operation", "status"}),
		partialCommits: f.NewCounter(prometheus.CounterOpts{
			Name: "loan_settlement_partial_commits_total",
			Help: "Settlements whose ledger row was written but whose loan update failed.",
		}),
		snapshotRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_snapshot_refresh_total",
			Help: "Per-loan snapshot refreshes by outcome.",
		}, []string{"status"}),
		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loan_snapshot_refresh_duration_seconds",
			Help:    "Duration of a full snapshot refresh run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observeSettlement(op Operation, status ResultStatus) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(string(op), string(status)).Inc()
	if status == StatusPartialCommit {
		m.partialCommits.Inc()
	}
}

func (m *Metrics) observeSnapshot(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.snapshotRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) observeSnapshotRun(started time.Time) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(time.Since(started).Seconds())
}
