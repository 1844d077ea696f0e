package federation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for remote pulls.
// A nil *Metrics records nothing.
type Metrics struct {
	Pulls        *prometheus.CounterVec
	Records      *prometheus.CounterVec
	PullDuration *prometheus.HistogramVec
}

// NewMetrics registers the federation metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Pulls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fkg_federation_pulls_total",
			Help: "Total number of remote pulls by result",
		}, []string{"remote", "result"}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fkg_federation_records_total",
			Help: "Records seen during pulls by kind and outcome",
		}, []string{"remote", "kind", "outcome"}),
		PullDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fkg_federation_pull_duration_seconds",
			Help:    "Duration of remote pulls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"remote"}),
	}
}

// ObservePull records the outcome of a finished pull.
func (m *Metrics) ObservePull(r *Report, start time.Time) {
	if m == nil {
		return
	}
	m.Pulls.WithLabelValues(r.RemoteID, string(r.State)).Inc()
	m.PullDuration.WithLabelValues(r.RemoteID).Observe(time.Since(start).Seconds())
	if r.State != StateDone {
		return
	}
	m.observeCounts(r.RemoteID, "entity", r.Entities)
	m.observeCounts(r.RemoteID, "edge", r.Edges)
	for outcome, n := range map[string]int{
		"inserted":  r.Sources.Inserted,
		"unchanged": r.Sources.Unchanged,
		"conflict":  r.Sources.Conflicts,
	} {
		if n > 0 {
			m.Records.WithLabelValues(r.RemoteID, "source", outcome).Add(float64(n))
		}
	}
}

func (m *Metrics) observeCounts(remote, kind string, c RecordCounts) {
	for outcome, n := range map[string]int{
		"filtered":                   c.Filtered,
		"inserted":                   c.Inserted,
		"updated":                    c.Updated,
		"unchanged":                  c.Unchanged,
		"rejected_local_authority":   c.RejectedLocalAuthority,
		"rejected_foreign_authority": c.RejectedForeignAuthority,
		"rejected_underived_id":      c.RejectedUnderivedID,
	} {
		if n > 0 {
			m.Records.WithLabelValues(remote, kind, outcome).Add(float64(n))
		}
	}
}
