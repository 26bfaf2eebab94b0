package sweeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	deleted  *prometheus.CounterVec
	failures *prometheus.CounterVec
	runs     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeper_deleted_total",
			Help: "Orphaned records removed, by pass.",
		}, []string{"pass"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeper_failures_total",
			Help: "Failed sweep passes, by pass.",
		}, []string{"pass"}),
		runs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweeper_run_duration_seconds",
			Help:    "Wall time of a full sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) observe(res Result) {
	if m == nil {
		return
	}
	if res.Err != nil {
		m.failures.WithLabelValues(res.Pass).Inc()
	}
	m.deleted.WithLabelValues(res.Pass).Add(float64(res.Deleted))
}

func (m *metrics) duration(d time.Duration) {
	if m == nil {
		return
	}
	m.runs.Observe(d.Seconds())
}
