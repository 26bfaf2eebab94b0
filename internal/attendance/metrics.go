package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts coordinator outcomes. A nil *Metrics records nothing.
type Metrics struct {
	submissions *prometheus.CounterVec
	recorded    prometheus.Counter
	edits       *prometheus.CounterVec
}

// NewMetrics registers the attendance collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_submissions_total",
			Help: "Period submissions by outcome.",
		}, []string{"outcome"}),
		recorded: f.NewCounter(prometheus.CounterOpts{
			Name: "attendance_students_recorded_total",
			Help: "Students written to both ledger and projection.",
		}),
		edits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_edits_total",
			Help: "Per-student edit outcomes.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) submission(outcome string, recorded int) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.recorded.Add(float64(recorded))
}

func (m *Metrics) edit(res EditResult) {
	if m == nil {
		return
	}
	m.edits.WithLabelValues("updated").Add(float64(res.Updated))
	m.edits.WithLabelValues("denied").Add(float64(res.Denied))
	m.edits.WithLabelValues("not_found").Add(float64(res.NotFound))
}
