package propagation

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus collectors for the propagation pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// NewMetrics registers the propagation collectors against the provided
// registerer. When the registerer is nil the default Prometheus registerer
// is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rolesync_events_total",
		Help: "Role assignment events by type and outcome.",
	}, []string{"type", "outcome"})
	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rolesync_session_tasks_total",
		Help: "Session update task executions by result.",
	}, []string{"result"})
	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rolesync_queue_depth",
		Help: "Session update tasks currently held in the queue.",
	})
	registerer.MustRegister(events, tasks, depth)
	return &Metrics{events: events, tasks: tasks, queueDepth: depth}
}

func (m *Metrics) eventOutcome(t EventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) taskResult(result string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(result).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
