package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts engine outcomes. A nil *Metrics records nothing.
type Metrics struct {
	commands    *prometheus.CounterVec
	acks        *prometheus.CounterVec
	statePushes *prometheus.CounterVec
	scheduled   *prometheus.CounterVec
	mirror      *prometheus.CounterVec
}

// NewMetrics builds the engine counters and registers them with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicesync",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Fetched commands by namespace and outcome.",
		}, []string{"namespace", "outcome"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicesync",
			Subsystem: "engine",
			Name:      "command_acks_total",
			Help:      "Acknowledged commands by namespace.",
		}, []string{"namespace"}),
		statePushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicesync",
			Subsystem: "engine",
			Name:      "state_publishes_total",
			Help:      "State publish attempts by namespace and result.",
		}, []string{"namespace", "result"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicesync",
			Subsystem: "engine",
			Name:      "scheduled_items_total",
			Help:      "Scheduled item transitions by outcome.",
		}, []string{"outcome"}),
		mirror: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicesync",
			Subsystem: "engine",
			Name:      "mirror_records_total",
			Help:      "Mirrored records by stream and outcome.",
		}, []string{"stream", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.acks, m.statePushes, m.scheduled, m.mirror)
	}
	return m
}

func (m *Metrics) commandOutcome(namespace, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(namespace, outcome).Inc()
}

func (m *Metrics) commandAcked(namespace string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(namespace).Inc()
}

func (m *Metrics) statePublish(namespace, result string) {
	if m == nil {
		return
	}
	m.statePushes.WithLabelValues(namespace, result).Inc()
}

func (m *Metrics) scheduledOutcome(outcome string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) mirrorOutcome(stream, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mirror.WithLabelValues(stream, outcome).Add(float64(n))
}
