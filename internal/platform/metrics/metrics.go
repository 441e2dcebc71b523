package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "idwallet"

// Session collects orchestrator metrics. A nil *Session discards every observation.
type Session struct {
	stateTransitions  *prometheus.CounterVec
	rebuilds          *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	discoveryDuration prometheus.Histogram
	discoveryResults  *prometheus.CounterVec
	pendingPetitions  prometheus.Gauge
	pendingPayments   prometheus.Gauge
	droppedEvents     *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil uses a private registry.
func New(reg prometheus.Registerer) (*Session, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Session{
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Transport state transitions observed by the session.",
		}, []string{"state"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rebuilds_total",
			Help:      "Full session rebuilds by outcome.",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Transport-level reconnects by trigger.",
		}, []string{"trigger"}),
		discoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Service discovery round duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
		discoveryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "results_total",
			Help:      "Service discovery rounds by result.",
		}, []string{"result"}),
		pendingPetitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "petition",
			Name:      "pending",
			Help:      "Outbound petitions awaiting a response.",
		}),
		pendingPayments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "pending",
			Help:      "Payment transactions awaiting a terminal outcome.",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Inbound events dropped by reason.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{
		m.stateTransitions,
		m.rebuilds,
		m.reconnects,
		m.discoveryDuration,
		m.discoveryResults,
		m.pendingPetitions,
		m.pendingPayments,
		m.droppedEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Session) StateChanged(state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(state).Inc()
}

func (m *Session) Rebuild(err error) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(outcome(err)).Inc()
}

func (m *Session) Reconnect(trigger string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(trigger).Inc()
}

func (m *Session) Discovery(started time.Time, complete bool) {
	if m == nil {
		return
	}
	m.discoveryDuration.Observe(time.Since(started).Seconds())
	result := "incomplete"
	if complete {
		result = "complete"
	}
	m.discoveryResults.WithLabelValues(result).Inc()
}

func (m *Session) PendingPetitions(n int) {
	if m == nil {
		return
	}
	m.pendingPetitions.Set(float64(n))
}

func (m *Session) PendingPayments(n int) {
	if m == nil {
		return
	}
	m.pendingPayments.Set(float64(n))
}

func (m *Session) Dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
