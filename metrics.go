package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	sends       *prometheus.CounterVec
	markReads   *prometheus.CounterVec
	hydrations  *prometheus.CounterVec
	staleResult *prometheus.CounterVec
	connState   *prometheus.GaugeVec
}

// NewMetrics creates the engine collectors and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_push_events_total",
				Help: "Push events received, by event and outcome.",
			},
			[]string{"event", "outcome"},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Optimistic sends, by outcome.",
			},
			[]string{"outcome"},
		),
		markReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_mark_read_total",
				Help: "Mark-read decisions and calls, by outcome.",
			},
			[]string{"outcome"},
		),
		hydrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_hydrations_total",
				Help: "Placeholder conversation hydrations, by outcome.",
			},
			[]string{"outcome"},
		),
		staleResult: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_stale_results_total",
				Help: "Pull results dropped because their view was no longer open.",
			},
			[]string{"op"},
		),
		connState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_state",
				Help: "1 for the current push connection state, 0 otherwise.",
			},
			[]string{"state"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.sends, m.markReads, m.hydrations, m.staleResult, m.connState)
	}
	return m
}

func (m *Metrics) event(name, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) markRead(outcome string) {
	if m == nil {
		return
	}
	m.markReads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) hydration(outcome string) {
	if m == nil {
		return
	}
	m.hydrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) stale(op string) {
	if m == nil {
		return
	}
	m.staleResult.WithLabelValues(op).Inc()
}

func (m *Metrics) connection(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connState.WithLabelValues(string(st)).Set(v)
	}
}
