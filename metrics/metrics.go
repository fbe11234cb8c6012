// Package metrics holds the Prometheus collectors exported at /metrics. Every
// method is safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lounge"

type Metrics struct {
	ticks          *prometheus.CounterVec
	tickSkips      *prometheus.CounterVec
	turns          *prometheus.CounterVec
	trades         prometheus.Counter
	rateLimits     prometheus.Counter
	actions        *prometheus.CounterVec
	storeFailures  *prometheus.CounterVec
	writesDropped  *prometheus.CounterVec
	paused         prometheus.Gauge
	rooms          prometheus.Gauge
	wandering      prometheus.Gauge
	availableCreds prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Scheduler ticks that ran to completion.",
		}, []string{"director"}),
		tickSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_skips_total",
			Help: "Scheduler ticks skipped, by reason.",
		}, []string{"director", "reason"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conversation_turns_total",
			Help: "Conversation turns appended, by source.",
		}, []string{"source"}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Accepted offers.",
		}),
		rateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limits_total",
			Help: "Rate limit responses from the generation service.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "autonomy_actions_total",
			Help: "Autonomy actions by kind and outcome.",
		}, []string{"action", "outcome"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_write_failures_total",
			Help: "Durable writes abandoned after retries.",
		}, []string{"op"}),
		writesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_writes_dropped_total",
			Help: "Durable writes dropped because the write queue was full.",
		}, []string{"op"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "paused",
			Help: "1 while the global pause is in force.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms",
			Help: "Rooms currently open.",
		}),
		wandering: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "wandering_agents",
			Help: "Agents currently assigned to no room.",
		}),
		availableCreds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "credentials_available",
			Help: "Credentials not cooling down.",
		}),
	}
	reg.MustRegister(m.ticks, m.tickSkips, m.turns, m.trades, m.rateLimits,
		m.actions, m.storeFailures, m.writesDropped, m.paused, m.rooms, m.wandering, m.availableCreds)
	return m
}

func (m *Metrics) Tick(director string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(director).Inc()
}

func (m *Metrics) TickSkipped(director, reason string) {
	if m == nil {
		return
	}
	m.tickSkips.WithLabelValues(director, reason).Inc()
}

func (m *Metrics) Turn(source string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(source).Inc()
}

func (m *Metrics) Trade() {
	if m == nil {
		return
	}
	m.trades.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimits.Inc()
}

func (m *Metrics) Action(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) WriteDropped(op string) {
	if m == nil {
		return
	}
	m.writesDropped.WithLabelValues(op).Inc()
}

func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

// SetWorld records room and wandering counts after a placement tick.
func (m *Metrics) SetWorld(rooms, wandering int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.wandering.Set(float64(wandering))
}

func (m *Metrics) SetAvailableCredentials(n int) {
	if m == nil {
		return
	}
	m.availableCreds.Set(float64(n))
}
