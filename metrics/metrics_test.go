package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Tick("placement")
		m.TickSkipped("placement", "paused")
		m.Trade()
		m.SetPaused(true)
		m.SetWorld(1, 2)
	})
}

func TestCountersIncrement(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Tick("placement")
	m.Tick("placement")
	m.TickSkipped("autonomy", "busy")
	m.Trade()
	m.SetPaused(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks.WithLabelValues("placement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tickSkips.WithLabelValues("autonomy", "busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paused))
}
