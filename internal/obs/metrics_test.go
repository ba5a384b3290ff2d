package obs

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/alert"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveEvent(schema.EventHeader{Type: schema.EventMarketData, TsEvent: 100, TsRecv: 150})
	m.ObserveEvent(schema.EventHeader{Type: schema.EventFill})
	m.IncIntents(3)
	m.ObserveDecision(risk.Decision{Approved: true, Resized: true}, time.Microsecond)
	m.ObserveDecision(risk.Decision{Reason: risk.ReasonDailyLossLimitReached}, 3*time.Microsecond)
	m.ObserveSubmit(nil)
	m.ObserveSubmit(errors.New("timeout"))
	m.IncFill()
	m.Emit(alert.Event{Kind: alert.KindReconciliationMismatch})
	m.Emit(alert.Event{Kind: alert.KindReconciliationMismatch})
	m.Emit(alert.Event{Kind: alert.KindFeedGap})
	m.Emit(alert.Event{Kind: alert.KindOrderFilled})
	m.IncQueueDrop()

	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.EventCounts[schema.EventMarketData])
	assert.Equal(t, uint64(1), s.EventCounts[schema.EventFill])
	assert.Equal(t, time.Duration(50), s.EventLatency.Avg)
	assert.Equal(t, uint64(3), s.Intents)
	assert.Equal(t, uint64(1), s.Approved)
	assert.Equal(t, uint64(1), s.Resized)
	assert.Equal(t, uint64(1), s.RiskReasonCounts[risk.ReasonDailyLossLimitReached])
	assert.Equal(t, uint64(1), s.OrdersSubmitted)
	assert.Equal(t, uint64(1), s.SubmitFailures)
	assert.Equal(t, uint64(1), s.Fills)
	assert.Equal(t, uint64(2), s.Mismatches)
	assert.Equal(t, uint64(1), s.FeedGaps)
	assert.Zero(t, s.KillSwitches)
	assert.Equal(t, uint64(1), s.QueueDrops)
	assert.Equal(t, LatencySnapshot{Count: 2, Min: time.Microsecond, Max: 3 * time.Microsecond, Avg: 2 * time.Microsecond}, s.RiskEvalLatency)
}

func TestMetricsPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	require.NoError(t, m.Register(reg, "tradecore"))
	assert.Error(t, NewMetrics().Register(reg, "tradecore"), "duplicate registration")

	m.ObserveDecision(risk.Decision{Reason: risk.ReasonKillSwitchEngaged}, time.Millisecond)
	m.ObserveDecision(risk.Decision{Reason: risk.ReasonKillSwitchEngaged}, time.Millisecond)
	m.IncFill()
	for range 3 {
		m.Emit(alert.Event{Kind: alert.KindReconciliationMismatch})
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.prom.decisions.WithLabelValues("rejected", "KillSwitchEngaged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.fills))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.prom.anomalies.WithLabelValues(alert.KindReconciliationMismatch.String())))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncFill()
	m.Emit(alert.Event{Kind: alert.KindFeedGap})
	m.ObserveDecision(risk.Decision{}, time.Second)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestTraceGenerator(t *testing.T) {
	g := NewTraceGenerator(10)
	assert.Equal(t, uint64(10), g.Current())
	assert.Equal(t, uint64(11), g.Next())
	assert.Equal(t, uint64(12), g.Next())
	assert.Equal(t, uint64(12), g.Current())
	var nilGen *TraceGenerator
	assert.Zero(t, nilGen.Next())
}
