package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradecore/internal/alert"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

const (
	maxEventType  = int(schema.EventAlert)
	maxRiskReason = int(risk.ReasonBelowMinimumSize)
)

// Metrics collects lightweight counters and latency stats for the trading core.
// Every counter is mirrored into Prometheus collectors once Register is called.
type Metrics struct {
	eventCounts      [maxEventType + 1]uint64
	riskReasonCounts [maxRiskReason + 1]uint64
	intents          uint64
	approved         uint64
	resized          uint64
	ordersSubmitted  uint64
	submitFailures   uint64
	fills            uint64
	mismatches       uint64
	feedGaps         uint64
	killSwitches     uint64
	queueDrops       uint64

	eventLatency     LatencyStats
	orderFlowLatency LatencyStats
	riskEvalLatency  LatencyStats

	prom *promSet
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[schema.EventType]uint64
	RiskReasonCounts map[risk.Reason]uint64
	Intents          uint64
	Approved         uint64
	Resized          uint64
	OrdersSubmitted  uint64
	SubmitFailures   uint64
	Fills            uint64
	Mismatches       uint64
	FeedGaps         uint64
	KillSwitches     uint64
	QueueDrops       uint64
	EventLatency     LatencySnapshot
	OrderFlowLatency LatencySnapshot
	RiskEvalLatency  LatencySnapshot
}

type promSet struct {
	events    *prometheus.CounterVec
	decisions *prometheus.CounterVec
	intents   prometheus.Counter
	orders    *prometheus.CounterVec
	fills     prometheus.Counter
	anomalies *prometheus.CounterVec
	riskEval  prometheus.Histogram
	orderFlow prometheus.Histogram
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Register creates the Prometheus collectors under namespace and registers them on reg.
func (m *Metrics) Register(reg prometheus.Registerer, namespace string) error {
	p := &promSet{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_events_total",
			Help:      "Events recorded, by type.",
		}, []string{"type"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_decisions_total",
			Help:      "Risk governor decisions, by outcome and reason.",
		}, []string{"outcome", "reason"}),
		intents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_intents_total",
			Help:      "Trade intents emitted by strategies.",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order submissions, by result.",
		}, []string{"result"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fills booked to the ledger.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomaly alerts and queue drops, by kind.",
		}, []string{"kind"}),
		riskEval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_eval_seconds",
			Help:      "Risk evaluation latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		orderFlow: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_flow_seconds",
			Help:      "Market event to order submission latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}
	for _, c := range []prometheus.Collector{p.events, p.decisions, p.intents, p.orders, p.fills, p.anomalies, p.riskEval, p.orderFlow} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	m.prom = p
	return nil
}

// ObserveEvent increments counters and tracks event latency when timestamps are present.
func (m *Metrics) ObserveEvent(header schema.EventHeader) {
	if m == nil {
		return
	}
	idx := int(header.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
	if header.TsEvent > 0 && header.TsRecv > 0 {
		delta := header.TsRecv - header.TsEvent
		if delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
	if m.prom != nil {
		m.prom.events.WithLabelValues(header.Type.String()).Inc()
	}
}

// IncIntents records intents emitted by the strategy generator.
func (m *Metrics) IncIntents(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.intents, uint64(n))
	if m.prom != nil {
		m.prom.intents.Add(float64(n))
	}
}

// ObserveDecision records one governor verdict and how long it took.
func (m *Metrics) ObserveDecision(d risk.Decision, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if d.Approved {
		outcome = "approved"
		atomic.AddUint64(&m.approved, 1)
		if d.Resized {
			atomic.AddUint64(&m.resized, 1)
			outcome = "resized"
		}
	} else {
		idx := int(d.Reason)
		if idx >= 0 && idx < len(m.riskReasonCounts) {
			atomic.AddUint64(&m.riskReasonCounts[idx], 1)
		}
	}
	m.riskEvalLatency.Observe(took)
	if m.prom != nil {
		m.prom.decisions.WithLabelValues(outcome, d.Reason.String()).Inc()
		m.prom.riskEval.Observe(took.Seconds())
	}
}

// ObserveSubmit records an order submission result.
func (m *Metrics) ObserveSubmit(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
		atomic.AddUint64(&m.submitFailures, 1)
	} else {
		atomic.AddUint64(&m.ordersSubmitted, 1)
	}
	if m.prom != nil {
		m.prom.orders.WithLabelValues(result).Inc()
	}
}

// IncFill records a fill booked to the ledger.
func (m *Metrics) IncFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fills, 1)
	if m.prom != nil {
		m.prom.fills.Inc()
	}
}

// Emit counts anomaly alerts, so Metrics can sit in an alert.Fanout next to the real sink.
func (m *Metrics) Emit(e alert.Event) {
	if m == nil {
		return
	}
	switch e.Kind {
	case alert.KindReconciliationMismatch:
		atomic.AddUint64(&m.mismatches, 1)
	case alert.KindFeedGap:
		atomic.AddUint64(&m.feedGaps, 1)
	case alert.KindKillSwitchEngaged:
		atomic.AddUint64(&m.killSwitches, 1)
	default:
		return
	}
	if m.prom != nil {
		m.prom.anomalies.WithLabelValues(e.Kind.String()).Inc()
	}
}

// IncQueueDrop records a queue drop.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
	if m.prom != nil {
		m.prom.anomalies.WithLabelValues("queue_drop").Inc()
	}
}

// ObserveOrderFlow measures market event to submission latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
	if m.prom != nil && d >= 0 {
		m.prom.orderFlow.Observe(d.Seconds())
	}
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[schema.EventType]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[schema.EventType(i)] = v
		}
	}
	riskCounts := make(map[risk.Reason]uint64)
	for i := range m.riskReasonCounts {
		if v := atomic.LoadUint64(&m.riskReasonCounts[i]); v > 0 {
			riskCounts[risk.Reason(i)] = v
		}
	}
	return Snapshot{
		EventCounts:      eventCounts,
		RiskReasonCounts: riskCounts,
		Intents:          atomic.LoadUint64(&m.intents),
		Approved:         atomic.LoadUint64(&m.approved),
		Resized:          atomic.LoadUint64(&m.resized),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		SubmitFailures:   atomic.LoadUint64(&m.submitFailures),
		Fills:            atomic.LoadUint64(&m.fills),
		Mismatches:       atomic.LoadUint64(&m.mismatches),
		FeedGaps:         atomic.LoadUint64(&m.feedGaps),
		KillSwitches:     atomic.LoadUint64(&m.killSwitches),
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		EventLatency:     m.eventLatency.Snapshot(),
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
