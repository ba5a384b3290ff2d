package alert

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/errors"
)

// Kind names the business event being reported.
type Kind uint16

const (
	KindUnknown Kind = iota
	KindOrderFilled
	KindOrderPartiallyFilled
	KindOrderRejected
	KindOrderCancelled
	KindOrderExpired
	KindRiskRejection
	KindKillSwitchEngaged
	KindKillSwitchReset
	KindReconciliationMismatch
	KindSubmissionFailed
	KindFeedGap
	KindLedgerInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindOrderFilled:
		return "order_filled"
	case KindOrderPartiallyFilled:
		return "order_partially_filled"
	case KindOrderRejected:
		return "order_rejected"
	case KindOrderCancelled:
		return "order_cancelled"
	case KindOrderExpired:
		return "order_expired"
	case KindRiskRejection:
		return "risk_rejection"
	case KindKillSwitchEngaged:
		return "kill_switch_engaged"
	case KindKillSwitchReset:
		return "kill_switch_reset"
	case KindReconciliationMismatch:
		return "reconciliation_mismatch"
	case KindSubmissionFailed:
		return "submission_failed"
	case KindFeedGap:
		return "feed_gap"
	case KindLedgerInvariantViolation:
		return "ledger_invariant_violation"
	default:
		return "unknown"
	}
}

// Event is a structured notification. Rendering and delivery belong to the receiver.
type Event struct {
	Kind          Kind
	Severity      errors.Severity
	Time          time.Time
	Symbol        string
	StrategyID    string
	ClientOrderID string
	Reason        string
	Fields        map[string]string
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", e.Kind, e.Severity)
	if e.Symbol != "" {
		fmt.Fprintf(&b, " symbol=%s", e.Symbol)
	}
	if e.StrategyID != "" {
		fmt.Fprintf(&b, " strategy=%s", e.StrategyID)
	}
	if e.ClientOrderID != "" {
		fmt.Fprintf(&b, " order=%s", e.ClientOrderID)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Fields[k])
	}
	return b.String()
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// LogSink writes events through the process logger.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	switch {
	case e.Severity >= errors.SeverityError:
		logs.Errorf("alert: %s", e)
	case e.Severity == errors.SeverityWarning:
		logs.Warnf("alert: %s", e)
	default:
		logs.Infof("alert: %s", e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard{}
	}
	return s
}
