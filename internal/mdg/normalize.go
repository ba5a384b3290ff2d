package mdg

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

var ErrInvalidRecord = errors.New("invalid market data record")

// RawRecord is one vendor message before normalization. Bar fields or tick fields are read according to Kind.
type RawRecord struct {
	Symbol string                `json:"symbol"`
	Kind   schema.MarketDataKind `json:"kind"`
	Time   time.Time             `json:"time"`
	Open   decimal.Decimal       `json:"open"`
	High   decimal.Decimal       `json:"high"`
	Low    decimal.Decimal       `json:"low"`
	Close  decimal.Decimal       `json:"close"`
	Volume int64                 `json:"volume"`
	Bid    decimal.Decimal       `json:"bid"`
	Ask    decimal.Decimal       `json:"ask"`
	Last   decimal.Decimal       `json:"last"`
	Size   int64                 `json:"size"`
	Source uint16                `json:"source"`
}

type NormalizerConfig struct {
	// ReorderWindow is how many records per symbol are held back to absorb out-of-order delivery.
	ReorderWindow int `json:"reorderWindow" mapstructure:"reorder_window"`
	// Resolution is the expected spacing of bars; a larger step within one session date is reported as a gap.
	Resolution time.Duration `json:"resolution" mapstructure:"resolution"`
}

// SessionDater maps a timestamp to its exchange session date. *clock.Calendar satisfies it.
type SessionDater interface {
	SessionDate(t time.Time) string
}

// Normalizer maps raw records to canonical market events, enforcing per-symbol time order.
type Normalizer struct {
	reg     *schema.Registry
	cfg     NormalizerConfig
	adj     *Adjuster
	dates   SessionDater
	sink    alert.Sink
	last    map[string]time.Time
	pending map[string][]schema.MarketEvent
	dropped int
	gaps    int
	skipped int
}

// NewNormalizer creates a normalizer for a registry. adj and dates may be nil.
func NewNormalizer(reg *schema.Registry, cfg NormalizerConfig, adj *Adjuster, dates SessionDater, sink alert.Sink) *Normalizer {
	if cfg.ReorderWindow < 0 {
		cfg.ReorderWindow = 0
	}
	return &Normalizer{
		reg:     reg,
		cfg:     cfg,
		adj:     adj,
		dates:   dates,
		sink:    alert.OrDiscard(sink),
		last:    make(map[string]time.Time),
		pending: make(map[string][]schema.MarketEvent),
	}
}

// Dropped returns how many late records were discarded.
func (n *Normalizer) Dropped() int {
	return n.dropped
}

// Gaps returns how many feed gaps were detected.
func (n *Normalizer) Gaps() int {
	return n.gaps
}

// Skipped returns how many malformed records were passed to Skip.
func (n *Normalizer) Skipped() int {
	return n.skipped
}

// Skip reports a record that Normalize rejected as a FeedGap; the sequence goes on without it.
func (n *Normalizer) Skip(rec RawRecord, err error) {
	n.skipped++
	at := rec.Time
	if at.IsZero() {
		at = time.Now()
	}
	n.report(rec.Symbol, at, fmt.Sprintf("malformed record skipped: %v", err))
}

// Normalize converts rec and returns the events of its symbol that are now safe to emit, oldest first.
// Records older than what was already emitted are dropped with a FeedGap warning; malformed records return an error.
func (n *Normalizer) Normalize(rec RawRecord) ([]schema.MarketEvent, error) {
	ev, err := n.convert(rec)
	if err != nil {
		return nil, err
	}

	sym := rec.Symbol
	if last, ok := n.last[sym]; ok && ev.Time().Before(last) {
		n.dropped++
		n.report(sym, ev.Time(), fmt.Sprintf("out-of-sequence record at %s, last emitted %s, dropped", ev.Time().Format(time.RFC3339), last.Format(time.RFC3339)))
		return nil, nil
	}

	buf := n.pending[sym]
	i := sort.Search(len(buf), func(i int) bool { return buf[i].Time().After(ev.Time()) })
	buf = append(buf, schema.MarketEvent{})
	copy(buf[i+1:], buf[i:])
	buf[i] = ev

	var out []schema.MarketEvent
	for len(buf) > n.cfg.ReorderWindow {
		out = append(out, n.emit(buf[0]))
		buf = buf[1:]
	}
	n.pending[sym] = buf
	return out, nil
}

// Flush emits every held-back record, ordered by time then symbol registration order.
func (n *Normalizer) Flush() []schema.MarketEvent {
	var out []schema.MarketEvent
	for _, sym := range n.reg.Symbols() {
		for _, ev := range n.pending[sym] {
			out = append(out, n.emit(ev))
		}
		delete(n.pending, sym)
	}
	SortEvents(n.reg, out)
	return out
}

func (n *Normalizer) emit(ev schema.MarketEvent) schema.MarketEvent {
	sym, at := ev.Symbol(), ev.Time()
	if last, ok := n.last[sym]; ok && n.cfg.Resolution > 0 && at.Sub(last) > n.cfg.Resolution && n.sameSession(last, at) {
		n.gaps++
		n.report(sym, at, fmt.Sprintf("gap of %s after %s", at.Sub(last), last.Format(time.RFC3339)))
	}
	n.last[sym] = at
	return ev
}

func (n *Normalizer) sameSession(a, b time.Time) bool {
	if n.dates == nil {
		return a.YearDay() == b.YearDay() && a.Year() == b.Year()
	}
	return n.dates.SessionDate(a) == n.dates.SessionDate(b)
}

func (n *Normalizer) report(symbol string, at time.Time, reason string) {
	logs.Warnf("feed gap %s: %s", symbol, reason)
	n.sink.Emit(alert.Event{
		Kind:     alert.KindFeedGap,
		Severity: errors.KindFeedGap.Severity(),
		Time:     at,
		Symbol:   symbol,
		Reason:   reason,
	})
}

func (n *Normalizer) convert(rec RawRecord) (schema.MarketEvent, error) {
	if n.reg == nil {
		return schema.MarketEvent{}, fmt.Errorf("registry is nil")
	}
	if _, ok := n.reg.SymbolIDByName(rec.Symbol); !ok {
		return schema.MarketEvent{}, fmt.Errorf("%w: symbol not found: %s", ErrInvalidRecord, rec.Symbol)
	}
	if rec.Time.IsZero() {
		return schema.MarketEvent{}, fmt.Errorf("%w: %s missing timestamp", ErrInvalidRecord, rec.Symbol)
	}

	switch rec.Kind {
	case schema.MarketDataBar:
		if !rec.Open.IsPositive() || !rec.High.IsPositive() || !rec.Low.IsPositive() || !rec.Close.IsPositive() {
			return schema.MarketEvent{}, fmt.Errorf("%w: %s bar at %s has non-positive price", ErrInvalidRecord, rec.Symbol, rec.Time)
		}
		if rec.High.LessThan(rec.Low) || rec.Volume < 0 {
			return schema.MarketEvent{}, fmt.Errorf("%w: %s bar at %s is inconsistent", ErrInvalidRecord, rec.Symbol, rec.Time)
		}
		bar := schema.Bar{Symbol: rec.Symbol, Time: rec.Time, Open: rec.Open, High: rec.High, Low: rec.Low, Close: rec.Close, Volume: rec.Volume}
		if n.adj != nil {
			bar = n.adj.AdjustBar(bar)
		}
		return schema.BarEvent(bar), nil
	case schema.MarketDataTick:
		if !rec.Last.IsPositive() && (!rec.Bid.IsPositive() || !rec.Ask.IsPositive()) {
			return schema.MarketEvent{}, fmt.Errorf("%w: %s tick at %s has no price", ErrInvalidRecord, rec.Symbol, rec.Time)
		}
		tick := schema.Tick{Symbol: rec.Symbol, Time: rec.Time, Bid: rec.Bid, Ask: rec.Ask, Last: rec.Last, Size: rec.Size}
		if n.adj != nil {
			tick = n.adj.AdjustTick(tick)
		}
		return schema.TickEvent(tick), nil
	default:
		return schema.MarketEvent{}, fmt.Errorf("%w: %s unknown kind %d", ErrInvalidRecord, rec.Symbol, rec.Kind)
	}
}

// SortEvents orders events by time, breaking ties by symbol registration order.
func SortEvents(reg *schema.Registry, events []schema.MarketEvent) {
	rank := func(sym string) schema.SymbolID {
		id, _ := reg.SymbolIDByName(sym)
		return id
	}
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].Time(), events[j].Time()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rank(events[i].Symbol()) < rank(events[j].Symbol())
	})
}
