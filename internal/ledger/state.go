package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// State is the full persisted form of a ledger, including open lots and booked fill ids.
type State struct {
	Cash            decimal.Decimal            `json:"cash"`
	Books           []BookState                `json:"books"`
	Marks           map[string]decimal.Decimal `json:"marks"`
	AppliedFills    []string                   `json:"appliedFills"`
	Trades          []ClosedTrade              `json:"trades"`
	Realized        decimal.Decimal            `json:"realized"`
	RealizedDay     decimal.Decimal            `json:"realizedDay"`
	RealizedWeek    decimal.Decimal            `json:"realizedWeek"`
	Fees            decimal.Decimal            `json:"fees"`
	DayStartEquity  decimal.Decimal            `json:"dayStartEquity"`
	WeekStartEquity decimal.Decimal            `json:"weekStartEquity"`
	PeakEquity      decimal.Decimal            `json:"peakEquity"`
	AsOf            time.Time                  `json:"asOf"`
}

// BookState is one symbol's open lots.
type BookState struct {
	Symbol    string    `json:"symbol"`
	Lots      []Lot     `json:"lots"`
	EntryTime time.Time `json:"entryTime"`
}

// Export captures the ledger for checkpointing.
func (l *Ledger) Export() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := State{
		Cash:            l.cash,
		Marks:           make(map[string]decimal.Decimal, len(l.marks)),
		AppliedFills:    make([]string, 0, len(l.applied)),
		Trades:          append([]ClosedTrade(nil), l.trades...),
		Realized:        l.realized,
		RealizedDay:     l.realizedDay,
		RealizedWeek:    l.realizedWeek,
		Fees:            l.fees,
		DayStartEquity:  l.dayStartEquity,
		WeekStartEquity: l.weekStartEquity,
		PeakEquity:      l.peakEquity,
		AsOf:            l.asOf,
	}
	for sym, px := range l.marks {
		st.Marks[sym] = px
	}
	for id := range l.applied {
		st.AppliedFills = append(st.AppliedFills, id)
	}
	sort.Strings(st.AppliedFills)
	for sym, b := range l.positions {
		st.Books = append(st.Books, BookState{
			Symbol:    sym,
			Lots:      append([]Lot(nil), b.lots...),
			EntryTime: b.entryTime,
		})
	}
	sort.Slice(st.Books, func(i, j int) bool { return st.Books[i].Symbol < st.Books[j].Symbol })
	return st
}

// Restore replaces the ledger contents with st and validates the result.
func (l *Ledger) Restore(st State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cash = st.Cash
	l.positions = make(map[string]*book, len(st.Books))
	for _, bs := range st.Books {
		b := &book{lots: append([]Lot(nil), bs.Lots...), entryTime: bs.EntryTime}
		for _, lot := range bs.Lots {
			b.qty += lot.Quantity
		}
		if b.qty != schema.Quantity(0) {
			l.positions[bs.Symbol] = b
		}
	}
	l.marks = make(map[string]decimal.Decimal, len(st.Marks))
	for sym, px := range st.Marks {
		l.marks[sym] = px
	}
	l.applied = make(map[string]struct{}, len(st.AppliedFills))
	for _, id := range st.AppliedFills {
		l.applied[id] = struct{}{}
	}
	l.trades = append([]ClosedTrade(nil), st.Trades...)
	l.realized = st.Realized
	l.realizedDay = st.RealizedDay
	l.realizedWeek = st.RealizedWeek
	l.fees = st.Fees
	l.dayStartEquity = st.DayStartEquity
	l.weekStartEquity = st.WeekStartEquity
	l.peakEquity = st.PeakEquity
	l.asOf = st.AsOf
	return l.verifyLocked()
}
