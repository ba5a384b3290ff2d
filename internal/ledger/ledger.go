package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

var (
	ErrMissingFillID = errors.New("fill id is empty")
	ErrInvalidFill   = errors.New("invalid fill")
)

// Lot is an open tranche of a position, consumed FIFO on reduction.
type Lot struct {
	Quantity schema.Quantity `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Time     time.Time       `json:"time"`
}

// Position is a symbol's open exposure. It exists only while Quantity != 0.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      schema.Quantity `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	EntryTime     time.Time       `json:"entryTime"`
}

// MarketValue returns quantity * mark, signed.
func (p Position) MarketValue() decimal.Decimal {
	return p.MarkPrice.Mul(p.Quantity.Decimal())
}

// ClosedTrade is one FIFO lot consumption, net of its share of entry and exit fees.
type ClosedTrade struct {
	Symbol     string          `json:"symbol"`
	Side       schema.Side     `json:"side"`
	Quantity   schema.Quantity `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	PnL        decimal.Decimal `json:"pnl"`
}

// Ledger is the authoritative record of cash, positions and P&L.
// Mutation is expected from a single owner; reads are safe from any goroutine.
type Ledger struct {
	mu sync.RWMutex

	cash      decimal.Decimal
	positions map[string]*book
	marks     map[string]decimal.Decimal
	applied   map[string]struct{}
	trades    []ClosedTrade

	realized        decimal.Decimal
	realizedDay     decimal.Decimal
	realizedWeek    decimal.Decimal
	fees            decimal.Decimal
	dayStartEquity  decimal.Decimal
	weekStartEquity decimal.Decimal
	peakEquity      decimal.Decimal
	asOf            time.Time
}

type book struct {
	qty       schema.Quantity
	lots      []Lot
	entryTime time.Time
}

// New creates a ledger funded with initialCash.
func New(initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		cash:            initialCash,
		positions:       make(map[string]*book),
		marks:           make(map[string]decimal.Decimal),
		applied:         make(map[string]struct{}),
		dayStartEquity:  initialCash,
		weekStartEquity: initialCash,
		peakEquity:      initialCash,
	}
}

// Applied reports whether a fill id has already been booked.
func (l *Ledger) Applied(fillID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.applied[fillID]
	return ok
}

// ApplyFill books a confirmed execution. Re-delivering a fill id is a no-op.
// A fill that would flip a position through zero is rejected with a ReconciliationMismatch
// and leaves the ledger untouched. A broken lot invariant is a LedgerInvariantViolation.
func (l *Ledger) ApplyFill(f schema.Fill) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f.FillID == "" {
		return l.snapshotLocked(), ErrMissingFillID
	}
	if _, dup := l.applied[f.FillID]; dup {
		return l.snapshotLocked(), nil
	}
	if f.Quantity <= 0 || f.Price.Sign() <= 0 || f.Fee.Sign() < 0 || f.Symbol == "" {
		return l.snapshotLocked(), fmt.Errorf("%w: fill=%s qty=%d price=%s", ErrInvalidFill, f.FillID, f.Quantity, f.Price)
	}
	delta := f.Side.Sign() * f.Quantity
	if delta == 0 {
		return l.snapshotLocked(), fmt.Errorf("%w: fill=%s side unknown", ErrInvalidFill, f.FillID)
	}

	b := l.positions[f.Symbol]
	current := schema.Quantity(0)
	if b != nil {
		current = b.qty
	}
	reducing := current != 0 && (current > 0) != (delta > 0)
	if reducing && delta.Abs() > current.Abs() {
		return l.snapshotLocked(), errors.Newf(errors.KindReconciliationMismatch,
			"fill %s %s %d %s would flip position %d", f.FillID, f.Side, f.Quantity, f.Symbol, current)
	}

	notional := f.Notional()
	if f.Side == schema.SideBuy {
		l.cash = l.cash.Sub(notional).Sub(f.Fee)
	} else {
		l.cash = l.cash.Add(notional).Sub(f.Fee)
	}
	l.fees = l.fees.Add(f.Fee)
	l.addRealized(f.Fee.Neg())

	if b == nil {
		b = &book{entryTime: f.Time}
		l.positions[f.Symbol] = b
	}
	if reducing {
		l.reduce(b, f)
	} else {
		b.lots = append(b.lots, Lot{Quantity: delta, Price: f.Price, Fee: f.Fee, Time: f.Time})
		b.qty += delta
	}
	if b.qty == 0 {
		delete(l.positions, f.Symbol)
	}

	l.marks[f.Symbol] = f.Price
	l.applied[f.FillID] = struct{}{}
	if f.Time.After(l.asOf) {
		l.asOf = f.Time
	}
	l.refreshPeakLocked()

	if err := l.verifyLocked(); err != nil {
		return l.snapshotLocked(), err
	}
	return l.snapshotLocked(), nil
}

func (l *Ledger) reduce(b *book, f schema.Fill) {
	remaining := f.Quantity
	exitFeePerShare := f.Fee.Div(f.Quantity.Decimal())
	closeSide := f.Side.Opposite()
	long := b.qty > 0
	for remaining > 0 && len(b.lots) > 0 {
		lot := &b.lots[0]
		lotQty := lot.Quantity.Abs()
		take := min(remaining, lotQty)

		gross := f.Price.Sub(lot.Price).Mul(take.Decimal())
		if lot.Quantity < 0 {
			gross = gross.Neg()
		}
		l.addRealized(gross)

		entryFee := lot.Fee.Mul(take.Decimal()).Div(lotQty.Decimal())
		exitFee := exitFeePerShare.Mul(take.Decimal())
		l.trades = append(l.trades, ClosedTrade{
			Symbol:     f.Symbol,
			Side:       closeSide,
			Quantity:   take,
			EntryPrice: lot.Price,
			ExitPrice:  f.Price,
			EntryTime:  lot.Time,
			ExitTime:   f.Time,
			PnL:        gross.Sub(entryFee).Sub(exitFee),
		})

		if take == lotQty {
			b.lots = b.lots[1:]
		} else {
			lot.Fee = lot.Fee.Sub(entryFee)
			if lot.Quantity > 0 {
				lot.Quantity -= take
			} else {
				lot.Quantity += take
			}
		}
		remaining -= take
		if long {
			b.qty -= take
		} else {
			b.qty += take
		}
	}
	if len(b.lots) > 0 {
		b.entryTime = b.lots[0].Time
	}
}

func (l *Ledger) addRealized(v decimal.Decimal) {
	l.realized = l.realized.Add(v)
	l.realizedDay = l.realizedDay.Add(v)
	l.realizedWeek = l.realizedWeek.Add(v)
}

// Mark updates the mark price used for unrealized P&L and equity.
func (l *Ledger) Mark(symbol string, price decimal.Decimal, at time.Time) {
	if price.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
	if at.After(l.asOf) {
		l.asOf = at
	}
	l.refreshPeakLocked()
}

// DayReset rolls the day-start equity marker and the daily realized counter.
func (l *Ledger) DayReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dayStartEquity = l.equityLocked()
	l.realizedDay = decimal.Zero
}

// WeekReset rolls the week-start equity marker and the weekly realized counter.
func (l *Ledger) WeekReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.weekStartEquity = l.equityLocked()
	l.realizedWeek = decimal.Zero
}

// Trades returns the closed round trips in booking order.
func (l *Ledger) Trades() []ClosedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ClosedTrade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Verify checks the ledger's structural invariants.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked()
}

func (l *Ledger) verifyLocked() error {
	for sym, b := range l.positions {
		if b.qty == 0 {
			return errors.Newf(errors.KindLedgerInvariantViolation, "%s: zero position retained", sym)
		}
		var sum schema.Quantity
		for _, lot := range b.lots {
			if lot.Quantity == 0 || (lot.Quantity > 0) != (b.qty > 0) {
				return errors.Newf(errors.KindLedgerInvariantViolation, "%s: lot %d inconsistent with position %d", sym, lot.Quantity, b.qty)
			}
			sum += lot.Quantity
		}
		if sum != b.qty {
			return errors.Newf(errors.KindLedgerInvariantViolation, "%s: lots sum %d != position %d", sym, sum, b.qty)
		}
	}
	return nil
}

func (l *Ledger) equityLocked() decimal.Decimal {
	equity := l.cash
	for sym, b := range l.positions {
		equity = equity.Add(l.marks[sym].Mul(b.qty.Decimal()))
	}
	return equity
}

func (l *Ledger) refreshPeakLocked() {
	if eq := l.equityLocked(); eq.GreaterThan(l.peakEquity) {
		l.peakEquity = eq
	}
}

// Snapshot returns a read-only copy of the portfolio.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	positions := make(map[string]Position, len(l.positions))
	marketValue := decimal.Zero
	for sym, b := range l.positions {
		p := Position{
			Symbol:    sym,
			Quantity:  b.qty,
			AvgPrice:  averagePrice(b.lots),
			MarkPrice: l.marks[sym],
			EntryTime: b.entryTime,
		}
		p.UnrealizedPnL = p.MarkPrice.Sub(p.AvgPrice).Mul(b.qty.Decimal())
		marketValue = marketValue.Add(p.MarketValue())
		positions[sym] = p
	}
	return Snapshot{
		Cash:            l.cash,
		MarketValue:     marketValue,
		Equity:          l.cash.Add(marketValue),
		Positions:       positions,
		DayStartEquity:  l.dayStartEquity,
		WeekStartEquity: l.weekStartEquity,
		PeakEquity:      l.peakEquity,
		RealizedPnL:     l.realized,
		RealizedDay:     l.realizedDay,
		RealizedWeek:    l.realizedWeek,
		Fees:            l.fees,
		AsOf:            l.asOf,
	}
}

func averagePrice(lots []Lot) decimal.Decimal {
	var qty schema.Quantity
	cost := decimal.Zero
	for _, lot := range lots {
		q := lot.Quantity.Abs()
		qty += q
		cost = cost.Add(lot.Price.Mul(q.Decimal()))
	}
	if qty == 0 {
		return decimal.Zero
	}
	return cost.Div(qty.Decimal())
}

// Snapshot is a point-in-time, read-only view of the portfolio.
type Snapshot struct {
	Cash            decimal.Decimal     `json:"cash"`
	MarketValue     decimal.Decimal     `json:"marketValue"`
	Equity          decimal.Decimal     `json:"equity"`
	Positions       map[string]Position `json:"positions"`
	DayStartEquity  decimal.Decimal     `json:"dayStartEquity"`
	WeekStartEquity decimal.Decimal     `json:"weekStartEquity"`
	PeakEquity      decimal.Decimal     `json:"peakEquity"`
	RealizedPnL     decimal.Decimal     `json:"realizedPnl"`
	RealizedDay     decimal.Decimal     `json:"realizedDay"`
	RealizedWeek    decimal.Decimal     `json:"realizedWeek"`
	Fees            decimal.Decimal     `json:"fees"`
	AsOf            time.Time           `json:"asOf"`
}

// Position returns the open position for symbol.
func (s Snapshot) Position(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// Quantity returns the signed position for symbol, zero when flat.
func (s Snapshot) Quantity(symbol string) schema.Quantity {
	return s.Positions[symbol].Quantity
}

// OpenPositions returns the number of non-flat symbols.
func (s Snapshot) OpenPositions() int {
	return len(s.Positions)
}

// GrossExposure returns the sum of absolute position market values.
func (s Snapshot) GrossExposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.MarketValue().Abs())
	}
	return total
}

// Symbols returns open position symbols in sorted order.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
