package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/schema"
)

// Reason explains a rejection.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonKillSwitchEngaged
	ReasonInvalidIntent
	ReasonNoPosition
	ReasonDailyLossLimitReached
	ReasonWeeklyLossLimitReached
	ReasonDrawdownKillSwitch
	ReasonMaxPositionsReached
	ReasonPendingOrder
	ReasonAllocationExhausted
	ReasonBelowMinimumSize
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonKillSwitchEngaged:
		return "KillSwitchEngaged"
	case ReasonInvalidIntent:
		return "InvalidIntent"
	case ReasonNoPosition:
		return "NoPosition"
	case ReasonDailyLossLimitReached:
		return "DailyLossLimitReached"
	case ReasonWeeklyLossLimitReached:
		return "WeeklyLossLimitReached"
	case ReasonDrawdownKillSwitch:
		return "DrawdownKillSwitch"
	case ReasonMaxPositionsReached:
		return "MaxPositionsReached"
	case ReasonPendingOrder:
		return "PendingOrder"
	case ReasonAllocationExhausted:
		return "AllocationExhausted"
	case ReasonBelowMinimumSize:
		return "BelowMinimumSize"
	default:
		return "Unknown"
	}
}

// Kind maps the reason onto the error taxonomy.
func (r Reason) Kind() errors.Kind {
	switch r {
	case ReasonNone:
		return errors.KindUnknown
	case ReasonKillSwitchEngaged:
		return errors.KindKillSwitchEngaged
	case ReasonDrawdownKillSwitch:
		return errors.KindDrawdownKillSwitch
	default:
		return errors.KindRiskRejection
	}
}

// Pending summarizes working entry orders not yet reflected in the ledger.
type Pending struct {
	Notional decimal.Decimal
	Symbols  map[string]struct{}
}

// RiskState is recomputed from the ledger each cycle. KillSwitch is the only independently persisted part.
type RiskState struct {
	RealizedDay     decimal.Decimal `json:"realizedDay"`
	RealizedWeek    decimal.Decimal `json:"realizedWeek"`
	DayStartEquity  decimal.Decimal `json:"dayStartEquity"`
	WeekStartEquity decimal.Decimal `json:"weekStartEquity"`
	Equity          decimal.Decimal `json:"equity"`
	PeakEquity      decimal.Decimal `json:"peakEquity"`
	Drawdown        decimal.Decimal `json:"drawdown"`
	OpenPositions   int             `json:"openPositions"`
	KillSwitch      bool            `json:"killSwitch"`
	Pending         Pending         `json:"-"`
}

// Decision is the governor's verdict on one intent. Order is set only when Approved.
type Decision struct {
	Intent       schema.TradeIntent
	Approved     bool
	Reason       Reason
	Detail       string
	RequestedQty schema.Quantity
	Resized      bool
	Reducing     bool
	Order        schema.OrderRequest
	StopLoss     *schema.OrderRequest
	TakeProfit   *schema.OrderRequest
	State        RiskState
	// PersistErr is set when the kill switch engaged by this decision could not be stored.
	PersistErr error `json:"-"`
}

// Err returns the rejection as a classified error, nil when approved.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	if d.Detail != "" {
		return errors.Newf(d.Reason.Kind(), "%s: %s", d.Reason, d.Detail)
	}
	return errors.Newf(d.Reason.Kind(), "%s", d.Reason)
}

// Governor admits, resizes or rejects trade intents and owns the kill switch.
type Governor struct {
	mu    sync.Mutex
	cfg   Config
	ks    KillSwitch
	store KillSwitchStore
	sink  alert.Sink
	ids   schema.IDSource
}

// NewGovernor loads the persisted kill switch and returns a governor.
func NewGovernor(ctx context.Context, cfg Config, store KillSwitchStore, sink alert.Sink, ids schema.IDSource) (*Governor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = &MemoryKillSwitchStore{}
	}
	if ids == nil {
		ids = schema.RandomIDs{}
	}
	ks, err := store.LoadKillSwitch(ctx)
	if err != nil {
		return nil, fmt.Errorf("load kill switch: %w", err)
	}
	if ks.Engaged {
		logs.Errorf("kill switch engaged since %s (%s), new orders are blocked until reset", ks.At.Format(time.RFC3339), ks.Reason)
	}
	return &Governor{
		cfg:   cfg,
		ks:    ks,
		store: store,
		sink:  alert.OrDiscard(sink),
		ids:   ids,
	}, nil
}

// Config returns the active limits.
func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// SetConfig swaps the limits. The kill switch is unaffected.
func (g *Governor) SetConfig(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	return nil
}

// KillSwitch returns the current flag.
func (g *Governor) KillSwitch() KillSwitch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ks
}

// State derives the risk state from a portfolio snapshot.
func (g *Governor) State(snap ledger.Snapshot, pending Pending) RiskState {
	st := RiskState{
		RealizedDay:     snap.RealizedDay,
		RealizedWeek:    snap.RealizedWeek,
		DayStartEquity:  snap.DayStartEquity,
		WeekStartEquity: snap.WeekStartEquity,
		Equity:          snap.Equity,
		PeakEquity:      snap.PeakEquity,
		Drawdown:        decimal.Zero,
		OpenPositions:   snap.OpenPositions(),
		KillSwitch:      g.KillSwitch().Engaged,
		Pending:         pending,
	}
	if st.Pending.Notional.IsNegative() {
		st.Pending.Notional = decimal.Zero
	}
	if snap.PeakEquity.IsPositive() && snap.Equity.LessThan(snap.PeakEquity) {
		st.Drawdown = snap.PeakEquity.Sub(snap.Equity).Div(snap.PeakEquity)
	}
	return st
}

// Evaluate applies the admission rules in order and returns the first rejection or an approved order.
func (g *Governor) Evaluate(ctx context.Context, intent schema.TradeIntent, state RiskState, snap ledger.Snapshot) Decision {
	cfg := g.Config()
	d := Decision{Intent: intent, State: state}

	if state.KillSwitch || g.KillSwitch().Engaged {
		return g.reject(d, ReasonKillSwitchEngaged, "")
	}

	price := intent.Price
	if !price.IsPositive() {
		price = snap.Positions[intent.Symbol].MarkPrice
	}
	if intent.Symbol == "" || !price.IsPositive() {
		return g.reject(d, ReasonInvalidIntent, "missing symbol or reference price")
	}

	pos := snap.Quantity(intent.Symbol)
	var side schema.Side
	switch intent.Direction {
	case schema.DirectionLong:
		side = schema.SideBuy
	case schema.DirectionShort:
		side = schema.SideSell
	case schema.DirectionFlat:
		if pos == 0 {
			return g.reject(d, ReasonNoPosition, intent.Symbol)
		}
		side = schema.SideBuy
		if pos > 0 {
			side = schema.SideSell
		}
	default:
		return g.reject(d, ReasonInvalidIntent, "unknown direction")
	}
	d.Reducing = pos != 0 && (pos > 0) != (side == schema.SideBuy)

	qty := requestedQuantity(intent, price, state.Equity)
	if intent.Direction == schema.DirectionFlat {
		qty = pos.Abs()
	}
	if d.Reducing && qty > pos.Abs() {
		qty = pos.Abs()
	}
	d.RequestedQty = qty
	if qty <= 0 {
		return g.reject(d, ReasonInvalidIntent, "no size requested")
	}

	if !d.Reducing && lossLimitHit(state.RealizedDay, state.DayStartEquity, cfg.DailyLossFraction) {
		return g.reject(d, ReasonDailyLossLimitReached, fmt.Sprintf("realized %s of day-start %s", state.RealizedDay, state.DayStartEquity))
	}
	if !d.Reducing && lossLimitHit(state.RealizedWeek, state.WeekStartEquity, cfg.WeeklyLossFraction) {
		return g.reject(d, ReasonWeeklyLossLimitReached, fmt.Sprintf("realized %s of week-start %s", state.RealizedWeek, state.WeekStartEquity))
	}
	if cfg.KillSwitchDrawdown.IsPositive() && state.Drawdown.GreaterThanOrEqual(cfg.KillSwitchDrawdown) {
		detail := fmt.Sprintf("drawdown %s from peak %s", state.Drawdown.StringFixed(4), state.PeakEquity)
		d.PersistErr = g.engage(ctx, detail, "governor", intent.Time)
		d.State.KillSwitch = true
		return g.reject(d, ReasonDrawdownKillSwitch, detail)
	}
	if !d.Reducing && pos == 0 {
		if _, ok := state.Pending.Symbols[intent.Symbol]; ok {
			return g.reject(d, ReasonPendingOrder, intent.Symbol)
		}
		if state.OpenPositions+len(state.Pending.Symbols) >= cfg.MaxOpenPositions {
			return g.reject(d, ReasonMaxPositionsReached, fmt.Sprintf("%d open", state.OpenPositions))
		}
	}

	if !d.Reducing {
		maxNotional := cfg.MaxPositionFraction.Mul(state.Equity)
		if price.Mul(qty.Decimal()).GreaterThan(maxNotional) {
			qty = floorShares(maxNotional, price)
			d.Resized = true
		}

		headroom := cfg.MaxAllocationFraction.Mul(state.Equity).Sub(snap.GrossExposure()).Sub(state.Pending.Notional)
		if !headroom.IsPositive() {
			return g.reject(d, ReasonAllocationExhausted, fmt.Sprintf("headroom %s", headroom.StringFixed(2)))
		}
		if price.Mul(qty.Decimal()).GreaterThan(headroom) {
			qty = floorShares(headroom, price)
			d.Resized = true
		}
	}
	if qty < 1 {
		return g.reject(d, ReasonBelowMinimumSize, fmt.Sprintf("price %s", price))
	}

	d.Approved = true
	d.Order = g.buildOrder(cfg, intent, side, qty, d.Reducing)
	if !d.Reducing {
		d.StopLoss, d.TakeProfit = g.buildCompanions(cfg, intent, d.Order, price)
	}
	return d
}

func (g *Governor) buildOrder(cfg Config, intent schema.TradeIntent, side schema.Side, qty schema.Quantity, reducing bool) schema.OrderRequest {
	req := schema.OrderRequest{
		ClientOrderID: g.ids.NextID(),
		StrategyID:    intent.StrategyID,
		Symbol:        intent.Symbol,
		Side:          side,
		Quantity:      qty,
		Type:          schema.OrderTypeMarket,
		TimeInForce:   cfg.EntryTimeInForce,
		Role:          schema.RoleEntry,
		CreatedAt:     intent.Time,
	}
	if reducing {
		req.Role = schema.RoleExit
	}
	if intent.LimitPrice.IsPositive() {
		req.Type = schema.OrderTypeLimit
		req.LimitPrice = roundTo(intent.LimitPrice, cfg.PriceIncrement)
	}
	return req
}

func (g *Governor) buildCompanions(cfg Config, intent schema.TradeIntent, entry schema.OrderRequest, price decimal.Decimal) (*schema.OrderRequest, *schema.OrderRequest) {
	one := decimal.NewFromInt(1)
	long := entry.Side == schema.SideBuy
	base := schema.OrderRequest{
		StrategyID:  entry.StrategyID,
		Symbol:      entry.Symbol,
		Side:        entry.Side.Opposite(),
		Quantity:    entry.Quantity,
		TimeInForce: schema.TimeInForceGTC,
		ParentID:    entry.ClientOrderID,
		CreatedAt:   entry.CreatedAt,
	}

	var stop, target *schema.OrderRequest
	stopPx := intent.StopPrice
	if !stopPx.IsPositive() && cfg.StopLossFraction.IsPositive() {
		if long {
			stopPx = price.Mul(one.Sub(cfg.StopLossFraction))
		} else {
			stopPx = price.Mul(one.Add(cfg.StopLossFraction))
		}
	}
	if stopPx.IsPositive() {
		req := base
		req.ClientOrderID = g.ids.NextID()
		req.Type = schema.OrderTypeStop
		req.StopPrice = roundTo(stopPx, cfg.PriceIncrement)
		req.Role = schema.RoleStopLoss
		stop = &req
	}

	targetPx := intent.TargetPrice
	if !targetPx.IsPositive() && cfg.TakeProfitFraction.IsPositive() {
		if long {
			targetPx = price.Mul(one.Add(cfg.TakeProfitFraction))
		} else {
			targetPx = price.Mul(one.Sub(cfg.TakeProfitFraction))
		}
	}
	if targetPx.IsPositive() {
		req := base
		req.ClientOrderID = g.ids.NextID()
		req.Type = schema.OrderTypeLimit
		req.LimitPrice = roundTo(targetPx, cfg.PriceIncrement)
		req.Role = schema.RoleTakeProfit
		target = &req
	}
	return stop, target
}

func (g *Governor) reject(d Decision, reason Reason, detail string) Decision {
	d.Approved = false
	d.Reason = reason
	d.Detail = detail
	if reason != ReasonDrawdownKillSwitch {
		g.sink.Emit(alert.Event{
			Kind:       alert.KindRiskRejection,
			Severity:   reason.Kind().Severity(),
			Time:       d.Intent.Time,
			Symbol:     d.Intent.Symbol,
			StrategyID: d.Intent.StrategyID,
			Reason:     reason.String(),
			Fields:     map[string]string{"detail": detail},
		})
	}
	return d
}

// EngageKillSwitch halts new order flow on operator request.
func (g *Governor) EngageKillSwitch(ctx context.Context, reason, by string, at time.Time) error {
	return g.engage(ctx, reason, by, at)
}

func (g *Governor) engage(ctx context.Context, reason, by string, at time.Time) error {
	g.mu.Lock()
	if g.ks.Engaged {
		g.mu.Unlock()
		return nil
	}
	g.ks = KillSwitch{Engaged: true, Reason: reason, At: at, By: by}
	ks := g.ks
	g.mu.Unlock()

	logs.Errorf("kill switch engaged by %s: %s", by, reason)
	g.sink.Emit(alert.Event{
		Kind:     alert.KindKillSwitchEngaged,
		Severity: errors.SeverityCritical,
		Time:     at,
		Reason:   reason,
		Fields:   map[string]string{"by": by},
	})
	if err := g.store.SaveKillSwitch(ctx, ks); err != nil {
		logs.Errorf("persist kill switch, err: %+v", err)
		return fmt.Errorf("persist kill switch: %w", err)
	}
	return nil
}

// ResetKillSwitch clears the flag. It is the only way the flag ever clears.
func (g *Governor) ResetKillSwitch(ctx context.Context, by string, at time.Time) error {
	g.mu.Lock()
	prev := g.ks
	g.ks = KillSwitch{Engaged: false, Reason: "manual reset", At: at, By: by}
	ks := g.ks
	g.mu.Unlock()

	if err := g.store.SaveKillSwitch(ctx, ks); err != nil {
		g.mu.Lock()
		g.ks = prev
		g.mu.Unlock()
		return fmt.Errorf("persist kill switch reset: %w", err)
	}
	logs.Infof("kill switch reset by %s (was: %s)", by, prev.Reason)
	g.sink.Emit(alert.Event{
		Kind:     alert.KindKillSwitchReset,
		Severity: errors.SeverityCritical,
		Time:     at,
		Reason:   prev.Reason,
		Fields:   map[string]string{"by": by},
	})
	return nil
}

func requestedQuantity(intent schema.TradeIntent, price, equity decimal.Decimal) schema.Quantity {
	switch {
	case intent.Quantity > 0:
		return intent.Quantity
	case intent.Notional.IsPositive():
		return floorShares(intent.Notional, price)
	case intent.TargetWeight.IsPositive():
		conf := intent.Confidence
		if !conf.IsPositive() || conf.GreaterThan(decimal.NewFromInt(1)) {
			conf = decimal.NewFromInt(1)
		}
		return floorShares(intent.TargetWeight.Mul(equity).Mul(conf), price)
	default:
		return 0
	}
}

func lossLimitHit(realized, baseline, fraction decimal.Decimal) bool {
	if !fraction.IsPositive() || !baseline.IsPositive() || !realized.IsNegative() {
		return false
	}
	return realized.Neg().GreaterThanOrEqual(fraction.Mul(baseline))
}

func floorShares(notional, price decimal.Decimal) schema.Quantity {
	if !price.IsPositive() || !notional.IsPositive() {
		return 0
	}
	return schema.Quantity(notional.Div(price).Floor().IntPart())
}

func roundTo(px, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return px
	}
	return px.Div(increment).Round(0).Mul(increment)
}
