package og

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/pkg/backoff"
)

var ErrNotSubmitted = errors.New("order has no broker id")

// FillApplier books confirmed executions. *ledger.Ledger satisfies it.
type FillApplier interface {
	ApplyFill(f schema.Fill) (ledger.Snapshot, error)
}

// ExpiryPolicy decides when a working order lapses. A zero time means never.
type ExpiryPolicy interface {
	ExpireAt(req schema.OrderRequest, submittedAt time.Time) time.Time
}

// Config controls submission retries and stop trailing.
type Config struct {
	MaxSubmitAttempts int             `json:"maxSubmitAttempts" mapstructure:"max_submit_attempts"`
	Backoff           backoff.Backoff `json:"backoff" mapstructure:"backoff"`
	TrailingStop      bool            `json:"trailingStop" mapstructure:"trailing_stop"`
	StopLossFraction  decimal.Decimal `json:"stopLossFraction" mapstructure:"stop_loss_fraction"`
	PriceIncrement    decimal.Decimal `json:"priceIncrement" mapstructure:"price_increment"`
}

func DefaultConfig() Config {
	return Config{
		MaxSubmitAttempts: 3,
		Backoff:           backoff.Default(),
		StopLossFraction:  decimal.RequireFromString("0.02"),
		PriceIncrement:    decimal.RequireFromString("0.01"),
	}
}

// Options carries the manager's collaborators. Nil fields fall back to no-op implementations.
type Options struct {
	Sleeper backoff.Sleeper
	Expiry  ExpiryPolicy
	Sink    alert.Sink
	IDs     schema.IDSource
}

// Group links the protective companions of one entry order; a fill on any member cancels the rest.
type Group struct {
	Symbol  string   `json:"symbol"`
	Members []string `json:"members"`
}

// Manager drives every order through its lifecycle against a broker gateway.
// It is not safe for concurrent use; callers serialize access on one goroutine.
type Manager struct {
	cfg     Config
	gw      broker.Gateway
	book    FillApplier
	sleeper backoff.Sleeper
	expiry  ExpiryPolicy
	sink    alert.Sink
	ids     schema.IDSource

	sm        *StateMachine
	byBroker  map[string]string
	archive   map[string]*Order
	archived  []string
	seenFills map[string]struct{}

	// companions waiting for their entry to fill, keyed by entry client id
	templates map[string][]schema.OrderRequest
	groups    map[string]*Group

	connected  bool
	mismatches int
}

func NewManager(cfg Config, gw broker.Gateway, book FillApplier, opt Options) *Manager {
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = DefaultConfig().MaxSubmitAttempts
	}
	if cfg.PriceIncrement.Sign() <= 0 {
		cfg.PriceIncrement = DefaultConfig().PriceIncrement
	}
	if opt.Sleeper == nil {
		opt.Sleeper = backoff.TimerSleeper{}
	}
	if opt.IDs == nil {
		opt.IDs = schema.RandomIDs{}
	}
	return &Manager{
		cfg:       cfg,
		gw:        gw,
		book:      book,
		sleeper:   opt.Sleeper,
		expiry:    opt.Expiry,
		sink:      alert.OrDiscard(opt.Sink),
		ids:       opt.IDs,
		sm:        NewStateMachine(),
		byBroker:  make(map[string]string),
		archive:   make(map[string]*Order),
		seenFills: make(map[string]struct{}),
		templates: make(map[string][]schema.OrderRequest),
		groups:    make(map[string]*Group),
		connected: true,
	}
}

// Order returns a copy of a live or archived order.
func (m *Manager) Order(clientOrderID string) (Order, bool) {
	if o, ok := m.sm.Order(clientOrderID); ok {
		return o.clone(), true
	}
	if o, ok := m.archive[clientOrderID]; ok {
		return o.clone(), true
	}
	return Order{}, false
}

// OpenOrders returns copies of every non-terminal order in creation order.
func (m *Manager) OpenOrders() []Order {
	live := m.sm.Orders()
	out := make([]Order, 0, len(live))
	for _, o := range live {
		out = append(out, o.clone())
	}
	return out
}

// Connected reports the last broker connectivity state seen.
func (m *Manager) Connected() bool {
	return m.connected
}

// Mismatches returns how many reconciliation mismatches were reported.
func (m *Manager) Mismatches() int {
	return m.mismatches
}

// Submit registers req and sends it to the broker, retrying transient failures with the same
// client order id. Companions are held until the order reaches a terminal state with a fill.
func (m *Manager) Submit(ctx context.Context, req schema.OrderRequest, companions ...schema.OrderRequest) (Order, error) {
	o, err := m.sm.Create(req, req.CreatedAt)
	if err != nil {
		return Order{}, errors.Wrap(err, "create order "+req.ClientOrderID)
	}
	if m.expiry != nil {
		o.ExpireAt = m.expiry.ExpireAt(req, req.CreatedAt)
	}
	if len(companions) > 0 {
		m.templates[req.ClientOrderID] = append([]schema.OrderRequest(nil), companions...)
	}

	if err := m.send(ctx, o); err != nil {
		return o.clone(), err
	}
	return o.clone(), nil
}

func (m *Manager) send(ctx context.Context, o *Order) error {
	id := o.ClientOrderID()
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxSubmitAttempts; attempt++ {
		o.Attempts = attempt
		brokerID, err := m.gw.SubmitOrder(ctx, o.Request)
		if err == nil {
			if _, terr := m.sm.Transition(id, OrderStateSubmitted, "", o.Request.CreatedAt); terr != nil {
				return terr
			}
			m.bindBroker(o, brokerID)
			return nil
		}

		lastErr = err
		if !broker.IsTransient(err) || attempt == m.cfg.MaxSubmitAttempts {
			break
		}
		delay := m.cfg.Backoff.Next(attempt)
		logs.Warnf("submit %s attempt %d failed, retry in %s, err: %+v", id, attempt, delay, err)
		if serr := m.sleeper.Sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	reason := fmt.Sprintf("submission failed after %d attempts: %v", o.Attempts, lastErr)
	_, _ = m.sm.Transition(id, OrderStateRejected, reason, o.Request.CreatedAt)
	delete(m.templates, id)
	m.sink.Emit(alert.Event{
		Kind:          alert.KindSubmissionFailed,
		Severity:      errors.KindSubmissionFailed.Severity(),
		Time:          o.Request.CreatedAt,
		Symbol:        o.Request.Symbol,
		StrategyID:    o.Request.StrategyID,
		ClientOrderID: id,
		Reason:        reason,
	})
	m.retire(o)
	return errors.WrapKind(lastErr, errors.KindSubmissionFailed, fmt.Sprintf("order %s after %d attempts", id, o.Attempts))
}

func (m *Manager) bindBroker(o *Order, brokerID string) {
	if brokerID == "" || o.BrokerOrderID == brokerID {
		return
	}
	o.BrokerOrderID = brokerID
	m.byBroker[brokerID] = o.ClientOrderID()
}

// Cancel requests cancellation at the broker. The local state changes when the broker acknowledges.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	o, ok := m.sm.Order(clientOrderID)
	if !ok {
		return ErrUnknownOrder
	}
	if o.BrokerOrderID == "" {
		return ErrNotSubmitted
	}

	var err error
	for attempt := 1; attempt <= m.cfg.MaxSubmitAttempts; attempt++ {
		err = m.gw.CancelOrder(ctx, o.BrokerOrderID)
		if err == nil || !broker.IsTransient(err) || attempt == m.cfg.MaxSubmitAttempts {
			break
		}
		if serr := m.sleeper.Sleep(ctx, m.cfg.Backoff.Next(attempt)); serr != nil {
			return serr
		}
	}
	if errors.Is(err, broker.ErrOrderClosed) {
		return nil
	}
	return errors.Wrap(err, "cancel order "+clientOrderID)
}

// CancelAll requests cancellation of every live order.
func (m *Manager) CancelAll(ctx context.Context) error {
	var errs []error
	for _, o := range m.sm.Orders() {
		if !o.Live() || o.BrokerOrderID == "" {
			continue
		}
		if err := m.Cancel(ctx, o.ClientOrderID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending summarizes working entry orders for the risk governor. Market orders are valued at prices[symbol].
func (m *Manager) Pending(prices map[string]decimal.Decimal) risk.Pending {
	p := risk.Pending{Notional: decimal.Zero, Symbols: make(map[string]struct{})}
	for _, o := range m.sm.Orders() {
		if o.Terminal() || o.Request.Role != schema.RoleEntry {
			continue
		}
		px := o.Request.LimitPrice
		if px.Sign() <= 0 {
			px = prices[o.Request.Symbol]
		}
		p.Notional = p.Notional.Add(px.Mul(o.LeavesQty().Decimal()))
		p.Symbols[o.Request.Symbol] = struct{}{}
	}
	return p
}

// HandleEvent applies one broker event. It returns an error only when trading must halt.
func (m *Manager) HandleEvent(ctx context.Context, ev broker.Event) error {
	switch ev.Kind {
	case broker.EventDisconnect:
		m.connected = false
		logs.Warnf("broker disconnected at %s", ev.Time)
		return nil
	case broker.EventReconnect:
		m.connected = true
		logs.Infof("broker reconnected at %s, reconciling", ev.Time)
		return m.Reconcile(ctx)
	}

	o, archived := m.lookup(ev.ClientOrderID, ev.BrokerOrderID)
	if o == nil {
		if ev.Kind == broker.EventFill {
			if _, dup := m.seenFills[ev.Fill.FillID]; dup {
				return nil
			}
			m.seenFills[ev.Fill.FillID] = struct{}{}
			m.mismatch(ev.Fill.Symbol, ev.ClientOrderID, ev.Time, "fill for unknown order")
			_, err := m.forward(ev.Fill)
			return err
		}
		m.mismatch("", ev.ClientOrderID, ev.Time, fmt.Sprintf("%s for unknown order", ev.Kind))
		return nil
	}

	switch ev.Kind {
	case broker.EventAck:
		if !archived {
			m.bindBroker(o, ev.BrokerOrderID)
		}
		return m.onAck(ctx, o, archived, ev)
	case broker.EventRejection:
		return m.onRejection(ctx, o, archived, ev)
	case broker.EventFill:
		return m.onFill(ctx, o, archived, ev.Fill)
	}
	return nil
}

func (m *Manager) lookup(clientOrderID, brokerOrderID string) (*Order, bool) {
	if clientOrderID == "" {
		clientOrderID = m.byBroker[brokerOrderID]
	}
	if o, ok := m.sm.Order(clientOrderID); ok {
		return o, false
	}
	if o, ok := m.archive[clientOrderID]; ok {
		return o, true
	}
	return nil, false
}

func (m *Manager) onAck(ctx context.Context, o *Order, archived bool, ev broker.Event) error {
	if archived {
		if ev.Status.Open() {
			m.mismatch(o.Request.Symbol, o.ClientOrderID(), ev.Time, fmt.Sprintf("broker reports %s for %s order", ev.Status, o.State))
		}
		return nil
	}

	switch ev.Status {
	case broker.StatusAccepted:
		if o.State == OrderStateSubmitted {
			_, err := m.sm.Transition(o.ClientOrderID(), OrderStateAccepted, "", ev.Time)
			return err
		}
		return nil
	case broker.StatusCancelled:
		return m.close(ctx, o, OrderStateCancelled, ev.Reason, ev.Time)
	case broker.StatusExpired:
		return m.close(ctx, o, OrderStateExpired, ev.Reason, ev.Time)
	case broker.StatusRejected:
		return m.onRejection(ctx, o, archived, ev)
	}
	return nil
}

func (m *Manager) onRejection(ctx context.Context, o *Order, archived bool, ev broker.Event) error {
	if archived {
		return nil
	}
	if o.State == OrderStateSubmitted || o.State == OrderStateCreated {
		_, err := m.sm.Transition(o.ClientOrderID(), OrderStateRejected, ev.Reason, ev.Time)
		if err != nil {
			return err
		}
		m.emit(alert.KindOrderRejected, errors.SeverityWarning, o, ev.Time, ev.Reason)
		return m.terminal(ctx, o)
	}
	m.mismatch(o.Request.Symbol, o.ClientOrderID(), ev.Time, fmt.Sprintf("rejection after %s: %s", o.State, ev.Reason))
	return m.close(ctx, o, OrderStateCancelled, ev.Reason, ev.Time)
}

// close moves a working order to Cancelled or Expired. An order still awaiting its ack is accepted first.
func (m *Manager) close(ctx context.Context, o *Order, to OrderState, reason string, at time.Time) error {
	if o.Terminal() {
		return nil
	}
	if err := m.ensureAccepted(o, at); err != nil {
		return err
	}
	if _, err := m.sm.Transition(o.ClientOrderID(), to, reason, at); err != nil {
		return err
	}
	kind := alert.KindOrderCancelled
	if to == OrderStateExpired {
		kind = alert.KindOrderExpired
	}
	m.emit(kind, errors.SeverityInfo, o, at, reason)
	return m.terminal(ctx, o)
}

func (m *Manager) ensureAccepted(o *Order, at time.Time) error {
	switch o.State {
	case OrderStateCreated:
		if _, err := m.sm.Transition(o.ClientOrderID(), OrderStateSubmitted, "", at); err != nil {
			return err
		}
		fallthrough
	case OrderStateSubmitted:
		_, err := m.sm.Transition(o.ClientOrderID(), OrderStateAccepted, "", at)
		return err
	}
	return nil
}

func (m *Manager) onFill(ctx context.Context, o *Order, archived bool, f schema.Fill) error {
	if f.FillID == "" {
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), f.Time, "fill without id")
		return nil
	}
	if _, dup := m.seenFills[f.FillID]; dup {
		return nil
	}
	m.seenFills[f.FillID] = struct{}{}

	if !isReconcileFill(f.FillID) && o.ReconciledQty > 0 {
		covered := min(f.Quantity, o.ReconciledQty)
		o.ReconciledQty -= covered
		logs.Infof("fill %s qty %d on %s: %d already booked by reconciliation", f.FillID, f.Quantity, o.ClientOrderID(), covered)
		if covered == f.Quantity {
			return nil
		}
		f.Quantity -= covered
	}

	record := FillRecord{FillID: f.FillID, Quantity: f.Quantity, Price: f.Price, Fee: f.Fee, Time: f.Time}
	switch {
	case f.Quantity > o.LeavesQty():
		// already covered by earlier fills, possibly synthesized during reconciliation
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), f.Time,
			fmt.Sprintf("fill %s qty %d exceeds leaves %d on %s order, not booked", f.FillID, f.Quantity, o.LeavesQty(), o.State))
		return nil
	case archived || o.Terminal():
		m.mismatch(o.Request.Symbol, o.ClientOrderID(), f.Time, fmt.Sprintf("fill %s on %s order", f.FillID, o.State))
		o.Fills = append(o.Fills, record)
		o.FilledQty += f.Quantity
	default:
		if err := m.ensureAccepted(o, f.Time); err != nil {
			return err
		}
		if _, err := m.sm.ApplyFill(o.ClientOrderID(), record); err != nil {
			m.mismatch(o.Request.Symbol, o.ClientOrderID(), f.Time, fmt.Sprintf("fill %s: %v", f.FillID, err))
			return nil
		}
	}
	if isReconcileFill(f.FillID) {
		o.ReconciledQty += f.Quantity
	}

	snap, err := m.forward(f)
	if err != nil {
		return err
	}

	if o.State == OrderStateFilled {
		m.emit(alert.KindOrderFilled, errors.SeverityInfo, o, f.Time, "")
	} else if o.State == OrderStatePartiallyFilled {
		m.emit(alert.KindOrderPartiallyFilled, errors.SeverityInfo, o, f.Time, "")
	}

	var filledGroup string
	if o.Request.Role.IsCompanion() {
		filledGroup = o.Request.ParentID
		m.cancelGroup(ctx, filledGroup, o.ClientOrderID())
	}
	if held := snap.Quantity(o.Request.Symbol).Abs(); held == 0 {
		m.cancelSymbolGroups(ctx, o.Request.Symbol, o.ClientOrderID())
	} else {
		m.capSymbolGroups(ctx, o.Request.Symbol, held, filledGroup, o.ClientOrderID(), f.Time)
	}
	if !archived && o.Terminal() {
		return m.terminal(ctx, o)
	}
	return nil
}

// Replay applies a journaled fill to its restored order without booking it again;
// the ledger recovered from the same journal already holds it. A journaled broker fill is
// the booked part only, so it never consumes reconciliation cover.
func (m *Manager) Replay(ctx context.Context, f schema.Fill) error {
	if _, dup := m.seenFills[f.FillID]; dup || f.FillID == "" {
		return nil
	}
	m.seenFills[f.FillID] = struct{}{}
	o, archived := m.lookup(f.ClientOrderID, f.BrokerOrderID)
	if o == nil || archived || o.Terminal() || f.Quantity > o.LeavesQty() {
		return nil
	}
	if err := m.ensureAccepted(o, f.Time); err != nil {
		return err
	}
	record := FillRecord{FillID: f.FillID, Quantity: f.Quantity, Price: f.Price, Fee: f.Fee, Time: f.Time}
	if _, err := m.sm.ApplyFill(o.ClientOrderID(), record); err != nil {
		return errors.Wrap(err, "replay fill "+f.FillID)
	}
	if isReconcileFill(f.FillID) {
		o.ReconciledQty += f.Quantity
	}
	if o.Terminal() {
		return m.terminal(ctx, o)
	}
	return nil
}

// forward books a fill in the ledger. Only a ledger invariant violation is returned.
func (m *Manager) forward(f schema.Fill) (ledger.Snapshot, error) {
	snap, err := m.book.ApplyFill(f)
	if err == nil {
		return snap, nil
	}
	if errors.IsFatal(err) {
		m.sink.Emit(alert.Event{
			Kind:          alert.KindLedgerInvariantViolation,
			Severity:      errors.SeverityFatal,
			Time:          f.Time,
			Symbol:        f.Symbol,
			ClientOrderID: f.ClientOrderID,
			Reason:        err.Error(),
		})
		return snap, err
	}
	m.mismatch(f.Symbol, f.ClientOrderID, f.Time, err.Error())
	return snap, nil
}

// terminal submits companions for a filled entry and archives the order.
func (m *Manager) terminal(ctx context.Context, o *Order) error {
	id := o.ClientOrderID()
	if tmpls, ok := m.templates[id]; ok {
		delete(m.templates, id)
		if o.FilledQty > 0 {
			m.submitCompanions(ctx, o, tmpls)
		}
	}
	m.retire(o)
	return nil
}

func (m *Manager) submitCompanions(ctx context.Context, parent *Order, tmpls []schema.OrderRequest) {
	g := &Group{Symbol: parent.Request.Symbol}
	m.groups[parent.ClientOrderID()] = g
	for _, tmpl := range tmpls {
		req := tmpl
		req.Quantity = parent.FilledQty
		req.ParentID = parent.ClientOrderID()
		req.CreatedAt = parent.UpdatedAt
		if _, err := m.Submit(ctx, req); err != nil {
			logs.Errorf("submit %s for %s, err: %+v", req.Role, parent.ClientOrderID(), err)
			continue
		}
		g.Members = append(g.Members, req.ClientOrderID)
	}
}

func (m *Manager) cancelGroup(ctx context.Context, parentID, except string) {
	g, ok := m.groups[parentID]
	if !ok {
		return
	}
	live := 0
	for _, id := range g.Members {
		if id == except {
			continue
		}
		o, ok := m.sm.Order(id)
		if !ok || !o.Live() {
			continue
		}
		live++
		if err := m.Cancel(ctx, id); err != nil {
			logs.Errorf("cancel sibling %s of %s, err: %+v", id, parentID, err)
		}
	}
	if live == 0 {
		delete(m.groups, parentID)
	}
}

func (m *Manager) cancelSymbolGroups(ctx context.Context, symbol, except string) {
	for _, parentID := range m.groupIDs() {
		if m.groups[parentID].Symbol == symbol {
			m.cancelGroup(ctx, parentID, except)
		}
	}
}

// capSymbolGroups shrinks the working companions on symbol so that, per role, they never cover
// more than the held position. An oversized companion is cancelled and replaced at the capped size.
// The siblings of a just-filled companion are being cancelled and are left alone.
func (m *Manager) capSymbolGroups(ctx context.Context, symbol string, held schema.Quantity, filledGroup, filled string, at time.Time) {
	room := make(map[schema.OrderRole]schema.Quantity)
	for _, parentID := range m.groupIDs() {
		g := m.groups[parentID]
		if g.Symbol != symbol {
			continue
		}
		for i, id := range g.Members {
			if parentID == filledGroup && id != filled {
				continue
			}
			o, ok := m.sm.Order(id)
			if !ok || !o.Live() {
				continue
			}
			role := o.Request.Role
			left, seen := room[role]
			if !seen {
				left = held
			}
			leaves := o.LeavesQty()
			keep := min(leaves, left)
			room[role] = left - keep
			if keep == leaves || id == filled {
				continue
			}

			if err := m.Cancel(ctx, id); err != nil {
				logs.Warnf("shrink %s %s of %s, err: %+v", role, id, parentID, err)
				continue
			}
			if keep == 0 {
				continue
			}
			req := o.Request
			req.ClientOrderID = m.ids.NextID()
			req.Quantity = keep
			req.CreatedAt = at
			if _, err := m.Submit(ctx, req); err != nil {
				logs.Errorf("replace shrunk %s %s of %s, err: %+v", role, id, parentID, err)
				continue
			}
			g.Members[i] = req.ClientOrderID
			logs.Infof("%s %s of %s resized %d -> %d as %s, position %d", role, id, parentID, leaves, keep, req.ClientOrderID, held)
		}
	}
}

func (m *Manager) groupIDs() []string {
	return slices.Sorted(maps.Keys(m.groups))
}

func (m *Manager) retire(o *Order) {
	id := o.ClientOrderID()
	if _, ok := m.archive[id]; ok {
		return
	}
	m.sm.Remove(id)
	m.archive[id] = o
	m.archived = append(m.archived, id)
}

// ExpireDue cancels and expires every working order whose lifetime ended at or before now.
// An order the broker did not confirm as closed stays live and is retried on the next call.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time) []Order {
	var expired []Order
	for _, o := range m.sm.Orders() {
		if o.ExpireAt.IsZero() || now.Before(o.ExpireAt) || !o.Live() {
			continue
		}
		if o.BrokerOrderID != "" {
			err := m.gw.CancelOrder(ctx, o.BrokerOrderID)
			if err != nil && !errors.Is(err, broker.ErrOrderClosed) && !errors.Is(err, broker.ErrUnknownOrder) {
				logs.Warnf("cancel expiring order %s, retry next tick, err: %+v", o.ClientOrderID(), err)
				continue
			}
		}
		if err := m.close(ctx, o, OrderStateExpired, "time in force elapsed", now); err != nil {
			logs.Errorf("expire order %s, err: %+v", o.ClientOrderID(), err)
			continue
		}
		expired = append(expired, o.clone())
	}
	return expired
}

// OnBar ratchets protective stops behind a favourable close when trailing is enabled.
func (m *Manager) OnBar(ctx context.Context, bar schema.Bar) {
	if !m.cfg.TrailingStop || m.cfg.StopLossFraction.Sign() <= 0 {
		return
	}
	one := decimal.NewFromInt(1)
	for _, parentID := range m.groupIDs() {
		g := m.groups[parentID]
		if g.Symbol != bar.Symbol {
			continue
		}
		for i, id := range g.Members {
			o, ok := m.sm.Order(id)
			if !ok || o.Request.Role != schema.RoleStopLoss || o.State != OrderStateAccepted {
				continue
			}
			var candidate decimal.Decimal
			if o.Request.Side == schema.SideSell {
				candidate = bar.Close.Mul(one.Sub(m.cfg.StopLossFraction))
			} else {
				candidate = bar.Close.Mul(one.Add(m.cfg.StopLossFraction))
			}
			candidate = candidate.Div(m.cfg.PriceIncrement).Round(0).Mul(m.cfg.PriceIncrement)
			improves := candidate.GreaterThan(o.Request.StopPrice)
			if o.Request.Side == schema.SideBuy {
				improves = candidate.LessThan(o.Request.StopPrice)
			}
			if !improves {
				continue
			}
			if err := m.Cancel(ctx, id); err != nil {
				logs.Warnf("trail stop %s, err: %+v", id, err)
				continue
			}
			req := o.Request
			req.ClientOrderID = m.ids.NextID()
			req.StopPrice = candidate
			req.CreatedAt = bar.Time
			if _, err := m.Submit(ctx, req); err != nil {
				logs.Errorf("replace trailed stop %s of %s, err: %+v", id, parentID, err)
				continue
			}
			g.Members[i] = req.ClientOrderID
		}
	}
}

// Summary counts every order seen by state.
func (m *Manager) Summary() map[OrderState]int {
	out := make(map[OrderState]int)
	for _, o := range m.sm.Orders() {
		out[o.State]++
	}
	for _, o := range m.archive {
		out[o.State]++
	}
	return out
}

func (m *Manager) emit(kind alert.Kind, sev errors.Severity, o *Order, at time.Time, reason string) {
	m.sink.Emit(alert.Event{
		Kind:          kind,
		Severity:      sev,
		Time:          at,
		Symbol:        o.Request.Symbol,
		StrategyID:    o.Request.StrategyID,
		ClientOrderID: o.ClientOrderID(),
		Reason:        reason,
		Fields: map[string]string{
			"state":  o.State.String(),
			"filled": fmt.Sprintf("%d/%d", o.FilledQty, o.Request.Quantity),
		},
	})
}

func (m *Manager) mismatch(symbol, clientOrderID string, at time.Time, reason string) {
	m.mismatches++
	logs.Warnf("reconciliation mismatch, order %s %s: %s", clientOrderID, symbol, reason)
	m.sink.Emit(alert.Event{
		Kind:          alert.KindReconciliationMismatch,
		Severity:      errors.KindReconciliationMismatch.Severity(),
		Time:          at,
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		Reason:        reason,
	})
}
