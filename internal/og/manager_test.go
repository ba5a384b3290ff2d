package og

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/schema"
	"tradecore/pkg/backoff"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func bar(i int, o, h, l, c string) schema.Bar {
	return schema.Bar{Symbol: "AAPL", Time: t0.Add(time.Duration(i) * time.Minute), Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: 1000}
}

func market(id string, side schema.Side, qty int64) schema.OrderRequest {
	return schema.OrderRequest{
		ClientOrderID: id,
		StrategyID:    "test",
		Symbol:        "AAPL",
		Side:          side,
		Quantity:      schema.Quantity(qty),
		Type:          schema.OrderTypeMarket,
		TimeInForce:   schema.TimeInForceDay,
		Role:          schema.RoleEntry,
		CreatedAt:     t0,
	}
}

// flakyGateway forwards every submission but answers the first few with a timeout, as if the response was lost.
type flakyGateway struct {
	broker.Gateway

	mu       sync.Mutex
	failures int
	calls    []string
}

func (g *flakyGateway) SubmitOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req.ClientOrderID)
	id, err := g.Gateway.SubmitOrder(ctx, req)
	if err != nil {
		return "", err
	}
	if g.failures > 0 {
		g.failures--
		return "", broker.ErrTimeout
	}
	return id, nil
}

type downGateway struct {
	broker.Gateway
}

func (downGateway) SubmitOrder(context.Context, schema.OrderRequest) (string, error) {
	return "", broker.ErrUnavailable
}

type fixedExpiry time.Time

func (f fixedExpiry) ExpireAt(schema.OrderRequest, time.Time) time.Time {
	return time.Time(f)
}

type fixture struct {
	sim    *broker.SimBroker
	ledger *ledger.Ledger
	alerts *alert.Recorder
	m      *Manager
}

func newFixture(t *testing.T, gw broker.Gateway, sim *broker.SimBroker, cfg Config, opt Options) *fixture {
	t.Helper()
	f := &fixture{sim: sim, ledger: ledger.New(dec("100000")), alerts: &alert.Recorder{}}
	if gw == nil {
		gw = sim
	}
	opt.Sleeper = backoff.NoSleep{}
	opt.Sink = f.alerts
	if opt.IDs == nil {
		opt.IDs = schema.NewSequenceIDs("og-test")
	}
	f.m = NewManager(cfg, gw, f.ledger, opt)
	return f
}

func newSimFixture(t *testing.T) *fixture {
	return newFixture(t, nil, broker.NewSim(broker.SimConfig{}), DefaultConfig(), Options{})
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev := <-f.sim.Events():
			require.NoError(t, f.m.HandleEvent(context.Background(), ev))
		default:
			return
		}
	}
}

func (f *fixture) discard() {
	for {
		select {
		case <-f.sim.Events():
		default:
			return
		}
	}
}

func (f *fixture) state(t *testing.T, id string) OrderState {
	t.Helper()
	o, ok := f.m.Order(id)
	require.True(t, ok, "order %s not found", id)
	return o.State
}

func TestSubmitRetriesTimeoutsWithSameClientID(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSim(broker.SimConfig{})
	gw := &flakyGateway{Gateway: sim, failures: 2}
	f := newFixture(t, gw, sim, DefaultConfig(), Options{})

	o, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, OrderStateSubmitted, o.State)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, []string{"c1", "c1", "c1"}, gw.calls)

	open, err := sim.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, o.BrokerOrderID, open[0].BrokerOrderID)

	f.drain(t)
	assert.Equal(t, OrderStateAccepted, f.state(t, "c1"))
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	sim := broker.NewSim(broker.SimConfig{})
	f := newFixture(t, downGateway{Gateway: sim}, sim, DefaultConfig(), Options{})

	o, err := f.m.Submit(context.Background(), market("c1", schema.SideBuy, 10),
		schema.OrderRequest{ClientOrderID: "c1-sl", Role: schema.RoleStopLoss})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSubmissionFailed), err.Error())
	assert.True(t, errors.Is(err, broker.ErrUnavailable))
	assert.Equal(t, OrderStateRejected, o.State)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, 1, f.alerts.Count(alert.KindSubmissionFailed))
	assert.Empty(t, f.m.OpenOrders())
	assert.Empty(t, f.m.Export().Templates)
}

func TestSubmitRejectsInvalidAndDuplicate(t *testing.T) {
	f := newSimFixture(t)
	req := market("", schema.SideBuy, 10)
	_, err := f.m.Submit(context.Background(), req)
	require.Error(t, err)

	_, err = f.m.Submit(context.Background(), market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	_, err = f.m.Submit(context.Background(), market("c1", schema.SideBuy, 10))
	require.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestFillFlowsToLedgerOnce(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	_, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	f.drain(t)

	f.sim.OnBar(bar(1, "100", "101", "99", "100"))
	ev := <-f.sim.Events()
	require.Equal(t, broker.EventFill, ev.Kind)
	require.NoError(t, f.m.HandleEvent(ctx, ev))
	require.NoError(t, f.m.HandleEvent(ctx, ev))

	assert.Equal(t, OrderStateFilled, f.state(t, "c1"))
	assert.Equal(t, schema.Quantity(10), f.ledger.Snapshot().Quantity("AAPL"))
	assert.Equal(t, 1, f.alerts.Count(alert.KindOrderFilled))
	assert.Empty(t, f.m.OpenOrders())
	assert.Equal(t, 0, f.m.Mismatches())
}

func TestBrokerRejection(t *testing.T) {
	f := newSimFixture(t)
	req := market("c1", schema.SideBuy, 10)
	req.Type = schema.OrderTypeLimit

	_, err := f.m.Submit(context.Background(), req)
	require.NoError(t, err)
	f.drain(t)

	o, _ := f.m.Order("c1")
	assert.Equal(t, OrderStateRejected, o.State)
	assert.Equal(t, "limit price required", o.Reason)
	assert.Equal(t, 1, f.alerts.Count(alert.KindOrderRejected))
}

func bracket(t *testing.T, f *fixture) {
	t.Helper()
	stop := schema.OrderRequest{ClientOrderID: "c1-sl", StrategyID: "test", Symbol: "AAPL", Side: schema.SideSell,
		Type: schema.OrderTypeStop, StopPrice: dec("95"), TimeInForce: schema.TimeInForceGTC, Role: schema.RoleStopLoss}
	target := schema.OrderRequest{ClientOrderID: "c1-tp", StrategyID: "test", Symbol: "AAPL", Side: schema.SideSell,
		Type: schema.OrderTypeLimit, LimitPrice: dec("110"), TimeInForce: schema.TimeInForceGTC, Role: schema.RoleTakeProfit}

	_, err := f.m.Submit(context.Background(), market("c1", schema.SideBuy, 10), stop, target)
	require.NoError(t, err)
	f.drain(t)
	assert.Len(t, f.m.OpenOrders(), 1, "companions wait for the entry fill")

	f.sim.OnBar(bar(1, "100", "101", "99", "100"))
	f.drain(t)

	open := f.m.OpenOrders()
	require.Len(t, open, 2)
	for _, o := range open {
		assert.Equal(t, OrderStateAccepted, o.State)
		assert.Equal(t, schema.Quantity(10), o.Request.Quantity)
		assert.Equal(t, "c1", o.Request.ParentID)
	}
}

func TestStopFillCancelsTarget(t *testing.T) {
	f := newSimFixture(t)
	bracket(t, f)

	f.sim.OnBar(bar(2, "96", "97", "94", "95"))
	f.drain(t)

	assert.Equal(t, OrderStateFilled, f.state(t, "c1-sl"))
	assert.Equal(t, OrderStateCancelled, f.state(t, "c1-tp"))
	assert.Equal(t, schema.Quantity(0), f.ledger.Snapshot().Quantity("AAPL"))
	assert.Empty(t, f.m.OpenOrders())

	trades := f.ledger.Trades()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].PnL.Equal(dec("-50")), trades[0].PnL.String())
}

func TestExitCancelsCompanions(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)
	bracket(t, f)

	exit := market("x1", schema.SideSell, 10)
	exit.Role = schema.RoleExit
	_, err := f.m.Submit(ctx, exit)
	require.NoError(t, err)
	f.drain(t)

	f.sim.OnBar(bar(2, "102", "103", "101", "102"))
	f.drain(t)

	assert.Equal(t, OrderStateFilled, f.state(t, "x1"))
	assert.Equal(t, OrderStateCancelled, f.state(t, "c1-sl"))
	assert.Equal(t, OrderStateCancelled, f.state(t, "c1-tp"))
	assert.Empty(t, f.m.OpenOrders())
}

func TestPartialExitShrinksCompanions(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)
	bracket(t, f)

	exit := market("x1", schema.SideSell, 6)
	exit.Role = schema.RoleExit
	_, err := f.m.Submit(ctx, exit)
	require.NoError(t, err)
	f.drain(t)

	f.sim.OnBar(bar(2, "102", "103", "101", "102"))
	f.drain(t)

	assert.Equal(t, schema.Quantity(4), f.ledger.Snapshot().Quantity("AAPL"))
	assert.Equal(t, OrderStateCancelled, f.state(t, "c1-sl"))
	assert.Equal(t, OrderStateCancelled, f.state(t, "c1-tp"))
	open := f.m.OpenOrders()
	require.Len(t, open, 2)
	roles := make(map[schema.OrderRole]schema.Quantity)
	for _, o := range open {
		assert.Equal(t, "c1", o.Request.ParentID)
		roles[o.Request.Role] = o.Request.Quantity
	}
	assert.Equal(t, map[schema.OrderRole]schema.Quantity{schema.RoleStopLoss: 4, schema.RoleTakeProfit: 4}, roles)

	f.sim.OnBar(bar(3, "96", "97", "94", "95"))
	f.drain(t)

	assert.Equal(t, schema.Quantity(0), f.ledger.Snapshot().Quantity("AAPL"))
	assert.Empty(t, f.m.OpenOrders())
	assert.Zero(t, f.m.Mismatches())
	assert.Zero(t, f.alerts.Count(alert.KindReconciliationMismatch))
}

func TestTrailingStopRatchets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrailingStop = true
	cfg.StopLossFraction = dec("0.05")
	f := newFixture(t, nil, broker.NewSim(broker.SimConfig{}), cfg, Options{})
	bracket(t, f)

	ctx := context.Background()
	up := bar(2, "104", "106", "103", "106")
	f.sim.OnBar(up)
	f.drain(t)
	f.m.OnBar(ctx, up)
	f.drain(t)

	assert.Equal(t, OrderStateCancelled, f.state(t, "c1-sl"))
	var stop Order
	for _, o := range f.m.OpenOrders() {
		if o.Request.Role == schema.RoleStopLoss {
			stop = o
		}
	}
	require.NotEmpty(t, stop.Request.ClientOrderID)
	assert.True(t, stop.Request.StopPrice.Equal(dec("100.7")), stop.Request.StopPrice.String())

	down := bar(3, "105", "105", "104", "104")
	f.sim.OnBar(down)
	f.drain(t)
	f.m.OnBar(ctx, down)
	f.drain(t)

	o, _ := f.m.Order(stop.Request.ClientOrderID)
	assert.Equal(t, OrderStateAccepted, o.State, "a lower close never loosens the stop")
	assert.True(t, o.Request.StopPrice.Equal(dec("100.7")))
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	closeAt := t0.Add(6*time.Hour + 30*time.Minute)
	f := newFixture(t, nil, broker.NewSim(broker.SimConfig{}), DefaultConfig(), Options{Expiry: fixedExpiry(closeAt)})

	req := market("c1", schema.SideBuy, 10)
	req.Type = schema.OrderTypeLimit
	req.LimitPrice = dec("90")
	_, err := f.m.Submit(ctx, req)
	require.NoError(t, err)
	f.drain(t)

	assert.Empty(t, f.m.ExpireDue(ctx, closeAt.Add(-time.Minute)))
	expired := f.m.ExpireDue(ctx, closeAt)
	require.Len(t, expired, 1)
	assert.Equal(t, OrderStateExpired, expired[0].State)
	f.drain(t)

	assert.Equal(t, OrderStateExpired, f.state(t, "c1"))
	st, err := f.sim.GetOrder(ctx, expired[0].BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, st.Status)
	assert.Equal(t, 1, f.alerts.Count(alert.KindOrderExpired))
}

// cancelOutage fails the first cancellations as if the session were down.
type cancelOutage struct {
	broker.Gateway
	failures int
}

func (g *cancelOutage) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if g.failures > 0 {
		g.failures--
		return broker.ErrUnavailable
	}
	return g.Gateway.CancelOrder(ctx, brokerOrderID)
}

func TestExpireDueWaitsForBrokerCancel(t *testing.T) {
	ctx := context.Background()
	closeAt := t0.Add(6*time.Hour + 30*time.Minute)
	sim := broker.NewSim(broker.SimConfig{})
	gw := &cancelOutage{Gateway: sim, failures: 1}
	f := newFixture(t, gw, sim, DefaultConfig(), Options{Expiry: fixedExpiry(closeAt)})

	req := market("c1", schema.SideBuy, 10)
	req.Type = schema.OrderTypeLimit
	req.LimitPrice = dec("90")
	o, err := f.m.Submit(ctx, req)
	require.NoError(t, err)
	f.drain(t)

	assert.Empty(t, f.m.ExpireDue(ctx, closeAt))
	assert.Equal(t, OrderStateAccepted, f.state(t, "c1"))
	assert.Len(t, f.m.OpenOrders(), 1)
	st, err := sim.GetOrder(ctx, o.BrokerOrderID)
	require.NoError(t, err)
	assert.True(t, st.Status.Open())

	expired := f.m.ExpireDue(ctx, closeAt.Add(time.Minute))
	require.Len(t, expired, 1)
	f.drain(t)
	assert.Equal(t, OrderStateExpired, f.state(t, "c1"))
	st, err = sim.GetOrder(ctx, o.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, st.Status)
}

func TestReconcileAdoptsUnknownBrokerOrder(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	_, err := f.sim.SubmitOrder(ctx, market("stray", schema.SideBuy, 5))
	require.NoError(t, err)
	f.discard()

	require.NoError(t, f.m.Reconcile(ctx))
	assert.Equal(t, OrderStateAccepted, f.state(t, "stray"))
	assert.Equal(t, 1, f.m.Mismatches())
	assert.Equal(t, 1, f.alerts.Count(alert.KindReconciliationMismatch))

	require.NoError(t, f.m.Reconcile(ctx))
	assert.Equal(t, 1, f.m.Mismatches(), "a converged book reports nothing")
}

func TestReconcileBooksMissedFill(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	_, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	f.drain(t)

	f.sim.OnBar(bar(1, "100", "101", "99", "100"))
	f.discard()

	require.NoError(t, f.m.Reconcile(ctx))
	o, _ := f.m.Order("c1")
	assert.Equal(t, OrderStateFilled, o.State)
	assert.Equal(t, schema.Quantity(10), f.ledger.Snapshot().Quantity("AAPL"))
	assert.True(t, f.ledger.Applied("reconcile:c1:10"))
	assert.Positive(t, f.m.Mismatches())

	require.NoError(t, f.m.Reconcile(ctx))
	assert.Equal(t, schema.Quantity(10), f.ledger.Snapshot().Quantity("AAPL"))
}

// snapshotGateway reports a fixed broker book, as seen by a reconciliation that runs before
// the broker's fill events are delivered.
type snapshotGateway struct {
	broker.Gateway
	open []broker.OrderStatus
}

func (g *snapshotGateway) ListOpenOrders(context.Context) ([]broker.OrderStatus, error) {
	return g.open, nil
}

func TestReconcileCoverAbsorbsLateBrokerFills(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSim(broker.SimConfig{})
	gw := &snapshotGateway{Gateway: sim}
	f := newFixture(t, gw, sim, DefaultConfig(), Options{})

	o, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 100))
	require.NoError(t, err)
	f.drain(t)

	gw.open = []broker.OrderStatus{{
		ClientOrderID: "c1",
		BrokerOrderID: o.BrokerOrderID,
		Request:       o.Request,
		Status:        broker.StatusPartiallyFilled,
		FilledQty:     50,
		AvgFillPrice:  dec("100"),
		UpdatedAt:     t0,
	}}
	require.NoError(t, f.m.Reconcile(ctx))
	assert.Equal(t, schema.Quantity(50), f.ledger.Snapshot().Quantity("AAPL"))

	fill := func(id string, qty int64) broker.Event {
		return broker.Event{Kind: broker.EventFill, ClientOrderID: "c1", BrokerOrderID: o.BrokerOrderID, Time: t0, Fill: schema.Fill{
			FillID: id, ClientOrderID: "c1", BrokerOrderID: o.BrokerOrderID, Symbol: "AAPL", Side: schema.SideBuy,
			Quantity: schema.Quantity(qty), Price: dec("100"), Fee: decimal.Zero, Time: t0,
		}}
	}

	// the executions reconciliation already booked
	require.NoError(t, f.m.HandleEvent(ctx, fill("b1", 30)))
	require.NoError(t, f.m.HandleEvent(ctx, fill("b2", 20)))
	got, _ := f.m.Order("c1")
	assert.Equal(t, schema.Quantity(50), got.FilledQty)
	assert.Equal(t, OrderStatePartiallyFilled, got.State)
	assert.Zero(t, got.ReconciledQty)
	assert.Equal(t, schema.Quantity(50), f.ledger.Snapshot().Quantity("AAPL"))

	require.NoError(t, f.m.HandleEvent(ctx, fill("b3", 50)))
	got, _ = f.m.Order("c1")
	assert.Equal(t, OrderStateFilled, got.State)
	assert.Equal(t, schema.Quantity(100), f.ledger.Snapshot().Quantity("AAPL"))
}

func TestReconcileCoverBooksOnlyTheExcess(t *testing.T) {
	ctx := context.Background()
	sim := broker.NewSim(broker.SimConfig{})
	gw := &snapshotGateway{Gateway: sim}
	f := newFixture(t, gw, sim, DefaultConfig(), Options{})

	o, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 100))
	require.NoError(t, err)
	f.drain(t)
	gw.open = []broker.OrderStatus{{ClientOrderID: "c1", BrokerOrderID: o.BrokerOrderID, Request: o.Request,
		Status: broker.StatusPartiallyFilled, FilledQty: 50, AvgFillPrice: dec("100"), UpdatedAt: t0}}
	require.NoError(t, f.m.Reconcile(ctx))

	// 50 covered, 10 new
	require.NoError(t, f.m.HandleEvent(ctx, broker.Event{Kind: broker.EventFill, ClientOrderID: "c1", Time: t0, Fill: schema.Fill{
		FillID: "b1", ClientOrderID: "c1", Symbol: "AAPL", Side: schema.SideBuy, Quantity: 60, Price: dec("101"), Fee: decimal.Zero, Time: t0,
	}}))
	got, _ := f.m.Order("c1")
	assert.Equal(t, schema.Quantity(60), got.FilledQty)
	assert.Zero(t, got.ReconciledQty)
	assert.Equal(t, schema.Quantity(60), f.ledger.Snapshot().Quantity("AAPL"))
}

func TestReconcileCancelsOrderClosedLocally(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	o, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	f.drain(t)

	require.NoError(t, f.m.HandleEvent(ctx, broker.Event{Kind: broker.EventAck, ClientOrderID: "c1", BrokerOrderID: o.BrokerOrderID, Status: broker.StatusCancelled, Time: t0}))
	assert.Equal(t, OrderStateCancelled, f.state(t, "c1"))

	require.NoError(t, f.m.Reconcile(ctx))
	st, err := f.sim.GetOrder(ctx, o.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, st.Status)
	assert.Equal(t, 1, f.m.Mismatches())
}

func TestReconnectTriggersReconcile(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	_, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	f.drain(t)

	f.sim.Disconnect()
	f.drain(t)
	assert.False(t, f.m.Connected())

	_, err = f.m.Submit(ctx, market("c2", schema.SideBuy, 10))
	require.Error(t, err)

	f.sim.OnBar(bar(1, "100", "101", "99", "100"))
	// the fill is lost with the session
	for ev := range f.sim.Events() {
		if ev.Kind == broker.EventFill {
			break
		}
	}
	f.sim.Reconnect()
	f.drain(t)

	assert.True(t, f.m.Connected())
	assert.Equal(t, OrderStateFilled, f.state(t, "c1"))
	assert.Equal(t, schema.Quantity(10), f.ledger.Snapshot().Quantity("AAPL"))
}

func TestFillOnCancelledOrderIsBookedAndReported(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	o, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	f.drain(t)
	require.NoError(t, f.m.HandleEvent(ctx, broker.Event{Kind: broker.EventAck, ClientOrderID: "c1", BrokerOrderID: o.BrokerOrderID, Status: broker.StatusCancelled, Time: t0}))

	f.sim.OnBar(bar(1, "100", "101", "99", "100"))
	f.drain(t)

	assert.Equal(t, schema.Quantity(10), f.ledger.Snapshot().Quantity("AAPL"))
	assert.Equal(t, 1, f.m.Mismatches())
}

func TestCancelAll(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)

	for _, id := range []string{"c1", "c2"} {
		req := market(id, schema.SideBuy, 10)
		req.Type = schema.OrderTypeLimit
		req.LimitPrice = dec("50")
		_, err := f.m.Submit(ctx, req)
		require.NoError(t, err)
	}
	f.drain(t)

	pending := f.m.Pending(nil)
	assert.True(t, pending.Notional.Equal(dec("1000")), pending.Notional.String())
	assert.Contains(t, pending.Symbols, "AAPL")

	require.NoError(t, f.m.CancelAll(ctx))
	f.drain(t)
	assert.Empty(t, f.m.OpenOrders())
	assert.Equal(t, 2, f.m.Summary()[OrderStateCancelled])
	assert.True(t, f.m.Pending(nil).Notional.IsZero())
}

func TestExportRestore(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)
	bracket(t, f)

	book := f.m.Export()
	require.Len(t, book.Orders, 2)
	require.Contains(t, book.Groups, "c1")

	restored := NewManager(DefaultConfig(), f.sim, f.ledger, Options{Sleeper: backoff.NoSleep{}})
	require.NoError(t, restored.Restore(book))
	require.Error(t, restored.Restore(book))
	assert.Len(t, restored.OpenOrders(), 2)

	f.sim.OnBar(bar(2, "96", "97", "94", "95"))
	for {
		select {
		case ev := <-f.sim.Events():
			require.NoError(t, restored.HandleEvent(ctx, ev))
			continue
		default:
		}
		break
	}
	o, _ := restored.Order("c1-tp")
	assert.Equal(t, OrderStateCancelled, o.State)
	assert.Equal(t, schema.Quantity(0), f.ledger.Snapshot().Quantity("AAPL"))
}

func TestReplayCatchesUpRestoredOrderWithoutRebooking(t *testing.T) {
	ctx := context.Background()
	f := newSimFixture(t)
	_, err := f.m.Submit(ctx, market("c1", schema.SideBuy, 10))
	require.NoError(t, err)
	f.drain(t)
	book := f.m.Export()

	// the fill reached the journal and the ledger, then the process died
	f.sim.OnBar(bar(1, "100", "101", "99", "100"))
	var fill schema.Fill
	for {
		select {
		case ev := <-f.sim.Events():
			if ev.Kind == broker.EventFill {
				fill = ev.Fill
			}
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, fill.FillID)
	_, err = f.ledger.ApplyFill(fill)
	require.NoError(t, err)

	restored := NewManager(DefaultConfig(), f.sim, f.ledger, Options{Sleeper: backoff.NoSleep{}})
	require.NoError(t, restored.Restore(book))
	require.NoError(t, restored.Replay(ctx, fill))
	require.NoError(t, restored.Replay(ctx, fill))

	o, ok := restored.Order("c1")
	require.True(t, ok)
	assert.Equal(t, OrderStateFilled, o.State)
	require.NoError(t, restored.Reconcile(ctx))
	assert.Zero(t, restored.Mismatches())
	assert.Equal(t, schema.Quantity(10), f.ledger.Snapshot().Quantity("AAPL"))
}
