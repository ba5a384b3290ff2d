package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/clock"
	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/state"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/backoff"
)

var ErrHalted = errors.New("engine halted")

const flattenStrategyID = "flatten"

// Config tunes the core loop.
type Config struct {
	// CheckpointEvery is the number of market events between checkpoints; zero disables periodic checkpoints.
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	// InboxSize bounds the live inbox shared by market data, broker events and commands.
	InboxSize int `mapstructure:"inbox_size"`
	// CancelOnShutdown cancels every working order before the final checkpoint.
	CancelOnShutdown bool `mapstructure:"cancel_on_shutdown"`
}

func DefaultConfig() Config {
	return Config{
		CheckpointEvery:  500,
		InboxSize:        4096,
		CancelOnShutdown: true,
	}
}

// Deps are the collaborators of a Core. Journal, Store, Metrics and Sink are optional.
type Deps struct {
	Ledger       *ledger.Ledger
	Risk         risk.Config
	KillSwitches risk.KillSwitchStore
	Strategies   *strategy.Generator
	Gateway      broker.Gateway
	Calendar     *clock.Calendar
	Order        og.Config
	Journal      *recorder.Journal
	Store        store.Store
	Metrics      *obs.Metrics
	Sink         alert.Sink
	IDs          schema.IDSource
	Sleeper      backoff.Sleeper
	Clock        clock.Clock
}

// Core wires the ledger, the strategies, the risk governor and the order manager into one pipeline.
// Every state change is journaled before it is applied. Core is not safe for concurrent use.
type Core struct {
	cfg     Config
	ledger  *ledger.Ledger
	gov     *risk.Governor
	gen     *strategy.Generator
	orders  *og.Manager
	cal     *clock.Calendar
	bounds  *clock.BoundaryTracker
	journal *recorder.Journal
	store   store.Store
	metrics *obs.Metrics
	sink    alert.Sink
	clk     clock.Clock
	ids     schema.IDSource
	trace   *obs.TraceGenerator

	prices          map[string]decimal.Decimal
	opCtx           context.Context
	sinceCheckpoint int
	halted          error
}

// NewCore builds the governor and the order manager around deps. The kill switch is loaded from
// deps.KillSwitches, or deps.Store when no dedicated store is given.
func NewCore(ctx context.Context, cfg Config, deps Deps) (*Core, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Strategies == nil:
		return nil, errors.New("engine: strategies are required")
	case deps.Gateway == nil:
		return nil, errors.New("engine: broker gateway is required")
	case deps.Calendar == nil:
		return nil, errors.New("engine: calendar is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.IDs == nil {
		deps.IDs = schema.RandomIDs{}
	}
	ks := deps.KillSwitches
	if ks == nil && deps.Store != nil {
		ks = deps.Store
	}

	var base uint64
	if deps.Journal != nil {
		base = deps.Journal.Seq()
	}
	c := &Core{
		cfg:     cfg,
		ledger:  deps.Ledger,
		gen:     deps.Strategies,
		cal:     deps.Calendar,
		bounds:  clock.NewBoundaryTracker(deps.Calendar),
		journal: deps.Journal,
		store:   deps.Store,
		metrics: deps.Metrics,
		clk:     deps.Clock,
		ids:     deps.IDs,
		trace:   obs.NewTraceGenerator(base),
		prices:  make(map[string]decimal.Decimal),
		opCtx:   ctx,
	}
	c.sink = alert.Fanout{alert.OrDiscard(deps.Sink), deps.Metrics, journalSink{c}}

	gov, err := risk.NewGovernor(ctx, deps.Risk, ks, c.sink, deps.IDs)
	if err != nil {
		return nil, errors.Wrap(err, "new governor")
	}
	c.gov = gov
	c.orders = og.NewManager(deps.Order, deps.Gateway, journaledBook{c}, og.Options{
		Sleeper: deps.Sleeper,
		Expiry:  deps.Calendar,
		Sink:    c.sink,
		IDs:     deps.IDs,
	})
	if c.journal != nil && c.metrics != nil {
		c.journal.OnRecord(c.metrics.ObserveEvent)
	}
	for sym, pos := range c.ledger.Snapshot().Positions {
		c.prices[sym] = pos.MarkPrice
	}
	return c, nil
}

func (c *Core) Ledger() *ledger.Ledger { return c.ledger }

func (c *Core) Governor() *risk.Governor { return c.gov }

func (c *Core) Orders() *og.Manager { return c.orders }

func (c *Core) Metrics() *obs.Metrics { return c.metrics }

// Sink is the fan-out every alert of the core goes through.
func (c *Core) Sink() alert.Sink { return c.sink }

// Halted returns the error that stopped the core, nil while it is running.
func (c *Core) Halted() error {
	return c.halted
}

// OnMarket runs one normalized market event through the pipeline: session boundaries, marking,
// order expiry and trailing, then strategy evaluation and risk admission of every intent.
func (c *Core) OnMarket(ctx context.Context, ev schema.MarketEvent) error {
	if c.halted != nil {
		return c.halted
	}
	received := time.Now()
	c.opCtx = ctx
	c.trace.Next()
	at := ev.Time()

	for _, s := range c.bounds.Advance(at) {
		if err := c.onSession(ctx, s); err != nil {
			return c.halt(ctx, err, at)
		}
	}
	if err := c.record(ctx, ev, at); err != nil {
		return c.halt(ctx, err, at)
	}
	c.ledger.Mark(ev.Symbol(), ev.Price(), at)
	if px := ev.Price(); px.IsPositive() {
		c.prices[ev.Symbol()] = px
	}

	if ev.Kind == schema.MarketDataBar {
		c.orders.OnBar(ctx, ev.Bar)
	}
	c.orders.ExpireDue(ctx, at)

	if c.cal.IsTradingWindow(at) {
		intents, err := c.gen.Evaluate(ctx, ev, c.ledger.Snapshot())
		if err != nil {
			return errors.Wrap(err, "evaluate strategies")
		}
		c.metrics.IncIntents(len(intents))
		for _, intent := range intents {
			if err := c.admit(ctx, intent, received); err != nil {
				if errors.IsFatal(err) {
					return c.halt(ctx, err, at)
				}
				logs.Errorf("admit %s %s intent for %s, err: %+v", intent.StrategyID, intent.Direction, intent.Symbol, err)
			}
		}
	}

	c.maybeCheckpoint(ctx, at)
	return nil
}

func (c *Core) onSession(ctx context.Context, s clock.SessionEvent) error {
	if err := c.record(ctx, s, s.Time); err != nil {
		return err
	}
	switch s.Kind {
	case clock.BoundaryWeek:
		c.ledger.WeekReset()
	case clock.BoundaryDay:
		c.ledger.DayReset()
		logs.Infof("session %s opened, equity %s", s.Date, c.ledger.Snapshot().Equity.StringFixed(2))
	}
	return nil
}

func (c *Core) admit(ctx context.Context, intent schema.TradeIntent, received time.Time) error {
	if err := c.record(ctx, intent, intent.Time); err != nil {
		return err
	}
	snap := c.ledger.Snapshot()
	st := c.gov.State(snap, c.orders.Pending(c.prices))

	start := time.Now()
	d := c.gov.Evaluate(ctx, intent, st, snap)
	c.metrics.ObserveDecision(d, time.Since(start))
	if err := c.record(ctx, d, intent.Time); err != nil {
		return err
	}
	if d.PersistErr != nil {
		return errors.WrapKind(d.PersistErr, errors.KindLedgerInvariantViolation, "kill switch engaged but not stored")
	}
	if !d.Approved {
		return nil
	}

	if err := c.record(ctx, d.Order, d.Order.CreatedAt); err != nil {
		return err
	}
	var companions []schema.OrderRequest
	if d.StopLoss != nil {
		companions = append(companions, *d.StopLoss)
	}
	if d.TakeProfit != nil {
		companions = append(companions, *d.TakeProfit)
	}
	_, err := c.orders.Submit(ctx, d.Order, companions...)
	c.metrics.ObserveSubmit(err)
	if err != nil {
		if errors.IsKind(err, errors.KindSubmissionFailed) {
			logs.Warnf("order %s not submitted, err: %+v", d.Order.ClientOrderID, err)
			return nil
		}
		return err
	}
	c.metrics.ObserveOrderFlow(time.Since(received))
	return nil
}

// OnBroker applies one broker event. Fills reach the ledger through the journal.
func (c *Core) OnBroker(ctx context.Context, ev broker.Event) error {
	if c.halted != nil {
		return c.halted
	}
	c.opCtx = ctx
	c.trace.Next()
	if ev.Kind != broker.EventFill {
		if err := c.record(ctx, ev, ev.Time); err != nil {
			return c.halt(ctx, err, ev.Time)
		}
	}
	if err := c.orders.HandleEvent(ctx, ev); err != nil {
		if errors.IsFatal(err) {
			return c.halt(ctx, err, ev.Time)
		}
		logs.Errorf("handle broker %s event, err: %+v", ev.Kind, err)
	}
	return nil
}

// Reconcile brings the order book in line with the broker.
func (c *Core) Reconcile(ctx context.Context) error {
	if c.halted != nil {
		return c.halted
	}
	c.opCtx = ctx
	if err := c.orders.Reconcile(ctx); err != nil {
		if errors.IsFatal(err) {
			return c.halt(ctx, err, c.clk.Now())
		}
		return err
	}
	return nil
}

// Resume restores a checkpointed order book on a core built around a recovered ledger. Fills journaled
// after the checkpoint are replayed into their orders without booking them twice, then the book is
// reconciled with the broker. asOf positions the session tracker so the current day is not reset again.
func (c *Core) Resume(ctx context.Context, book og.Book, journaled []schema.Fill, asOf time.Time) error {
	c.opCtx = ctx
	if err := c.orders.Restore(book); err != nil {
		return errors.Wrap(err, "restore order book")
	}
	for _, f := range journaled {
		if err := c.orders.Replay(ctx, f); err != nil {
			return err
		}
	}
	c.bounds.Resume(asOf)
	if err := c.Reconcile(ctx); err != nil {
		return errors.Wrap(err, "reconcile after restart")
	}
	logs.Infof("resumed with %d working orders as of %s", len(c.orders.OpenOrders()), asOf.Format(time.RFC3339))
	return nil
}

// Flatten submits a market exit for every open position. It bypasses the risk governor:
// exits only reduce exposure.
func (c *Core) Flatten(ctx context.Context, at time.Time) error {
	if c.halted != nil {
		return c.halted
	}
	c.opCtx = ctx
	snap := c.ledger.Snapshot()
	var errs []error
	for _, sym := range snap.Symbols() {
		qty := snap.Quantity(sym)
		if qty == 0 {
			continue
		}
		side := schema.SideSell
		if qty < 0 {
			side = schema.SideBuy
		}
		req := schema.OrderRequest{
			ClientOrderID: c.ids.NextID(),
			StrategyID:    flattenStrategyID,
			Symbol:        sym,
			Side:          side,
			Quantity:      qty.Abs(),
			Type:          schema.OrderTypeMarket,
			TimeInForce:   schema.TimeInForceDay,
			Role:          schema.RoleExit,
			CreatedAt:     at,
		}
		if err := c.record(ctx, req, at); err != nil {
			return c.halt(ctx, err, at)
		}
		_, err := c.orders.Submit(ctx, req)
		c.metrics.ObserveSubmit(err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EngageKillSwitch blocks new entries until an explicit reset.
func (c *Core) EngageKillSwitch(ctx context.Context, reason, by string) error {
	return c.gov.EngageKillSwitch(ctx, reason, by, c.clk.Now())
}

// ResetKillSwitch clears the kill switch. A core halted on a fatal error stays halted.
func (c *Core) ResetKillSwitch(ctx context.Context, by string) error {
	return c.gov.ResetKillSwitch(ctx, by, c.clk.Now())
}

// SetRiskConfig swaps the governor limits between two events.
func (c *Core) SetRiskConfig(cfg risk.Config) error {
	return c.gov.SetConfig(cfg)
}

// Checkpoint persists the ledger, the working orders and the kill switch. The journal sequence
// recorded with it is the last record already reflected in that state.
func (c *Core) Checkpoint(ctx context.Context, at time.Time) error {
	c.sinceCheckpoint = 0
	if c.store == nil {
		return nil
	}
	cp := state.Checkpoint{
		Version:    state.CheckpointVersion,
		TakenAt:    at,
		Session:    c.bounds.Day(),
		KillSwitch: c.gov.KillSwitch(),
		Ledger:     c.ledger.Export(),
		Orders:     c.orders.Export(),
	}
	if c.journal != nil {
		cp.JournalSeq = c.journal.Seq()
	}
	if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return nil
}

func (c *Core) maybeCheckpoint(ctx context.Context, at time.Time) {
	if c.cfg.CheckpointEvery <= 0 || c.store == nil {
		return
	}
	c.sinceCheckpoint++
	if c.sinceCheckpoint < c.cfg.CheckpointEvery {
		return
	}
	if err := c.Checkpoint(ctx, at); err != nil {
		logs.Warnf("checkpoint at %s, err: %+v", at.Format(time.RFC3339), err)
	}
}

// record journals v under the current trace. A failed write is fatal: nothing may be applied
// that the journal cannot replay.
func (c *Core) record(ctx context.Context, v any, at time.Time) error {
	if c.journal == nil {
		return nil
	}
	if _, err := c.journal.Record(ctx, v, at, c.trace.Current()); err != nil {
		return errors.WrapKind(err, errors.KindLedgerInvariantViolation, "journal write")
	}
	return nil
}

func (c *Core) halt(ctx context.Context, cause error, at time.Time) error {
	if c.halted != nil {
		return c.halted
	}
	c.halted = fmt.Errorf("%w: %w", ErrHalted, cause)
	logs.Errorf("engine halted at %s, err: %+v", at.Format(time.RFC3339), cause)
	if err := c.gov.EngageKillSwitch(ctx, cause.Error(), "engine", at); err != nil {
		logs.Errorf("engage kill switch on halt, err: %+v", err)
	}
	return c.halted
}

// journaledBook writes each new fill to the journal before the ledger books it.
type journaledBook struct {
	c *Core
}

func (b journaledBook) ApplyFill(f schema.Fill) (ledger.Snapshot, error) {
	c := b.c
	if f.FillID != "" && c.ledger.Applied(f.FillID) {
		return c.ledger.ApplyFill(f)
	}
	if err := c.record(c.opCtx, f, f.Time); err != nil {
		return c.ledger.Snapshot(), err
	}
	snap, err := c.ledger.ApplyFill(f)
	if err == nil {
		c.metrics.IncFill()
	}
	return snap, err
}

// journalSink keeps alerts in the journal next to the events that raised them.
type journalSink struct {
	c *Core
}

func (s journalSink) Emit(e alert.Event) {
	if s.c.journal == nil {
		return
	}
	if _, err := s.c.journal.Record(s.c.opCtx, e, e.Time, s.c.trace.Current()); err != nil {
		logs.Errorf("journal alert %s, err: %+v", e.Kind, err)
	}
}
