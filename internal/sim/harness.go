package sim

import (
	"context"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/chaos"
	"tradecore/internal/clock"
	"tradecore/internal/engine"
	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/obs"
	"tradecore/internal/og"
	"tradecore/internal/recorder"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/store"
	"tradecore/internal/strategy"
	"tradecore/pkg/backoff"
)

const defaultRunID = "backtest"

// Config is the backtest account and execution model.
type Config struct {
	InitialCash decimal.Decimal  `json:"initialCash" mapstructure:"initial_cash"`
	Broker      broker.SimConfig `json:"broker" mapstructure:"broker"`
	// Chaos corrupts the broker session when set.
	Chaos *chaos.Config `json:"chaos,omitempty" mapstructure:"chaos"`
	// RunID seeds client order ids; equal ids make two runs comparable record by record.
	RunID    string `json:"runId" mapstructure:"run_id"`
	Parallel int    `json:"parallel" mapstructure:"parallel"`
}

func DefaultConfig() Config {
	return Config{
		InitialCash: decimal.NewFromInt(100_000),
		Broker:      broker.DefaultSimConfig(),
		RunID:       defaultRunID,
		Parallel:    1,
	}
}

// Setup holds what a run is driven by. Journal, Store, Metrics and Sink are optional.
type Setup struct {
	Events     iter.Seq[schema.MarketEvent]
	Strategies []strategy.Spec
	Risk       risk.Config
	Order      og.Config
	Engine     engine.Config
	Calendar   *clock.Calendar

	Journal *recorder.Journal
	Store   store.Store
	Metrics *obs.Metrics
	Sink    alert.Sink
}

// Result is the outcome of one run.
type Result struct {
	Metrics
	EquityCurve []EquityPoint         `json:"equityCurve"`
	TradeList   []ledger.ClosedTrade  `json:"tradeList"`
	Final       ledger.Snapshot       `json:"final"`
	Orders      map[og.OrderState]int `json:"orders"`
	Mismatches  int                   `json:"mismatches"`
	Events      int                   `json:"events"`
	Chaos       chaos.Stats           `json:"chaos"`
}

// Harness replays a finite event sequence through the same engine core used live, against a
// simulated broker and a clock driven by event time. Runs are single-threaded and repeatable.
type Harness struct {
	cfg   Config
	setup Setup
}

func NewHarness(cfg Config, setup Setup) (*Harness, error) {
	if setup.Events == nil {
		return nil, errors.New("sim: no events")
	}
	if setup.Calendar == nil {
		return nil, errors.New("sim: calendar is required")
	}
	if !cfg.InitialCash.IsPositive() {
		return nil, errors.New("sim: initial cash must be positive")
	}
	if cfg.RunID == "" {
		cfg.RunID = defaultRunID
	}
	if cfg.Chaos != nil {
		if err := cfg.Chaos.Validate(); err != nil {
			return nil, errors.Wrap(err, "chaos config")
		}
	}
	return &Harness{cfg: cfg, setup: setup}, nil
}

// run is the state of one Harness.Run call.
type run struct {
	core   *engine.Core
	sim    *broker.SimBroker
	faults *chaos.Gateway
	clk    *clock.Manual

	last   map[string]schema.Bar
	curve  []EquityPoint
	events int
}

// Run replays every event, then cancels working orders, closes open positions at each symbol's
// last close and reconciles with the broker. Strategy state is built fresh on every call.
func (h *Harness) Run(ctx context.Context) (Result, error) {
	gen, err := strategy.BuildGenerator(h.setup.Strategies, h.setup.Calendar, h.cfg.Parallel)
	if err != nil {
		return Result{}, errors.Wrap(err, "build strategies")
	}

	r := &run{
		sim:  broker.NewSim(h.cfg.Broker),
		clk:  clock.NewManual(time.Time{}),
		last: make(map[string]schema.Bar),
	}
	var gw broker.Gateway = r.sim
	if h.cfg.Chaos != nil {
		if r.faults, err = chaos.Wrap(r.sim, *h.cfg.Chaos); err != nil {
			return Result{}, errors.Wrap(err, "wrap broker")
		}
		gw = r.faults
	}
	if h.setup.Journal != nil {
		h.setup.Journal.UseClock(r.clk.Now)
	}

	r.core, err = engine.NewCore(ctx, h.setup.Engine, engine.Deps{
		Ledger:     ledger.New(h.cfg.InitialCash),
		Risk:       h.setup.Risk,
		Strategies: gen,
		Gateway:    gw,
		Calendar:   h.setup.Calendar,
		Order:      h.setup.Order,
		Journal:    h.setup.Journal,
		Store:      h.setup.Store,
		Metrics:    h.setup.Metrics,
		Sink:       h.setup.Sink,
		IDs:        schema.NewSequenceIDs(h.cfg.RunID),
		Sleeper:    backoff.NoSleep{},
		Clock:      r.clk,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "new core")
	}

	for ev := range h.setup.Events {
		if err := ctx.Err(); err != nil {
			return r.result(h.cfg.InitialCash), err
		}
		if err := r.step(ctx, ev); err != nil {
			return r.result(h.cfg.InitialCash), err
		}
	}
	if err := r.finish(ctx); err != nil {
		return r.result(h.cfg.InitialCash), err
	}

	res := r.result(h.cfg.InitialCash)
	logs.Infof("backtest done, events: %d, trades: %d, return: %s (%.2f%%), sharpe: %.2f",
		res.Events, res.Trades, res.TotalReturn.StringFixed(2), res.TotalReturnPct*100, res.Sharpe)
	return res, nil
}

// step executes working orders against ev first, so an order only ever fills on a bar that
// arrives after its submission, then lets the core see the event.
func (r *run) step(ctx context.Context, ev schema.MarketEvent) error {
	at := ev.Time()
	r.clk.Set(at)
	r.events++
	switch ev.Kind {
	case schema.MarketDataBar:
		r.sim.OnBar(ev.Bar)
		r.last[ev.Bar.Symbol] = ev.Bar
	case schema.MarketDataTick:
		px := ev.Price()
		r.last[ev.Tick.Symbol] = schema.Bar{Symbol: ev.Tick.Symbol, Time: at, Open: px, High: px, Low: px, Close: px}
	}
	if err := r.drain(ctx); err != nil {
		return err
	}
	if err := r.core.OnMarket(ctx, ev); err != nil {
		return errors.Wrap(err, "market event at "+at.Format(time.RFC3339))
	}
	if err := r.drain(ctx); err != nil {
		return err
	}
	r.mark(at)
	return nil
}

func (r *run) finish(ctx context.Context) error {
	if r.faults != nil {
		r.faults.Flush()
	}
	if err := r.drain(ctx); err != nil {
		return err
	}
	if err := r.reconcile(ctx); err != nil {
		return err
	}

	if err := r.core.Orders().CancelAll(ctx); err != nil {
		logs.Warnf("cancel working orders at end of data, err: %+v", err)
	}
	if err := r.drain(ctx); err != nil {
		return err
	}

	end := r.clk.Now()
	if err := r.core.Flatten(ctx, end); err != nil {
		logs.Warnf("flatten at end of data, err: %+v", err)
	}
	for _, sym := range slices.Sorted(maps.Keys(r.last)) {
		r.sim.FillAtClose(r.last[sym])
	}
	if err := r.drain(ctx); err != nil {
		return err
	}
	if err := r.reconcile(ctx); err != nil {
		return err
	}
	r.mark(end)
	// the end-of-data exits come after the last periodic checkpoint
	if err := r.core.Checkpoint(ctx, end); err != nil {
		return errors.Wrap(err, "final checkpoint")
	}
	return nil
}

func (r *run) reconcile(ctx context.Context) error {
	if err := r.core.Reconcile(ctx); err != nil {
		if errors.Is(err, engine.ErrHalted) {
			return err
		}
		logs.Warnf("reconcile, err: %+v", err)
	}
	if r.faults != nil {
		r.faults.Flush()
	}
	return r.drain(ctx)
}

// drain delivers every broker event available now, including the ones its own handling triggers.
func (r *run) drain(ctx context.Context) error {
	events := r.sim.Events()
	if r.faults != nil {
		events = r.faults.Events()
	}
	for {
		select {
		case ev := <-events:
			if err := r.core.OnBroker(ctx, ev); err != nil {
				return errors.Wrap(err, "broker "+ev.Kind.String()+" event")
			}
			continue
		default:
		}
		if r.faults == nil || r.faults.Pump() == 0 {
			return nil
		}
	}
}

// mark records equity for at, replacing the point of an earlier event with the same timestamp.
func (r *run) mark(at time.Time) {
	p := EquityPoint{Time: at, Equity: r.core.Ledger().Snapshot().Equity}
	if n := len(r.curve); n > 0 && r.curve[n-1].Time.Equal(at) {
		r.curve[n-1] = p
		return
	}
	r.curve = append(r.curve, p)
}

func (r *run) result(initial decimal.Decimal) Result {
	res := Result{
		EquityCurve: r.curve,
		Events:      r.events,
	}
	if r.core == nil {
		return res
	}
	res.TradeList = r.core.Ledger().Trades()
	res.Metrics = ComputeMetrics(initial, r.curve, res.TradeList)
	res.Final = r.core.Ledger().Snapshot()
	res.Orders = r.core.Orders().Summary()
	res.Mismatches = r.core.Orders().Mismatches()
	if r.faults != nil {
		res.Chaos = r.faults.Stats()
	}
	return res
}
