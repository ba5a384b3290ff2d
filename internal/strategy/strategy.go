package strategy

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/errors"
	"tradecore/internal/ledger"
	"tradecore/internal/schema"
)

var ErrDuplicateStrategy = errors.New("strategy id already registered")

// Strategy turns market events into trade intents. Implementations mutate only their own indicator state
// and are never evaluated concurrently with themselves.
type Strategy interface {
	ID() string
	Symbols() []string
	Evaluate(ev schema.MarketEvent, snap ledger.Snapshot) (schema.TradeIntent, bool)
}

type entry struct {
	strategy Strategy
	symbols  map[string]struct{}
}

func (e entry) tracks(symbol string) bool {
	_, ok := e.symbols[symbol]
	return ok
}

// Generator fans market events out to registered strategies and merges their intents into one ordered sequence:
// earlier event time first, then registration order.
type Generator struct {
	entries  []entry
	ids      map[string]struct{}
	parallel int
}

// NewGenerator creates a generator evaluating at most parallel strategies at once. Zero or one runs them inline.
func NewGenerator(parallel int) *Generator {
	return &Generator{ids: make(map[string]struct{}), parallel: parallel}
}

func (g *Generator) Register(s Strategy) error {
	if _, ok := g.ids[s.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.ID())
	}
	e := entry{strategy: s, symbols: make(map[string]struct{}, len(s.Symbols()))}
	for _, sym := range s.Symbols() {
		e.symbols[sym] = struct{}{}
	}
	g.ids[s.ID()] = struct{}{}
	g.entries = append(g.entries, e)
	logs.Infof("strategy %s registered for %v", s.ID(), s.Symbols())
	return nil
}

// Strategies returns the registered strategies in registration order.
func (g *Generator) Strategies() []Strategy {
	out := make([]Strategy, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, e.strategy)
	}
	return out
}

// Symbols returns every tracked symbol, sorted.
func (g *Generator) Symbols() []string {
	set := make(map[string]struct{})
	for _, e := range g.entries {
		for sym := range e.symbols {
			set[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs one event through every strategy tracking its symbol.
func (g *Generator) Evaluate(ctx context.Context, ev schema.MarketEvent, snap ledger.Snapshot) ([]schema.TradeIntent, error) {
	return g.EvaluateBatch(ctx, []schema.MarketEvent{ev}, snap)
}

// EvaluateBatch runs events, in order, through every strategy. Strategies run in parallel with each other;
// a strategy that panics loses its intents for the batch and the panic is logged.
func (g *Generator) EvaluateBatch(ctx context.Context, events []schema.MarketEvent, snap ledger.Snapshot) ([]schema.TradeIntent, error) {
	if len(events) == 0 || len(g.entries) == 0 {
		return nil, nil
	}

	type tagged struct {
		intent schema.TradeIntent
		order  int
	}
	results := make([][]tagged, len(g.entries))

	eg, egCtx := errgroup.WithContext(ctx)
	if g.parallel > 0 {
		eg.SetLimit(g.parallel)
	}
	for i, e := range g.entries {
		if !slices.ContainsFunc(events, func(ev schema.MarketEvent) bool { return e.tracks(ev.Symbol()) }) {
			continue
		}
		run := func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			intents := g.run(e, events, snap)
			for _, in := range intents {
				results[i] = append(results[i], tagged{intent: in, order: i})
			}
			return nil
		}
		if g.parallel <= 1 {
			if err := run(); err != nil {
				return nil, err
			}
			continue
		}
		eg.Go(run)
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var merged []tagged
	for _, r := range results {
		merged = append(merged, r...)
	}
	sort.SliceStable(merged, func(a, b int) bool {
		ta, tb := merged[a].intent.Time, merged[b].intent.Time
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return merged[a].order < merged[b].order
	})

	out := make([]schema.TradeIntent, 0, len(merged))
	for _, m := range merged {
		out = append(out, m.intent)
	}
	return out, nil
}

func (g *Generator) run(e entry, events []schema.MarketEvent, snap ledger.Snapshot) (intents []schema.TradeIntent) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("strategy %s panicked, intents dropped, err: %v", e.strategy.ID(), r)
			intents = nil
		}
	}()
	for _, ev := range events {
		if !e.tracks(ev.Symbol()) {
			continue
		}
		in, ok := e.strategy.Evaluate(ev, snap)
		if !ok {
			continue
		}
		if in.StrategyID == "" {
			in.StrategyID = e.strategy.ID()
		}
		if in.Time.IsZero() {
			in.Time = ev.Time()
		}
		intents = append(intents, in)
	}
	return intents
}
