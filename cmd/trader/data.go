package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/yanun0323/logs"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/mdg"
	"tradecore/internal/ops"
	"tradecore/internal/schema"
	"tradecore/pkg/backoff"
)

// historicalFeed picks the bar source named by the data config.
func historicalFeed(loaded ops.Loaded) (mdg.HistoricalFeed, error) {
	switch loaded.Data.Source {
	case ops.DataSourceCSV:
		return mdg.CSVFeed{Dir: loaded.Data.Dir}, nil
	case ops.DataSourceSynthetic:
		return mdg.NewGenerator(loaded.Registry, loaded.Data.Generator, loaded.Calendar)
	}
	return nil, fmt.Errorf("unknown data source %q", loaded.Data.Source)
}

// loadReplay normalizes the configured window for every registered symbol.
func loadReplay(ctx context.Context, loaded ops.Loaded, sink alert.Sink) (*mdg.Replay, error) {
	feed, err := historicalFeed(loaded)
	if err != nil {
		return nil, err
	}
	adj := mdg.NewAdjuster(loaded.Data.Adjustments)
	rp := mdg.NewReplay(feed, loaded.Registry, loaded.Data.Window, adj, loaded.Calendar, sink)
	if err := rp.Load(ctx); err != nil {
		return nil, fmt.Errorf("load market data: %w", err)
	}
	if rp.Len() == 0 {
		return nil, fmt.Errorf("no market data between %s and %s", loaded.Data.Window.From.Format(time.DateOnly), loaded.Data.Window.To.Format(time.DateOnly))
	}
	logs.Infof("loaded %d market events for %d symbols", rp.Len(), loaded.Registry.SymbolCount())
	return rp, nil
}

// paperStream pushes the configured history through the live normalization path, as a vendor
// feed would, so the live loop can trade it against the simulated broker.
func paperStream(ctx context.Context, loaded ops.Loaded, sink alert.Sink) (*mdg.Stream, error) {
	feed, err := historicalFeed(loaded)
	if err != nil {
		return nil, err
	}
	w := loaded.Data.Window
	var records []mdg.RawRecord
	for _, sym := range loaded.Registry.Symbols() {
		recs, err := feed.FetchHistorical(ctx, sym, w.From, w.To, w.Resolution)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", sym, err)
		}
		records = append(records, recs...)
	}
	slices.SortStableFunc(records, func(a, b mdg.RawRecord) int {
		return a.Time.Compare(b.Time)
	})

	adj := mdg.NewAdjuster(loaded.Data.Adjustments)
	norm := mdg.NewNormalizer(loaded.Registry, w.Normalizer, adj, loaded.Calendar, sink)
	return mdg.NewStream(mdg.NewMemoryFeed(records...), norm, loaded.Registry.Symbols()), nil
}

// paperSource lets the simulated broker see every bar before the core does, and paces delivery.
type paperSource struct {
	inner interface {
		Run(ctx context.Context, emit func(schema.MarketEvent) error) error
	}
	sim     *broker.SimBroker
	pace    time.Duration
	sleeper backoff.Sleeper
	// after skips events already traded before a restart.
	after time.Time
	// done is called once the source is exhausted.
	done func()
}

func (p paperSource) Run(ctx context.Context, emit func(schema.MarketEvent) error) error {
	err := p.inner.Run(ctx, func(ev schema.MarketEvent) error {
		if !p.after.IsZero() && !ev.Time().After(p.after) {
			return nil
		}
		if ev.Kind == schema.MarketDataBar {
			p.sim.OnBar(ev.Bar)
		}
		if err := emit(ev); err != nil {
			return err
		}
		if p.pace > 0 {
			return p.sleeper.Sleep(ctx, p.pace)
		}
		return nil
	})
	if err == nil && p.done != nil {
		p.done()
	}
	return err
}
