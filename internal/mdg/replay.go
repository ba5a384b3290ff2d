package mdg

import (
	"context"
	"iter"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradecore/internal/alert"
	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

// HistoricalFeed serves finite, ordered history for one symbol over [from, to).
type HistoricalFeed interface {
	FetchHistorical(ctx context.Context, symbol string, from, to time.Time, resolution time.Duration) ([]RawRecord, error)
}

type ReplayConfig struct {
	From       time.Time        `json:"from" mapstructure:"from"`
	To         time.Time        `json:"to" mapstructure:"to"`
	Resolution time.Duration    `json:"resolution" mapstructure:"resolution"`
	Normalizer NormalizerConfig `json:"normalizer" mapstructure:"normalizer"`
}

// Replay is a restartable, time-ordered view of a historical window across all registered symbols.
type Replay struct {
	feed  HistoricalFeed
	reg   *schema.Registry
	cfg   ReplayConfig
	adj   *Adjuster
	dates SessionDater
	sink  alert.Sink

	once   sync.Once
	err    error
	events []schema.MarketEvent
}

func NewReplay(feed HistoricalFeed, reg *schema.Registry, cfg ReplayConfig, adj *Adjuster, dates SessionDater, sink alert.Sink) *Replay {
	return &Replay{feed: feed, reg: reg, cfg: cfg, adj: adj, dates: dates, sink: sink}
}

// Load fetches and normalizes the window once. Later calls return the first result.
// Malformed records are skipped with a FeedGap alert, as on the live stream.
func (r *Replay) Load(ctx context.Context) error {
	r.once.Do(func() {
		r.events, r.err = r.load(ctx)
	})
	return r.err
}

func (r *Replay) load(ctx context.Context) ([]schema.MarketEvent, error) {
	symbols := r.reg.Symbols()
	raw := make([][]RawRecord, len(symbols))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		eg.Go(func() error {
			recs, err := r.feed.FetchHistorical(egCtx, sym, r.cfg.From, r.cfg.To, r.cfg.Resolution)
			if err != nil {
				return errors.Wrap(err, "fetch historical "+sym)
			}
			raw[i] = recs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	norm := NewNormalizer(r.reg, r.cfg.Normalizer, r.adj, r.dates, r.sink)
	var events []schema.MarketEvent
	for _, recs := range raw {
		for _, rec := range recs {
			out, err := norm.Normalize(rec)
			if err != nil {
				norm.Skip(rec, err)
				continue
			}
			events = append(events, out...)
		}
	}
	events = append(events, norm.Flush()...)
	SortEvents(r.reg, events)
	return events, nil
}

// Events yields the loaded window from the start on every call.
func (r *Replay) Events() iter.Seq[schema.MarketEvent] {
	return func(yield func(schema.MarketEvent) bool) {
		for _, ev := range r.events {
			if !yield(ev) {
				return
			}
		}
	}
}

// Len returns the number of loaded events.
func (r *Replay) Len() int {
	return len(r.events)
}
