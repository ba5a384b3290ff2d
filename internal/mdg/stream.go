package mdg

import (
	"context"
	"sync/atomic"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

var ErrStreamConsumed = errors.New("live stream already started")

// LiveFeed pushes raw records for the subscribed symbols until ctx ends or the feed closes the channel.
type LiveFeed interface {
	Subscribe(ctx context.Context, symbols []string) (<-chan RawRecord, error)
}

// Stream is the live, single-use market event sequence.
type Stream struct {
	feed    LiveFeed
	norm    *Normalizer
	symbols []string
	started atomic.Bool
}

func NewStream(feed LiveFeed, norm *Normalizer, symbols []string) *Stream {
	return &Stream{feed: feed, norm: norm, symbols: symbols}
}

// Run delivers normalized events to emit until ctx ends or the feed closes. Malformed records are reported and skipped.
// A Stream runs at most once.
func (s *Stream) Run(ctx context.Context, emit func(schema.MarketEvent) error) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStreamConsumed
	}
	ch, err := s.feed.Subscribe(ctx, s.symbols)
	if err != nil {
		return errors.Wrap(err, "subscribe market data")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				for _, ev := range s.norm.Flush() {
					if err := emit(ev); err != nil {
						return err
					}
				}
				return nil
			}
			events, err := s.norm.Normalize(rec)
			if err != nil {
				s.norm.Skip(rec, err)
				continue
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
	}
}
