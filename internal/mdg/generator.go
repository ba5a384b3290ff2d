package mdg

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// GeneratorConfig shapes a seeded random walk of bars.
type GeneratorConfig struct {
	Seed       uint64        `json:"seed" mapstructure:"seed"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	BasePrice  float64       `json:"basePrice" mapstructure:"base_price"`
	Volatility float64       `json:"volatility" mapstructure:"volatility"`
	Drift      float64       `json:"drift" mapstructure:"drift"`
	BaseVolume int64         `json:"baseVolume" mapstructure:"base_volume"`
}

// TradingHours filters generated timestamps. *clock.Calendar satisfies it.
type TradingHours interface {
	InRegularSession(t time.Time) bool
}

// Generator creates synthetic bars. The same seed always yields the same history.
type Generator struct {
	symbols []string
	cfg     GeneratorConfig
	hours   TradingHours
}

// NewGenerator creates a generator for all symbols in the registry. hours may be nil to emit around the clock.
func NewGenerator(reg *schema.Registry, cfg GeneratorConfig, hours TradingHours) (*Generator, error) {
	if reg == nil || reg.SymbolCount() == 0 {
		return nil, fmt.Errorf("registry has no symbols")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 100
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.002
	}
	if cfg.BaseVolume <= 0 {
		cfg.BaseVolume = 10_000
	}
	return &Generator{symbols: reg.Symbols(), cfg: cfg, hours: hours}, nil
}

// FetchHistorical walks symbol from BasePrice starting at from. The walk depends only on the seed and the symbol.
func (g *Generator) FetchHistorical(ctx context.Context, symbol string, from, to time.Time, resolution time.Duration) ([]RawRecord, error) {
	idx := -1
	for i, s := range g.symbols {
		if s == symbol {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("symbol not found: %s", symbol)
	}
	if resolution <= 0 {
		resolution = g.cfg.Interval
	}

	rng := rand.New(rand.NewPCG(g.cfg.Seed, uint64(idx)+1))
	price := g.cfg.BasePrice * (1 + 0.1*float64(idx))
	var out []RawRecord
	for t := from; t.Before(to); t = t.Add(resolution) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.hours != nil && !g.hours.InRegularSession(t) {
			continue
		}
		rec := g.step(rng, symbol, t, &price)
		out = append(out, rec)
	}
	return out, nil
}

func (g *Generator) step(rng *rand.Rand, symbol string, t time.Time, price *float64) RawRecord {
	open := *price
	ret := g.cfg.Drift + g.cfg.Volatility*rng.NormFloat64()
	closePx := math.Max(open*(1+ret), 0.01)
	high := math.Max(open, closePx) * (1 + math.Abs(rng.NormFloat64())*g.cfg.Volatility/2)
	low := math.Min(open, closePx) * (1 - math.Abs(rng.NormFloat64())*g.cfg.Volatility/2)
	*price = closePx

	vol := float64(g.cfg.BaseVolume) * (0.5 + rng.Float64())
	return RawRecord{
		Symbol: symbol,
		Kind:   schema.MarketDataBar,
		Time:   t,
		Open:   cents(open),
		High:   cents(high),
		Low:    decimal.Max(cents(low), decimal.New(1, -2)),
		Close:  cents(closePx),
		Volume: int64(vol),
	}
}

func cents(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
