package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/ledger"
	"tradecore/internal/schema"
)

type MACrossoverConfig struct {
	Fast               int             `json:"fast" mapstructure:"fast"`
	Slow               int             `json:"slow" mapstructure:"slow"`
	VolumeWindow       int             `json:"volumeWindow" mapstructure:"volume_window"`
	TargetWeight       decimal.Decimal `json:"targetWeight" mapstructure:"target_weight"`
	StopLossFraction   decimal.Decimal `json:"stopLossFraction" mapstructure:"stop_loss_fraction"`
	TakeProfitFraction decimal.Decimal `json:"takeProfitFraction" mapstructure:"take_profit_fraction"`
}

func DefaultMACrossoverConfig() MACrossoverConfig {
	return MACrossoverConfig{
		Fast:               10,
		Slow:               20,
		VolumeWindow:       20,
		TargetWeight:       decimal.RequireFromString("0.05"),
		StopLossFraction:   decimal.RequireFromString("0.02"),
		TakeProfitFraction: decimal.RequireFromString("0.05"),
	}
}

type maState struct {
	closes   *window
	volumes  *window
	prevDiff decimal.Decimal
	hasPrev  bool
}

// MACrossover goes long when the fast SMA crosses above the slow SMA and flattens on the opposite cross.
type MACrossover struct {
	id      string
	symbols []string
	cfg     MACrossoverConfig
	state   map[string]*maState
}

func NewMACrossover(id string, symbols []string, cfg MACrossoverConfig) (*MACrossover, error) {
	def := DefaultMACrossoverConfig()
	if cfg.Fast <= 0 {
		cfg.Fast = def.Fast
	}
	if cfg.Slow <= 0 {
		cfg.Slow = def.Slow
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = def.VolumeWindow
	}
	if cfg.TargetWeight.Sign() <= 0 {
		cfg.TargetWeight = def.TargetWeight
	}
	if cfg.Fast >= cfg.Slow {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", cfg.Fast, cfg.Slow)
	}
	return &MACrossover{id: id, symbols: symbols, cfg: cfg, state: make(map[string]*maState)}, nil
}

func (s *MACrossover) ID() string {
	return s.id
}

func (s *MACrossover) Symbols() []string {
	return s.symbols
}

func (s *MACrossover) Evaluate(ev schema.MarketEvent, snap ledger.Snapshot) (schema.TradeIntent, bool) {
	sym := ev.Symbol()
	st, ok := s.state[sym]
	if !ok {
		st = &maState{closes: newWindow(s.cfg.Slow), volumes: newWindow(s.cfg.VolumeWindow)}
		s.state[sym] = st
	}

	price := ev.Price()
	st.closes.push(price)
	st.volumes.push(decimal.NewFromInt(ev.Volume()))
	if !st.closes.full() {
		return schema.TradeIntent{}, false
	}

	fast := st.closes.mean(s.cfg.Fast)
	slow := st.closes.mean(s.cfg.Slow)
	diff := fast.Sub(slow)
	prev, hadPrev := st.prevDiff, st.hasPrev
	st.prevDiff, st.hasPrev = diff, true
	if !hadPrev {
		return schema.TradeIntent{}, false
	}

	crossAbove := diff.IsPositive() && !prev.IsPositive()
	crossBelow := diff.IsNegative() && !prev.IsNegative()
	pos := snap.Quantity(sym)

	intent := schema.TradeIntent{
		StrategyID: s.id,
		Symbol:     sym,
		Price:      price,
		Time:       ev.Time(),
	}
	one := decimal.NewFromInt(1)
	switch {
	case crossAbove && pos == 0:
		intent.Direction = schema.DirectionLong
		intent.TargetWeight = s.cfg.TargetWeight
		intent.Confidence = s.strength(st, price, diff, slow, ev.Volume())
		if s.cfg.StopLossFraction.IsPositive() {
			intent.StopPrice = price.Mul(one.Sub(s.cfg.StopLossFraction)).Round(2)
		}
		if s.cfg.TakeProfitFraction.IsPositive() {
			intent.TargetPrice = price.Mul(one.Add(s.cfg.TakeProfitFraction)).Round(2)
		}
		intent.Reason = fmt.Sprintf("sma%d crossed above sma%d", s.cfg.Fast, s.cfg.Slow)
	case crossBelow && pos > 0:
		intent.Direction = schema.DirectionFlat
		intent.Confidence = one
		intent.Reason = fmt.Sprintf("sma%d crossed below sma%d", s.cfg.Fast, s.cfg.Slow)
	default:
		return schema.TradeIntent{}, false
	}
	return intent, true
}

// strength blends crossover momentum, volume confirmation and trend distance into (0.5, 1].
func (s *MACrossover) strength(st *maState, price, diff, slow decimal.Decimal, volume int64) decimal.Decimal {
	half := decimal.RequireFromString("0.5")
	quarter := decimal.RequireFromString("0.25")

	momentum := decimal.Min(diff.Abs().Div(price).Mul(decimal.NewFromInt(10)), half)

	volumeScore := decimal.Zero
	if avg := st.volumes.mean(st.volumes.len()); avg.IsPositive() {
		ratio := decimal.NewFromInt(volume).Div(avg)
		if ratio.GreaterThan(decimal.NewFromInt(1)) {
			volumeScore = decimal.Min(ratio.Sub(decimal.NewFromInt(1)).Mul(quarter), quarter)
		}
	}

	trend := decimal.Zero
	if slow.IsPositive() {
		trend = decimal.Min(price.Sub(slow).Abs().Div(slow).Mul(decimal.NewFromInt(2)), quarter)
	}

	return decimal.Min(half.Add(momentum).Add(volumeScore).Add(trend), decimal.NewFromInt(1)).Round(4)
}
