package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/ledger"
	"tradecore/internal/schema"
)

// Session is the calendar view the breakout strategy needs. *clock.Calendar satisfies it.
type Session interface {
	SessionDate(t time.Time) string
	SessionOpen(t time.Time) time.Time
	SessionClose(t time.Time) time.Time
}

// ORBConfig times are offsets from the regular session open, except FlattenBeforeClose.
type ORBConfig struct {
	RangeStart         time.Duration   `json:"rangeStart" mapstructure:"range_start"`
	RangeEnd           time.Duration   `json:"rangeEnd" mapstructure:"range_end"`
	EntryEnd           time.Duration   `json:"entryEnd" mapstructure:"entry_end"`
	FlattenBeforeClose time.Duration   `json:"flattenBeforeClose" mapstructure:"flatten_before_close"`
	MinRangeBars       int             `json:"minRangeBars" mapstructure:"min_range_bars"`
	VolumeWindow       int             `json:"volumeWindow" mapstructure:"volume_window"`
	VolumeMultiplier   decimal.Decimal `json:"volumeMultiplier" mapstructure:"volume_multiplier"`
	MinRangeFraction   decimal.Decimal `json:"minRangeFraction" mapstructure:"min_range_fraction"`
	RiskFraction       decimal.Decimal `json:"riskFraction" mapstructure:"risk_fraction"`
	RewardRatio        decimal.Decimal `json:"rewardRatio" mapstructure:"reward_ratio"`
	ExitOnFailedBreak  bool            `json:"exitOnFailedBreak" mapstructure:"exit_on_failed_break"`
}

func DefaultORBConfig() ORBConfig {
	return ORBConfig{
		RangeStart:         5 * time.Minute,
		RangeEnd:           15 * time.Minute,
		EntryEnd:           90 * time.Minute,
		FlattenBeforeClose: 5 * time.Minute,
		MinRangeBars:       5,
		VolumeWindow:       20,
		VolumeMultiplier:   decimal.RequireFromString("1.5"),
		MinRangeFraction:   decimal.RequireFromString("0.002"),
		RiskFraction:       decimal.RequireFromString("0.0025"),
		RewardRatio:        decimal.NewFromInt(2),
		ExitOnFailedBreak:  true,
	}
}

type orbState struct {
	date    string
	high    decimal.Decimal
	low     decimal.Decimal
	bars    int
	volumes *window
	entered bool
}

// OpeningRangeBreakout buys a close above the early-session range on heavy volume, long only and flat by the close.
type OpeningRangeBreakout struct {
	id      string
	symbols []string
	cfg     ORBConfig
	session Session
	state   map[string]*orbState
}

func NewOpeningRangeBreakout(id string, symbols []string, session Session, cfg ORBConfig) (*OpeningRangeBreakout, error) {
	def := DefaultORBConfig()
	if cfg.RangeEnd <= 0 {
		cfg.RangeStart, cfg.RangeEnd = def.RangeStart, def.RangeEnd
	}
	if cfg.EntryEnd <= 0 {
		cfg.EntryEnd = def.EntryEnd
	}
	if cfg.FlattenBeforeClose <= 0 {
		cfg.FlattenBeforeClose = def.FlattenBeforeClose
	}
	if cfg.MinRangeBars <= 0 {
		cfg.MinRangeBars = def.MinRangeBars
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = def.VolumeWindow
	}
	if cfg.VolumeMultiplier.Sign() <= 0 {
		cfg.VolumeMultiplier = def.VolumeMultiplier
	}
	if cfg.MinRangeFraction.Sign() < 0 {
		cfg.MinRangeFraction = def.MinRangeFraction
	}
	if cfg.RiskFraction.Sign() <= 0 {
		cfg.RiskFraction = def.RiskFraction
	}
	if cfg.RewardRatio.Sign() <= 0 {
		cfg.RewardRatio = def.RewardRatio
	}
	if session == nil {
		return nil, fmt.Errorf("session calendar required")
	}
	if cfg.RangeStart >= cfg.RangeEnd || cfg.RangeEnd >= cfg.EntryEnd {
		return nil, fmt.Errorf("invalid windows: range %s-%s, entry until %s", cfg.RangeStart, cfg.RangeEnd, cfg.EntryEnd)
	}
	return &OpeningRangeBreakout{id: id, symbols: symbols, cfg: cfg, session: session, state: make(map[string]*orbState)}, nil
}

func (s *OpeningRangeBreakout) ID() string {
	return s.id
}

func (s *OpeningRangeBreakout) Symbols() []string {
	return s.symbols
}

func (s *OpeningRangeBreakout) Evaluate(ev schema.MarketEvent, snap ledger.Snapshot) (schema.TradeIntent, bool) {
	if ev.Kind != schema.MarketDataBar {
		return schema.TradeIntent{}, false
	}
	bar := ev.Bar
	st := s.stateFor(bar.Symbol, bar.Time)
	avgVolume := st.volumes.mean(st.volumes.len())
	defer st.volumes.push(decimal.NewFromInt(bar.Volume))

	elapsed := bar.Time.Sub(s.session.SessionOpen(bar.Time))
	pos := snap.Quantity(bar.Symbol)
	intent := schema.TradeIntent{StrategyID: s.id, Symbol: bar.Symbol, Price: bar.Close, Time: bar.Time, Confidence: decimal.NewFromInt(1)}

	switch {
	case elapsed < s.cfg.RangeStart:
		return schema.TradeIntent{}, false
	case elapsed < s.cfg.RangeEnd:
		if st.bars == 0 || bar.High.GreaterThan(st.high) {
			st.high = bar.High
		}
		if st.bars == 0 || bar.Low.LessThan(st.low) {
			st.low = bar.Low
		}
		st.bars++
		return schema.TradeIntent{}, false
	case !bar.Time.Before(s.session.SessionClose(bar.Time).Add(-s.cfg.FlattenBeforeClose)):
		if pos > 0 {
			intent.Direction = schema.DirectionFlat
			intent.Reason = "flatten before close"
			return intent, true
		}
		return schema.TradeIntent{}, false
	}

	if pos > 0 {
		if s.cfg.ExitOnFailedBreak && st.entered && bar.Close.LessThan(st.high) {
			intent.Direction = schema.DirectionFlat
			intent.Reason = fmt.Sprintf("failed breakout, close %s back below range high %s", bar.Close, st.high)
			return intent, true
		}
		return schema.TradeIntent{}, false
	}
	if elapsed >= s.cfg.EntryEnd || st.entered || pos != 0 || !s.validRange(st) {
		return schema.TradeIntent{}, false
	}
	if !bar.Close.GreaterThan(st.high) || !decimal.NewFromInt(bar.Volume).GreaterThan(avgVolume.Mul(s.cfg.VolumeMultiplier)) {
		return schema.TradeIntent{}, false
	}

	rng := st.high.Sub(st.low)
	shares := snap.Equity.Mul(s.cfg.RiskFraction).Div(rng).Floor().IntPart()
	if shares <= 0 {
		return schema.TradeIntent{}, false
	}
	st.entered = true
	intent.Direction = schema.DirectionLong
	intent.Quantity = schema.Quantity(shares)
	intent.StopPrice = bar.Close.Sub(rng)
	intent.TargetPrice = bar.Close.Add(rng.Mul(s.cfg.RewardRatio))
	intent.Reason = fmt.Sprintf("close %s broke range high %s on volume %d", bar.Close, st.high, bar.Volume)
	return intent, true
}

func (s *OpeningRangeBreakout) stateFor(symbol string, t time.Time) *orbState {
	date := s.session.SessionDate(t)
	st, ok := s.state[symbol]
	if !ok || st.date != date {
		volumes := newWindow(s.cfg.VolumeWindow)
		if ok {
			volumes = st.volumes
		}
		st = &orbState{date: date, volumes: volumes}
		s.state[symbol] = st
	}
	return st
}

func (s *OpeningRangeBreakout) validRange(st *orbState) bool {
	if st.bars < s.cfg.MinRangeBars || !st.low.IsPositive() || !st.high.GreaterThan(st.low) {
		return false
	}
	return st.high.Sub(st.low).Div(st.low).GreaterThanOrEqual(s.cfg.MinRangeFraction)
}
