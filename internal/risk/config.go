package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

// Config holds the governor's limits. Fractions are of current equity unless noted.
type Config struct {
	MaxPositionFraction   decimal.Decimal    `json:"maxPositionFraction" mapstructure:"max_position_fraction"`
	MaxOpenPositions      int                `json:"maxOpenPositions" mapstructure:"max_open_positions"`
	MaxAllocationFraction decimal.Decimal    `json:"maxAllocationFraction" mapstructure:"max_allocation_fraction"`
	StopLossFraction      decimal.Decimal    `json:"stopLossFraction" mapstructure:"stop_loss_fraction"`
	TakeProfitFraction    decimal.Decimal    `json:"takeProfitFraction" mapstructure:"take_profit_fraction"`
	DailyLossFraction     decimal.Decimal    `json:"dailyLossFraction" mapstructure:"daily_loss_fraction"`   // of day-start equity
	WeeklyLossFraction    decimal.Decimal    `json:"weeklyLossFraction" mapstructure:"weekly_loss_fraction"` // of week-start equity
	KillSwitchDrawdown    decimal.Decimal    `json:"killSwitchDrawdown" mapstructure:"kill_switch_drawdown"` // from peak equity
	TrailingStop          bool               `json:"trailingStop" mapstructure:"trailing_stop"`
	EntryTimeInForce      schema.TimeInForce `json:"entryTimeInForce" mapstructure:"entry_time_in_force"`
	PriceIncrement        decimal.Decimal    `json:"priceIncrement" mapstructure:"price_increment"`
}

// DefaultConfig returns the conservative production limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionFraction:   decimal.RequireFromString("0.05"),
		MaxOpenPositions:      10,
		MaxAllocationFraction: decimal.RequireFromString("0.80"),
		StopLossFraction:      decimal.RequireFromString("0.02"),
		TakeProfitFraction:    decimal.RequireFromString("0.05"),
		DailyLossFraction:     decimal.RequireFromString("0.05"),
		WeeklyLossFraction:    decimal.RequireFromString("0.10"),
		KillSwitchDrawdown:    decimal.RequireFromString("0.15"),
		EntryTimeInForce:      schema.TimeInForceDay,
		PriceIncrement:        decimal.New(1, -2),
	}
}

func (c Config) withDefaults() Config {
	if c.EntryTimeInForce == schema.TimeInForceUnknown {
		c.EntryTimeInForce = schema.TimeInForceDay
	}
	if c.PriceIncrement.Sign() <= 0 {
		c.PriceIncrement = decimal.New(1, -2)
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	fractions := []struct {
		name  string
		value decimal.Decimal
	}{
		{"maxPositionFraction", c.MaxPositionFraction},
		{"maxAllocationFraction", c.MaxAllocationFraction},
		{"stopLossFraction", c.StopLossFraction},
		{"takeProfitFraction", c.TakeProfitFraction},
		{"dailyLossFraction", c.DailyLossFraction},
		{"weeklyLossFraction", c.WeeklyLossFraction},
		{"killSwitchDrawdown", c.KillSwitchDrawdown},
	}
	for _, f := range fractions {
		if f.value.IsNegative() || f.value.GreaterThan(one) {
			return fmt.Errorf("invalid risk config: %s must be within [0, 1], got %s", f.name, f.value)
		}
	}
	if c.MaxPositionFraction.IsZero() {
		return fmt.Errorf("invalid risk config: maxPositionFraction must be > 0")
	}
	if c.MaxAllocationFraction.IsZero() {
		return fmt.Errorf("invalid risk config: maxAllocationFraction must be > 0")
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("invalid risk config: maxOpenPositions must be > 0")
	}
	if c.StopLossFraction.Equal(one) {
		return fmt.Errorf("invalid risk config: stopLossFraction must be < 1")
	}
	return nil
}
