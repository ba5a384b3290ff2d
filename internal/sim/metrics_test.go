package sim

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"tradecore/internal/ledger"
)

func curveOf(values ...string) []EquityPoint {
	t0 := time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC)
	out := make([]EquityPoint, 0, len(values))
	for i, v := range values {
		out = append(out, EquityPoint{Time: t0.AddDate(0, 0, i), Equity: decimal.RequireFromString(v)})
	}
	return out
}

func tradesWith(pnls ...string) []ledger.ClosedTrade {
	out := make([]ledger.ClosedTrade, 0, len(pnls))
	for _, p := range pnls {
		out = append(out, ledger.ClosedTrade{Symbol: "AAPL", Quantity: 1, PnL: decimal.RequireFromString(p)})
	}
	return out
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics(decimal.NewFromInt(100), curveOf("100", "110", "99", "120"), tradesWith("50", "-20", "0", "30"))

	assert.Equal(t, "120", m.FinalCapital.String())
	assert.Equal(t, "20", m.TotalReturn.String())
	assert.InDelta(t, 0.2, m.TotalReturnPct, 1e-12)

	assert.Equal(t, 4, m.Trades)
	assert.Equal(t, 2, m.Winners)
	assert.Equal(t, 2, m.Losers, "a flat trade counts as a loser")
	assert.InDelta(t, 0.5, m.WinRate, 1e-12)
	assert.Equal(t, "40", m.AvgWin.String())
	assert.Equal(t, "10", m.AvgLoss.String())
	assert.InDelta(t, 4.0, m.ProfitFactor, 1e-12)

	assert.Equal(t, "11", m.MaxDrawdown.String())
	assert.InDelta(t, 0.1, m.MaxDrawdownPct, 1e-12)
	assert.InDelta(t, 7.099, m.Sharpe, 1e-3)
}

func TestComputeMetricsEdgeCases(t *testing.T) {
	initial := decimal.NewFromInt(1000)

	t.Run("empty curve", func(t *testing.T) {
		m := ComputeMetrics(initial, nil, tradesWith("10"))
		assert.True(t, m.FinalCapital.Equal(initial))
		assert.True(t, m.TotalReturn.IsZero())
		assert.Zero(t, m.Trades)
		assert.Zero(t, m.Sharpe)
	})

	t.Run("no losses", func(t *testing.T) {
		m := ComputeMetrics(initial, curveOf("1000", "1010"), tradesWith("10"))
		assert.True(t, math.IsInf(m.ProfitFactor, 1))
		assert.True(t, m.AvgLoss.IsZero())
		assert.InDelta(t, 1.0, m.WinRate, 1e-12)
	})

	t.Run("no trades", func(t *testing.T) {
		m := ComputeMetrics(initial, curveOf("1000", "1000", "1000"), nil)
		assert.Zero(t, m.ProfitFactor)
		assert.Zero(t, m.WinRate)
		assert.Zero(t, m.Sharpe, "a flat curve has no volatility")
		assert.True(t, m.MaxDrawdown.IsZero())
	})

	t.Run("monotonic curve", func(t *testing.T) {
		m := ComputeMetrics(initial, curveOf("1000", "1010", "1030", "1040"), nil)
		assert.True(t, m.MaxDrawdown.IsZero())
		assert.Greater(t, m.Sharpe, 0.0)
	})
}
