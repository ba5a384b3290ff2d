package sim

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/ledger"
)

const tradingDaysPerYear = 252

// EquityPoint is the marked portfolio value after all events of one timestamp.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Metrics summarises one run. Money stays decimal; ratios are float64.
type Metrics struct {
	InitialCapital decimal.Decimal `json:"initialCapital"`
	FinalCapital   decimal.Decimal `json:"finalCapital"`
	TotalReturn    decimal.Decimal `json:"totalReturn"`
	TotalReturnPct float64         `json:"totalReturnPct"`

	Trades       int             `json:"trades"`
	Winners      int             `json:"winners"`
	Losers       int             `json:"losers"`
	WinRate      float64         `json:"winRate"`
	AvgWin       decimal.Decimal `json:"avgWin"`
	AvgLoss      decimal.Decimal `json:"avgLoss"`
	ProfitFactor float64         `json:"profitFactor"`

	MaxDrawdown    decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownPct float64         `json:"maxDrawdownPct"`
	Sharpe         float64         `json:"sharpe"`
}

// ComputeMetrics derives performance figures from an equity curve and the closed round trips.
// A trade with zero P&L counts as a loser. Profit factor is +Inf when there are winners and no losses.
// Sharpe is annualised from per-point returns with a sample standard deviation.
func ComputeMetrics(initial decimal.Decimal, curve []EquityPoint, trades []ledger.ClosedTrade) Metrics {
	m := Metrics{
		InitialCapital: initial,
		FinalCapital:   initial,
	}
	if len(curve) == 0 {
		return m
	}
	m.FinalCapital = curve[len(curve)-1].Equity
	m.TotalReturn = m.FinalCapital.Sub(initial)
	if initial.IsPositive() {
		m.TotalReturnPct = m.TotalReturn.Div(initial).InexactFloat64()
	}

	tradeStats(&m, trades)
	m.MaxDrawdown, m.MaxDrawdownPct = drawdown(curve)
	m.Sharpe = sharpe(curve)
	return m
}

func tradeStats(m *Metrics, trades []ledger.ClosedTrade) {
	m.Trades = len(trades)
	if m.Trades == 0 {
		return
	}
	wins, losses := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.PnL.IsPositive() {
			m.Winners++
			wins = wins.Add(t.PnL)
			continue
		}
		m.Losers++
		losses = losses.Add(t.PnL)
	}
	m.WinRate = float64(m.Winners) / float64(m.Trades)
	if m.Winners > 0 {
		m.AvgWin = wins.Div(decimal.NewFromInt(int64(m.Winners)))
	}
	if m.Losers > 0 {
		m.AvgLoss = losses.Div(decimal.NewFromInt(int64(m.Losers))).Abs()
	}
	switch {
	case !losses.IsZero():
		m.ProfitFactor = wins.Div(losses.Abs()).InexactFloat64()
	case wins.IsPositive():
		m.ProfitFactor = math.Inf(1)
	}
}

// drawdown returns the deepest fall from the running peak, absolute and relative to that peak.
func drawdown(curve []EquityPoint) (decimal.Decimal, float64) {
	peak := curve[0].Equity
	worst, worstPct := decimal.Zero, 0.0
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		dd := peak.Sub(p.Equity)
		if dd.GreaterThan(worst) {
			worst = dd
		}
		if peak.IsPositive() {
			if pct := dd.Div(peak).InexactFloat64(); pct > worstPct {
				worstPct = pct
			}
		}
	}
	return worst, worstPct
}

func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		returns = append(returns, curve[i].Equity.Div(prev).Sub(decimal.NewFromInt(1)).InexactFloat64())
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var sq float64
	for _, r := range returns {
		sq += (r - mean) * (r - mean)
	}
	std := math.Sqrt(sq / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}
