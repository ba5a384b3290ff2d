package mdg

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

const adjustedPlaces = 4

// Adjustment is a corporate action effective from ExDate. SplitRatio is new shares per old share (2 for a 2:1 split).
// A cash dividend is converted to a price factor using ReferenceClose, the last close before ExDate.
type Adjustment struct {
	Symbol         string          `json:"symbol" mapstructure:"symbol"`
	ExDate         time.Time       `json:"exDate" mapstructure:"ex_date"`
	SplitRatio     decimal.Decimal `json:"splitRatio" mapstructure:"split_ratio"`
	CashDividend   decimal.Decimal `json:"cashDividend" mapstructure:"cash_dividend"`
	ReferenceClose decimal.Decimal `json:"referenceClose" mapstructure:"reference_close"`
}

func (a Adjustment) priceFactor() decimal.Decimal {
	f := decimal.NewFromInt(1)
	if a.SplitRatio.IsPositive() {
		f = f.Div(a.SplitRatio)
	}
	if a.CashDividend.IsPositive() && a.ReferenceClose.GreaterThan(a.CashDividend) {
		f = f.Mul(decimal.NewFromInt(1).Sub(a.CashDividend.Div(a.ReferenceClose)))
	}
	return f
}

// Adjuster back-adjusts history so that every value is comparable with the latest prices.
type Adjuster struct {
	bySymbol map[string][]Adjustment
}

func NewAdjuster(adjs []Adjustment) *Adjuster {
	a := &Adjuster{bySymbol: make(map[string][]Adjustment)}
	for _, adj := range adjs {
		a.bySymbol[adj.Symbol] = append(a.bySymbol[adj.Symbol], adj)
	}
	for _, list := range a.bySymbol {
		sort.SliceStable(list, func(i, j int) bool { return list[i].ExDate.Before(list[j].ExDate) })
	}
	return a
}

// Factors returns the cumulative price and volume multipliers for an observation of symbol at t.
func (a *Adjuster) Factors(symbol string, t time.Time) (price, volume decimal.Decimal) {
	price, volume = decimal.NewFromInt(1), decimal.NewFromInt(1)
	for _, adj := range a.bySymbol[symbol] {
		if !t.Before(adj.ExDate) {
			continue
		}
		price = price.Mul(adj.priceFactor())
		if adj.SplitRatio.IsPositive() {
			volume = volume.Mul(adj.SplitRatio)
		}
	}
	return price, volume
}

func (a *Adjuster) AdjustBar(b schema.Bar) schema.Bar {
	pf, vf := a.Factors(b.Symbol, b.Time)
	if pf.Equal(decimal.NewFromInt(1)) && vf.Equal(decimal.NewFromInt(1)) {
		return b
	}
	b.Open = b.Open.Mul(pf).Round(adjustedPlaces)
	b.High = b.High.Mul(pf).Round(adjustedPlaces)
	b.Low = b.Low.Mul(pf).Round(adjustedPlaces)
	b.Close = b.Close.Mul(pf).Round(adjustedPlaces)
	b.Volume = decimal.NewFromInt(b.Volume).Mul(vf).Round(0).IntPart()
	return b
}

func (a *Adjuster) AdjustTick(t schema.Tick) schema.Tick {
	pf, vf := a.Factors(t.Symbol, t.Time)
	if pf.Equal(decimal.NewFromInt(1)) && vf.Equal(decimal.NewFromInt(1)) {
		return t
	}
	t.Bid = t.Bid.Mul(pf).Round(adjustedPlaces)
	t.Ask = t.Ask.Mul(pf).Round(adjustedPlaces)
	t.Last = t.Last.Mul(pf).Round(adjustedPlaces)
	t.Size = decimal.NewFromInt(t.Size).Mul(vf).Round(0).IntPart()
	return t
}
