package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quantity is a share count. Order quantities are always positive; position quantities are signed.
type Quantity int64

// Abs returns the magnitude of q.
func (q Quantity) Abs() Quantity {
	if q < 0 {
		return -q
	}
	return q
}

// Decimal converts q for money math.
func (q Quantity) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(q))
}

// MarketDataKind describes the meaning of a market event.
type MarketDataKind uint16

const (
	MarketDataUnknown MarketDataKind = iota
	MarketDataBar
	MarketDataTick
)

func (k MarketDataKind) String() string {
	switch k {
	case MarketDataBar:
		return "bar"
	case MarketDataTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Bar is an aggregated OHLCV observation. Time is the bar's open time in exchange time.
type Bar struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Tick is a single trade/quote observation.
type Tick struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"time"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Size   int64           `json:"size"`
}

// MarketEvent is the canonical normalized observation. Exactly one of Bar or Tick is set, selected by Kind.
type MarketEvent struct {
	Kind MarketDataKind `json:"kind"`
	Bar  Bar            `json:"bar"`
	Tick Tick           `json:"tick"`
}

// BarEvent wraps b into a MarketEvent.
func BarEvent(b Bar) MarketEvent {
	return MarketEvent{Kind: MarketDataBar, Bar: b}
}

// TickEvent wraps t into a MarketEvent.
func TickEvent(t Tick) MarketEvent {
	return MarketEvent{Kind: MarketDataTick, Tick: t}
}

// Symbol returns the event's symbol.
func (e MarketEvent) Symbol() string {
	if e.Kind == MarketDataTick {
		return e.Tick.Symbol
	}
	return e.Bar.Symbol
}

// Time returns the event's exchange timestamp.
func (e MarketEvent) Time() time.Time {
	if e.Kind == MarketDataTick {
		return e.Tick.Time
	}
	return e.Bar.Time
}

// Price returns the latest traded price: bar close or tick last (mid when last is unset).
func (e MarketEvent) Price() decimal.Decimal {
	if e.Kind == MarketDataTick {
		if e.Tick.Last.Sign() > 0 {
			return e.Tick.Last
		}
		return e.Tick.Bid.Add(e.Tick.Ask).Div(decimal.NewFromInt(2))
	}
	return e.Bar.Close
}

// Volume returns the bar volume or tick size.
func (e MarketEvent) Volume() int64 {
	if e.Kind == MarketDataTick {
		return e.Tick.Size
	}
	return e.Bar.Volume
}

// Side describes order direction.
type Side uint16

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the closing side of s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() Quantity {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// OrderType describes the order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
	OrderTypeStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	case OrderTypeStopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceDay
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceDay:
		return "day"
	case TimeInForceGTC:
		return "gtc"
	case TimeInForceIOC:
		return "ioc"
	case TimeInForceFOK:
		return "fok"
	default:
		return "unknown"
	}
}

// ParseTimeInForce parses a lower-case time-in-force name.
func ParseTimeInForce(s string) (TimeInForce, bool) {
	for _, tif := range []TimeInForce{TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK} {
		if tif.String() == s {
			return tif, true
		}
	}
	return TimeInForceUnknown, false
}

// Direction is a strategy's desired exposure.
type Direction uint16

const (
	DirectionUnknown Direction = iota
	DirectionLong
	DirectionShort
	DirectionFlat
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	case DirectionFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// OrderRole tags an order's purpose inside a bracket.
type OrderRole uint16

const (
	RoleEntry OrderRole = iota
	RoleExit
	RoleStopLoss
	RoleTakeProfit
)

func (r OrderRole) String() string {
	switch r {
	case RoleEntry:
		return "entry"
	case RoleExit:
		return "exit"
	case RoleStopLoss:
		return "stop_loss"
	case RoleTakeProfit:
		return "take_profit"
	default:
		return "unknown"
	}
}

// IsCompanion reports whether r is a protective order attached to an entry.
func (r OrderRole) IsCompanion() bool {
	return r == RoleStopLoss || r == RoleTakeProfit
}

// TradeIntent is a strategy's desired action before risk adjustment. Never mutated after creation.
//
// Sizing: Quantity wins when positive, otherwise Notional, otherwise TargetWeight of equity.
// StopPrice and TargetPrice are optional protective price hints.
type TradeIntent struct {
	StrategyID   string          `json:"strategyId"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Quantity     Quantity        `json:"quantity"`
	Notional     decimal.Decimal `json:"notional"`
	TargetWeight decimal.Decimal `json:"targetWeight"`
	Confidence   decimal.Decimal `json:"confidence"`
	Price        decimal.Decimal `json:"price"`
	LimitPrice   decimal.Decimal `json:"limitPrice"`
	StopPrice    decimal.Decimal `json:"stopPrice"`
	TargetPrice  decimal.Decimal `json:"targetPrice"`
	Reason       string          `json:"reason"`
	Time         time.Time       `json:"time"`
}

// OrderRequest is a risk-approved, broker-ready order. Immutable once submitted.
type OrderRequest struct {
	ClientOrderID string          `json:"clientOrderId"`
	StrategyID    string          `json:"strategyId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      Quantity        `json:"quantity"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	Role          OrderRole       `json:"role"`
	ParentID      string          `json:"parentId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Notional returns the request's notional at price.
func (r OrderRequest) Notional(price decimal.Decimal) decimal.Decimal {
	return price.Mul(r.Quantity.Decimal())
}

// Fill is a single execution reported by the broker. FillID is globally unique.
type Fill struct {
	FillID        string          `json:"fillId"`
	ClientOrderID string          `json:"clientOrderId"`
	BrokerOrderID string          `json:"brokerOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      Quantity        `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Time          time.Time       `json:"time"`
}

// Notional returns price * quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity.Decimal())
}
