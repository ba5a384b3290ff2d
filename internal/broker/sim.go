package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

const defaultSimEventBuffer = 4096

// SimConfig is the simulated execution cost model.
type SimConfig struct {
	CommissionPerTrade decimal.Decimal `json:"commissionPerTrade" mapstructure:"commission_per_trade"`
	CommissionRate     decimal.Decimal `json:"commissionRate" mapstructure:"commission_rate"`     // of notional
	SlippageFraction   decimal.Decimal `json:"slippageFraction" mapstructure:"slippage_fraction"` // applied to market and stop fills
	SpreadFraction     decimal.Decimal `json:"spreadFraction" mapstructure:"spread_fraction"`     // full bid-ask spread; half is charged per fill
	EventBuffer        int             `json:"eventBuffer" mapstructure:"event_buffer"`
}

// DefaultSimConfig mirrors a retail commission-free broker with 10bps costs.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		CommissionPerTrade: decimal.Zero,
		CommissionRate:     decimal.RequireFromString("0.001"),
		SlippageFraction:   decimal.RequireFromString("0.001"),
		SpreadFraction:     decimal.Zero,
		EventBuffer:        defaultSimEventBuffer,
	}
}

// SimBroker is a deterministic in-process broker driven by bars.
// Orders become eligible on the first bar delivered after submission.
type SimBroker struct {
	mu sync.Mutex

	cfg       SimConfig
	seq       uint64
	fillSeq   uint64
	orders    map[string]*OrderStatus
	byClient  map[string]string
	working   []string
	events    chan Event
	now       time.Time
	connected bool
}

// NewSim creates a simulated broker.
func NewSim(cfg SimConfig) *SimBroker {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultSimEventBuffer
	}
	return &SimBroker{
		cfg:       cfg,
		orders:    make(map[string]*OrderStatus),
		byClient:  make(map[string]string),
		events:    make(chan Event, cfg.EventBuffer),
		connected: true,
	}
}

var _ Gateway = (*SimBroker)(nil)
var _ OrderQuerier = (*SimBroker)(nil)

func (b *SimBroker) Events() <-chan Event {
	return b.events
}

// SubmitOrder accepts or rejects req asynchronously. Resubmitting a known client id returns the original broker id.
func (b *SimBroker) SubmitOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return "", ErrUnavailable
	}
	if req.ClientOrderID == "" {
		return "", fmt.Errorf("%w: empty client order id", ErrRejected)
	}
	if id, ok := b.byClient[req.ClientOrderID]; ok {
		return id, nil
	}

	b.seq++
	id := fmt.Sprintf("SIM-%06d", b.seq)
	st := &OrderStatus{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: id,
		Request:       req,
		AvgFillPrice:  decimal.Zero,
		UpdatedAt:     b.now,
	}
	b.orders[id] = st
	b.byClient[req.ClientOrderID] = id

	if reason := validate(req); reason != "" {
		st.Status = StatusRejected
		b.emit(Event{Kind: EventRejection, ClientOrderID: req.ClientOrderID, BrokerOrderID: id, Status: StatusRejected, Reason: reason, Time: b.now})
		return id, nil
	}
	st.Status = StatusAccepted
	b.working = append(b.working, id)
	b.emit(Event{Kind: EventAck, ClientOrderID: req.ClientOrderID, BrokerOrderID: id, Status: StatusAccepted, Time: b.now})
	return id, nil
}

func validate(req schema.OrderRequest) string {
	switch {
	case req.Quantity <= 0:
		return "quantity must be positive"
	case req.Side != schema.SideBuy && req.Side != schema.SideSell:
		return "unknown side"
	case req.Symbol == "":
		return "empty symbol"
	}
	switch req.Type {
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if !req.LimitPrice.IsPositive() {
			return "limit price required"
		}
	case schema.OrderTypeStop:
		if !req.StopPrice.IsPositive() {
			return "stop price required"
		}
	case schema.OrderTypeStopLimit:
		if !req.StopPrice.IsPositive() || !req.LimitPrice.IsPositive() {
			return "stop and limit prices required"
		}
	default:
		return "unknown order type"
	}
	return ""
}

// CancelOrder cancels a working order.
func (b *SimBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return ErrUnavailable
	}
	st, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrUnknownOrder
	}
	if !st.Status.Open() {
		return ErrOrderClosed
	}
	b.close(st, StatusCancelled)
	b.emit(Event{Kind: EventAck, ClientOrderID: st.ClientOrderID, BrokerOrderID: st.BrokerOrderID, Status: StatusCancelled, Time: b.now})
	return nil
}

// ListOpenOrders returns working orders in submission order.
func (b *SimBroker) ListOpenOrders(ctx context.Context) ([]OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrUnavailable
	}
	out := make([]OrderStatus, 0, len(b.working))
	for _, id := range b.working {
		out = append(out, *b.orders[id])
	}
	return out, nil
}

// GetOrder returns any order the broker has seen.
func (b *SimBroker) GetOrder(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.orders[brokerOrderID]
	if !ok {
		return OrderStatus{}, ErrUnknownOrder
	}
	return *st, nil
}

// Disconnect drops the session: requests fail with ErrUnavailable until Reconnect. Working orders stay live.
func (b *SimBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return
	}
	b.connected = false
	b.emit(Event{Kind: EventDisconnect, Time: b.now})
}

// Reconnect restores the session.
func (b *SimBroker) Reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return
	}
	b.connected = true
	b.emit(Event{Kind: EventReconnect, Time: b.now})
}

// OnBar executes every eligible working order for the bar's symbol.
func (b *SimBroker) OnBar(bar schema.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bar.Time.After(b.now) {
		b.now = bar.Time
	}
	remaining := b.working[:0]
	for _, id := range b.working {
		st := b.orders[id]
		if st.Request.Symbol != bar.Symbol {
			remaining = append(remaining, id)
			continue
		}
		if px, ok := b.execPrice(st.Request, bar); ok {
			b.fill(st, px, bar.Time)
			continue
		}
		if tif := st.Request.TimeInForce; tif == schema.TimeInForceIOC || tif == schema.TimeInForceFOK {
			st.Status = StatusCancelled
			st.UpdatedAt = bar.Time
			b.emit(Event{Kind: EventAck, ClientOrderID: st.ClientOrderID, BrokerOrderID: id, Status: StatusCancelled, Reason: "not marketable", Time: bar.Time})
			continue
		}
		remaining = append(remaining, id)
	}
	b.working = remaining
}

// FillAtClose executes working market orders for the bar's symbol at its close, for end-of-data liquidation.
func (b *SimBroker) FillAtClose(bar schema.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.working[:0]
	for _, id := range b.working {
		st := b.orders[id]
		if st.Request.Symbol != bar.Symbol || st.Request.Type != schema.OrderTypeMarket {
			remaining = append(remaining, id)
			continue
		}
		b.fill(st, b.slip(bar.Close, st.Request.Side), bar.Time)
	}
	b.working = remaining
}

func (b *SimBroker) execPrice(req schema.OrderRequest, bar schema.Bar) (decimal.Decimal, bool) {
	buy := req.Side == schema.SideBuy
	switch req.Type {
	case schema.OrderTypeMarket:
		return b.slip(bar.Open, req.Side), true
	case schema.OrderTypeLimit:
		return limitPrice(buy, req.LimitPrice, bar)
	case schema.OrderTypeStop:
		if !stopTriggered(buy, req.StopPrice, bar) {
			return decimal.Zero, false
		}
		if buy {
			return b.slip(decimal.Max(bar.Open, req.StopPrice), req.Side), true
		}
		return b.slip(decimal.Min(bar.Open, req.StopPrice), req.Side), true
	case schema.OrderTypeStopLimit:
		if !stopTriggered(buy, req.StopPrice, bar) {
			return decimal.Zero, false
		}
		return limitPrice(buy, req.LimitPrice, bar)
	default:
		return decimal.Zero, false
	}
}

func limitPrice(buy bool, limit decimal.Decimal, bar schema.Bar) (decimal.Decimal, bool) {
	if buy {
		if bar.Low.GreaterThan(limit) {
			return decimal.Zero, false
		}
		return decimal.Min(bar.Open, limit), true
	}
	if bar.High.LessThan(limit) {
		return decimal.Zero, false
	}
	return decimal.Max(bar.Open, limit), true
}

func stopTriggered(buy bool, stop decimal.Decimal, bar schema.Bar) bool {
	if buy {
		return bar.High.GreaterThanOrEqual(stop)
	}
	return bar.Low.LessThanOrEqual(stop)
}

func (b *SimBroker) slip(px decimal.Decimal, side schema.Side) decimal.Decimal {
	adj := px.Mul(b.cfg.SlippageFraction)
	if side == schema.SideBuy {
		return px.Add(adj).Round(4)
	}
	return px.Sub(adj).Round(4)
}

// Fee returns the commission plus half-spread cost charged on a fill's notional.
func (b *SimBroker) Fee(notional decimal.Decimal) decimal.Decimal {
	halfSpread := b.cfg.SpreadFraction.Div(decimal.NewFromInt(2))
	return b.cfg.CommissionPerTrade.
		Add(notional.Mul(b.cfg.CommissionRate)).
		Add(notional.Mul(halfSpread)).
		Round(4)
}

func (b *SimBroker) fill(st *OrderStatus, px decimal.Decimal, at time.Time) {
	b.fillSeq++
	qty := st.Request.Quantity - st.FilledQty
	f := schema.Fill{
		FillID:        fmt.Sprintf("SIMF-%08d", b.fillSeq),
		ClientOrderID: st.ClientOrderID,
		BrokerOrderID: st.BrokerOrderID,
		Symbol:        st.Request.Symbol,
		Side:          st.Request.Side,
		Quantity:      qty,
		Price:         px,
		Time:          at,
	}
	f.Fee = b.Fee(f.Notional())
	st.FilledQty += qty
	st.AvgFillPrice = px
	st.Status = StatusFilled
	st.UpdatedAt = at
	b.emit(Event{Kind: EventFill, ClientOrderID: st.ClientOrderID, BrokerOrderID: st.BrokerOrderID, Status: StatusFilled, Fill: f, Time: at})
}

func (b *SimBroker) close(st *OrderStatus, status Status) {
	st.Status = status
	st.UpdatedAt = b.now
	for i, id := range b.working {
		if id == st.BrokerOrderID {
			b.working = append(b.working[:i], b.working[i+1:]...)
			break
		}
	}
}

func (b *SimBroker) emit(ev Event) {
	b.events <- ev
}
