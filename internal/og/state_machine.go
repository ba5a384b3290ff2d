package og

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

var (
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// OrderState tracks the lifecycle of an order.
type OrderState uint16

const (
	OrderStateUnknown OrderState = iota
	OrderStateCreated
	OrderStateSubmitted
	OrderStateAccepted
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateRejected
	OrderStateCancelled
	OrderStateExpired
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "Created"
	case OrderStateSubmitted:
		return "Submitted"
	case OrderStateAccepted:
		return "Accepted"
	case OrderStatePartiallyFilled:
		return "PartiallyFilled"
	case OrderStateFilled:
		return "Filled"
	case OrderStateRejected:
		return "Rejected"
	case OrderStateCancelled:
		return "Cancelled"
	case OrderStateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return isTerminal(s)
}

// Created -> Rejected covers submissions that never reached the broker.
var transitions = map[OrderState][]OrderState{
	OrderStateCreated:         {OrderStateSubmitted, OrderStateRejected},
	OrderStateSubmitted:       {OrderStateAccepted, OrderStateRejected},
	OrderStateAccepted:        {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled, OrderStateExpired},
	OrderStatePartiallyFilled: {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled, OrderStateExpired},
}

func canTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FillRecord is one execution against an order.
type FillRecord struct {
	FillID   string          `json:"fillId"`
	Quantity schema.Quantity `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Time     time.Time       `json:"time"`
}

// Order holds the manager's view of an order.
type Order struct {
	Request       schema.OrderRequest `json:"request"`
	BrokerOrderID string              `json:"brokerOrderId"`
	State         OrderState          `json:"state"`
	Reason        string              `json:"reason"`
	Fills         []FillRecord        `json:"fills"`
	FilledQty     schema.Quantity     `json:"filledQty"`
	AvgFillPrice  decimal.Decimal     `json:"avgFillPrice"`
	ReconciledQty schema.Quantity     `json:"reconciledQty"` // booked by reconciliation, not yet matched by broker fills
	Attempts      int                 `json:"attempts"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	ExpireAt      time.Time           `json:"expireAt"`
}

// ClientOrderID returns the idempotency id.
func (o *Order) ClientOrderID() string {
	return o.Request.ClientOrderID
}

// LeavesQty returns the unfilled quantity.
func (o *Order) LeavesQty() schema.Quantity {
	return o.Request.Quantity - o.FilledQty
}

// Terminal reports whether the order is closed.
func (o *Order) Terminal() bool {
	return isTerminal(o.State)
}

// Live reports whether the broker may still execute the order.
func (o *Order) Live() bool {
	switch o.State {
	case OrderStateSubmitted, OrderStateAccepted, OrderStatePartiallyFilled:
		return true
	default:
		return false
	}
}

func (o *Order) clone() Order {
	c := *o
	c.Fills = append([]FillRecord(nil), o.Fills...)
	return c
}

// StateMachine owns the non-archived orders and enforces legal transitions.
type StateMachine struct {
	orders map[string]*Order
	seq    []string
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[string]*Order)}
}

// Order returns the current order state.
func (m *StateMachine) Order(id string) (*Order, bool) {
	o, ok := m.orders[id]
	return o, ok
}

// Len returns the number of tracked orders.
func (m *StateMachine) Len() int {
	return len(m.orders)
}

// Orders returns tracked orders in creation order.
func (m *StateMachine) Orders() []*Order {
	out := make([]*Order, 0, len(m.orders))
	for _, id := range m.seq {
		if o, ok := m.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// Create registers a request in Created state.
func (m *StateMachine) Create(req schema.OrderRequest, at time.Time) (*Order, error) {
	if req.ClientOrderID == "" {
		return nil, ErrUnknownOrder
	}
	if req.Quantity <= 0 {
		return nil, ErrInvalidFill
	}
	if _, ok := m.orders[req.ClientOrderID]; ok {
		return nil, ErrDuplicateOrder
	}
	o := &Order{
		Request:      req,
		State:        OrderStateCreated,
		AvgFillPrice: decimal.Zero,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	m.insert(o)
	return o, nil
}

// Adopt installs an order that already exists elsewhere, such as at the broker or in a checkpoint.
func (m *StateMachine) Adopt(o Order) (*Order, error) {
	if o.Request.ClientOrderID == "" {
		return nil, ErrUnknownOrder
	}
	if _, ok := m.orders[o.Request.ClientOrderID]; ok {
		return nil, ErrDuplicateOrder
	}
	c := o.clone()
	m.insert(&c)
	return &c, nil
}

func (m *StateMachine) insert(o *Order) {
	m.orders[o.Request.ClientOrderID] = o
	m.seq = append(m.seq, o.Request.ClientOrderID)
}

// Transition moves an order to state to.
func (m *StateMachine) Transition(id string, to OrderState, reason string, at time.Time) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if !canTransition(o.State, to) {
		return o, ErrInvalidTransition
	}
	o.State = to
	if reason != "" {
		o.Reason = reason
	}
	if at.After(o.UpdatedAt) {
		o.UpdatedAt = at
	}
	return o, nil
}

// ApplyFill records an execution and moves the order to PartiallyFilled or Filled.
func (m *StateMachine) ApplyFill(id string, fill FillRecord) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if o.State != OrderStateAccepted && o.State != OrderStatePartiallyFilled {
		return o, ErrInvalidTransition
	}
	if fill.Quantity <= 0 || fill.Quantity > o.LeavesQty() {
		return o, ErrInvalidFill
	}

	cost := o.AvgFillPrice.Mul(o.FilledQty.Decimal()).Add(fill.Price.Mul(fill.Quantity.Decimal()))
	o.FilledQty += fill.Quantity
	o.AvgFillPrice = cost.Div(o.FilledQty.Decimal())
	o.Fills = append(o.Fills, fill)
	if fill.Time.After(o.UpdatedAt) {
		o.UpdatedAt = fill.Time
	}
	if o.LeavesQty() == 0 {
		o.State = OrderStateFilled
	} else {
		o.State = OrderStatePartiallyFilled
	}
	return o, nil
}

// Remove stops tracking an order.
func (m *StateMachine) Remove(id string) {
	if _, ok := m.orders[id]; !ok {
		return
	}
	delete(m.orders, id)
	for i, v := range m.seq {
		if v == id {
			m.seq = append(m.seq[:i], m.seq[i+1:]...)
			break
		}
	}
}

func isTerminal(state OrderState) bool {
	switch state {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}
