package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/schema"
)

var (
	// ErrTimeout means the request outcome is unknown; resubmitting with the same client id is safe.
	ErrTimeout = errors.New("broker request timed out")
	// ErrUnavailable means the request was not delivered.
	ErrUnavailable = errors.New("broker unavailable")
	ErrRejected     = errors.New("order rejected by broker")
	ErrUnknownOrder = errors.New("broker order not found")
	ErrOrderClosed  = errors.New("broker order already closed")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Status is the broker's view of an order.
type Status uint16

const (
	StatusUnknown Status = iota
	StatusAccepted
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Open reports whether the broker may still execute the order.
func (s Status) Open() bool {
	return s == StatusAccepted || s == StatusPartiallyFilled
}

// EventKind classifies streamed broker events.
type EventKind uint16

const (
	EventUnknown EventKind = iota
	EventAck
	EventFill
	EventRejection
	EventDisconnect
	EventReconnect
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventFill:
		return "fill"
	case EventRejection:
		return "rejection"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event is one message on the broker stream. Ack carries Status (accepted, cancelled, expired).
type Event struct {
	Kind          EventKind   `json:"kind"`
	ClientOrderID string      `json:"clientOrderId"`
	BrokerOrderID string      `json:"brokerOrderId"`
	Status        Status      `json:"status"`
	Reason        string      `json:"reason"`
	Fill          schema.Fill `json:"fill"`
	Time          time.Time   `json:"time"`
}

// OrderStatus is the broker's authoritative record of one order.
type OrderStatus struct {
	ClientOrderID string              `json:"clientOrderId"`
	BrokerOrderID string              `json:"brokerOrderId"`
	Request       schema.OrderRequest `json:"request"`
	Status        Status              `json:"status"`
	FilledQty     schema.Quantity     `json:"filledQty"`
	AvgFillPrice  decimal.Decimal     `json:"avgFillPrice"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Gateway is the broker contract consumed by the order manager.
// SubmitOrder must treat ClientOrderID as an idempotency key.
type Gateway interface {
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Events() <-chan Event
	ListOpenOrders(ctx context.Context) ([]OrderStatus, error)
}

// OrderQuerier is implemented by gateways that can report a single order, including closed ones.
type OrderQuerier interface {
	GetOrder(ctx context.Context, brokerOrderID string) (OrderStatus, error)
}
