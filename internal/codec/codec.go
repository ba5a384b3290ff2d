package codec

import (
	"fmt"

	"github.com/bytedance/sonic"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/clock"
	"tradecore/internal/errors"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
)

// Journal payloads are JSON documents. Map keys are sorted so equal values encode to equal bytes.
var api = sonic.ConfigStd

var (
	ErrUnknownType = errors.New("codec: unknown event type")
	ErrUnsupported = errors.New("codec: unsupported payload value")
)

// Marshal encodes v as a journal payload.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes a journal payload into v.
func Unmarshal(payload []byte, v any) error {
	return api.Unmarshal(payload, v)
}

// TypeOf returns the journal event type that carries v.
func TypeOf(v any) (schema.EventType, error) {
	switch v.(type) {
	case schema.MarketEvent:
		return schema.EventMarketData, nil
	case schema.TradeIntent:
		return schema.EventTradeIntent, nil
	case risk.Decision:
		return schema.EventRiskDecision, nil
	case schema.OrderRequest:
		return schema.EventOrderRequest, nil
	case broker.Event:
		return schema.EventOrderUpdate, nil
	case schema.Fill:
		return schema.EventFill, nil
	case clock.SessionEvent:
		return schema.EventSession, nil
	case alert.Event:
		return schema.EventAlert, nil
	default:
		return schema.EventUnknown, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// Encode returns the event type and payload for v.
func Encode(v any) (schema.EventType, []byte, error) {
	t, err := TypeOf(v)
	if err != nil {
		return t, nil, err
	}
	payload, err := Marshal(v)
	if err != nil {
		return t, nil, errors.Wrap(err, "marshal "+t.String())
	}
	return t, payload, nil
}

// Decode returns the concrete value stored under t.
func Decode(t schema.EventType, payload []byte) (any, error) {
	switch t {
	case schema.EventMarketData:
		return decode[schema.MarketEvent](t, payload)
	case schema.EventTradeIntent:
		return decode[schema.TradeIntent](t, payload)
	case schema.EventRiskDecision:
		return decode[risk.Decision](t, payload)
	case schema.EventOrderRequest:
		return decode[schema.OrderRequest](t, payload)
	case schema.EventOrderUpdate:
		return decode[broker.Event](t, payload)
	case schema.EventFill:
		return decode[schema.Fill](t, payload)
	case schema.EventSession:
		return decode[clock.SessionEvent](t, payload)
	case schema.EventAlert:
		return decode[alert.Event](t, payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

// DecodeFill decodes a fill payload.
func DecodeFill(payload []byte) (schema.Fill, error) {
	return decode[schema.Fill](schema.EventFill, payload)
}

// DecodeMarketEvent decodes a market data payload.
func DecodeMarketEvent(payload []byte) (schema.MarketEvent, error) {
	return decode[schema.MarketEvent](schema.EventMarketData, payload)
}

// DecodeSession decodes a session boundary payload.
func DecodeSession(payload []byte) (clock.SessionEvent, error) {
	return decode[clock.SessionEvent](schema.EventSession, payload)
}

func decode[T any](t schema.EventType, payload []byte) (T, error) {
	var v T
	if err := api.Unmarshal(payload, &v); err != nil {
		return v, errors.Wrap(err, "unmarshal "+t.String())
	}
	return v, nil
}
