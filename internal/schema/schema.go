package schema

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of an event stored in the journal.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventMarketData
	EventTradeIntent
	EventRiskDecision
	EventOrderRequest
	EventOrderUpdate
	EventFill
	EventSession
	EventAlert
)

func (t EventType) String() string {
	switch t {
	case EventMarketData:
		return "market_data"
	case EventTradeIntent:
		return "trade_intent"
	case EventRiskDecision:
		return "risk_decision"
	case EventOrderRequest:
		return "order_request"
	case EventOrderUpdate:
		return "order_update"
	case EventFill:
		return "fill"
	case EventSession:
		return "session"
	case EventAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// EventHeader is the metadata framed around every journaled payload.
// Seq is assigned by the journal and strictly increases across segments.
// Trace links the records caused by one market event (intent, decision, order, fill).
type EventHeader struct {
	Type    EventType
	Version uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	Trace   uint64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}
