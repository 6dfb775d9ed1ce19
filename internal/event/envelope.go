package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for trade lifecycle events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTradeCreated
	EventTypeTradeFunded
	EventTypeBuyerAssigned
	EventTypeFiatSent
	EventTypeTradeCompleted
	EventTypeTradeCancelled
	EventTypeTradeDisputed
	EventTypeTradeRefunded
)

// Envelope wraps every lifecycle event in the log. One envelope is
// appended per successful transition; the sequence is registry-wide and
// monotonic, so the log totally orders transitions across all trades.
type Envelope struct {
	// Registry-wide monotonic sequence assigned at emit time
	Sequence int64

	// Stable unique id for consumer-side dedup
	EventID uuid.UUID

	// Event type discriminator
	Type EventType

	// Trade context
	TradeID int64

	// Identity that triggered the transition
	Actor string

	// Transition timestamp
	Timestamp time.Time

	// JSON-encoded event-specific payload
	Payload []byte
}

func (et EventType) String() string {
	switch et {
	case EventTypeTradeCreated:
		return "TradeCreated"
	case EventTypeTradeFunded:
		return "TradeFunded"
	case EventTypeBuyerAssigned:
		return "BuyerAssigned"
	case EventTypeFiatSent:
		return "FiatSent"
	case EventTypeTradeCompleted:
		return "TradeCompleted"
	case EventTypeTradeCancelled:
		return "TradeCancelled"
	case EventTypeTradeDisputed:
		return "TradeDisputed"
	case EventTypeTradeRefunded:
		return "TradeRefunded"
	default:
		return "Unknown"
	}
}
