package query

import (
	"encoding/json"
	"time"
)

// TradeRecord is a trade row as served to API consumers.
type TradeRecord struct {
	ID           int64      `json:"id"`
	Seller       string     `json:"seller"`
	Buyer        string     `json:"buyer,omitempty"`
	Asset        string     `json:"asset"`
	Amount       int64      `json:"amount"`
	FiatAmount   int64      `json:"fiat_amount"`
	FiatCurrency string     `json:"fiat_currency"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FiatSentAt   *time.Time `json:"fiat_sent_at,omitempty"`
}

// EventRecord is one lifecycle event from the trade log.
type EventRecord struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	TradeID   int64           `json:"trade_id"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}
