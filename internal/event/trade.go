package event

import "time"

// Payload structs for each lifecycle event. These are JSON-encoded into
// Envelope.Payload for the Postgres event log and NATS publishing. Fields
// use primitive types so consumers decode without importing the registry.

// TradeCreated is emitted when a seller opens a trade. No asset has moved.
type TradeCreated struct {
	TradeID      int64  `json:"trade_id"`
	Seller       string `json:"seller"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
	FiatAmount   int64  `json:"fiat_amount"`
	FiatCurrency string `json:"fiat_currency"`
}

// TradeFunded is emitted after the seller's deposit lands in custody.
type TradeFunded struct {
	TradeID int64  `json:"trade_id"`
	Seller  string `json:"seller"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

// BuyerAssigned is emitted when the seller fixes the counterparty.
type BuyerAssigned struct {
	TradeID int64  `json:"trade_id"`
	Buyer   string `json:"buyer"`
}

// FiatSent is the buyer's off-chain payment attestation. The registry
// records it verbatim; it verifies nothing about the fiat rail.
type FiatSent struct {
	TradeID    int64     `json:"trade_id"`
	Buyer      string    `json:"buyer"`
	AttestedAt time.Time `json:"attested_at"`
}

// TradeCompleted is emitted when custody is released: amount-fee to the
// buyer, fee to the collector. Resolved marks arbiter-forced completions.
type TradeCompleted struct {
	TradeID       int64  `json:"trade_id"`
	Buyer         string `json:"buyer"`
	BuyerReceived int64  `json:"buyer_received"`
	Fee           int64  `json:"fee"`
	FeeCollector  string `json:"fee_collector"`
	Resolved      bool   `json:"resolved,omitempty"`
}

// TradeCancelled is emitted on seller cancellation. Refunded is zero when
// the trade was never funded.
type TradeCancelled struct {
	TradeID  int64 `json:"trade_id"`
	Refunded int64 `json:"refunded"`
}

// TradeDisputed freezes normal transitions until the arbiter rules.
type TradeDisputed struct {
	TradeID  int64  `json:"trade_id"`
	RaisedBy string `json:"raised_by"`
}

// TradeRefunded is emitted when the arbiter returns the full custody to
// the seller. No fee is taken on refunds.
type TradeRefunded struct {
	TradeID int64  `json:"trade_id"`
	Seller  string `json:"seller"`
	Amount  int64  `json:"amount"`
}
