package escrow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Identity is an opaque caller/party identifier supplied by the adapter
// layer (wallet address, account id). The registry never derives it from
// ambient state; every operation takes the caller explicitly.
type Identity string

// TradeID is a monotonically assigned trade identifier. IDs are never reused.
type TradeID int64

// Status is the trade lifecycle state. Values match the reference
// contract's integer encoding and must not be reordered.
type Status int32

const (
	StatusCreated Status = iota
	StatusFunded
	StatusFiatSent
	StatusCompleted
	StatusCancelled
	StatusDisputed
	StatusRefunded
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusFunded:
		return "FUNDED"
	case StatusFiatSent:
		return "FIAT_SENT"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusDisputed:
		return "DISPUTED"
	case StatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus maps the string form back to a Status (used when reloading
// persisted trades).
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "CREATED":
		return StatusCreated, true
	case "FUNDED":
		return StatusFunded, true
	case "FIAT_SENT":
		return StatusFiatSent, true
	case "COMPLETED":
		return StatusCompleted, true
	case "CANCELLED":
		return StatusCancelled, true
	case "DISPUTED":
		return StatusDisputed, true
	case "REFUNDED":
		return StatusRefunded, true
	}
	return 0, false
}

// MarshalJSON encodes the status by name so API responses match the
// string form used in the persisted trades projection.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseStatus(name)
	if !ok {
		return fmt.Errorf("unknown trade status %q", name)
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no transitions may leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// CanTransitionTo validates lifecycle transitions. The per-transition
// authorization and precondition checks live in the registry operations;
// this guard is the last line against a transition that skips a required
// predecessor state.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusCreated: {
			StatusFunded,
			StatusCancelled,
		},
		StatusFunded: {
			StatusFiatSent,
			StatusCancelled,
			StatusDisputed,
		},
		StatusFiatSent: {
			StatusCompleted,
			StatusDisputed,
		},
		StatusDisputed: {
			StatusRefunded,
			StatusCompleted,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// Trade is the central escrow record. Seller, asset, amount, fiatAmount and
// fiatCurrency are immutable after creation; buyer is immutable once set.
// Amounts are integer minor units, never floating point.
type Trade struct {
	ID           TradeID
	Seller       Identity
	Buyer        Identity // empty until assigned
	Asset        string
	Amount       int64
	FiatAmount   int64
	FiatCurrency string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// FiatSentAt records the buyer's attestation timestamp (zero until
	// ConfirmFiatSent).
	FiatSentAt time.Time

	// mu serializes all read-check-write cycles on this trade. Operations
	// on distinct trades proceed in parallel.
	mu sync.Mutex
}

// HasBuyer reports whether a buyer has been assigned.
func (t *Trade) HasBuyer() bool {
	return t.Buyer != ""
}

// snapshot returns a copy safe to hand to callers and the event log.
// Caller must hold t.mu.
func (t *Trade) snapshot() TradeInfo {
	return TradeInfo{
		ID:           t.ID,
		Seller:       t.Seller,
		Buyer:        t.Buyer,
		Asset:        t.Asset,
		Amount:       t.Amount,
		FiatAmount:   t.FiatAmount,
		FiatCurrency: t.FiatCurrency,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		FiatSentAt:   t.FiatSentAt,
	}
}

// TradeInfo is an immutable view of a trade returned by GetTradeInfo and
// embedded in lifecycle events.
type TradeInfo struct {
	ID           TradeID   `json:"id"`
	Seller       Identity  `json:"seller"`
	Buyer        Identity  `json:"buyer,omitempty"`
	Asset        string    `json:"asset"`
	Amount       int64     `json:"amount"`
	FiatAmount   int64     `json:"fiat_amount"`
	FiatCurrency string    `json:"fiat_currency"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	FiatSentAt   time.Time `json:"fiat_sent_at,omitempty"`
}
