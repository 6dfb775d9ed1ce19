package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"OTCEscrow/internal/event"
	"OTCEscrow/internal/observability"
)

// Transferor is the external custody-movement primitive. TransferIn pulls
// amount of asset from a party into escrow custody; TransferOut pays it
// out. Each call is atomic: it fully succeeds or fully fails with no
// partial movement, and failure is distinguishable from success so the
// registry can decide whether to advance state.
type Transferor interface {
	TransferIn(ctx context.Context, asset string, from Identity, amount int64) error
	TransferOut(ctx context.Context, asset string, to Identity, amount int64) error
}

// AssignPolicy controls in which states the seller may assign a buyer.
// The reference flow funds first and assigns second; the ordering is
// policy, not an invariant.
type AssignPolicy int32

const (
	// AssignAfterFunding permits assignment only while FUNDED (default).
	AssignAfterFunding AssignPolicy = iota

	// AssignAnyState additionally permits assignment while CREATED.
	AssignAnyState
)

// Output pairs a lifecycle event with the post-transition trade snapshot.
// The persist channel receives every output with a BLOCKING send (no
// event is ever lost; the registry stalls if persistence falls behind).
// The publish channel receives the same outputs with a non-blocking send
// and silent drop; downstream consumers can rebuild from the event log.
type Output struct {
	Envelope event.Envelope
	Trade    TradeInfo
}

// Config carries the fixed process-wide parameters of a registry.
// None of them are mutated by trade operations.
type Config struct {
	Fee     FeeParams
	Arbiter Identity
	Policy  AssignPolicy

	// StartSequence is the first sequence to assign to emitted events
	// (continues the persisted log after a restart).
	StartSequence int64
}

// Registry owns all trade records, enforces the lifecycle state machine,
// computes and routes the platform fee, and custodies the asset for the
// trade's duration. Trades are never deleted; the registry is an
// append/update-only audit log.
type Registry struct {
	mu      sync.RWMutex
	trades  map[TradeID]*Trade
	nextID  TradeID
	custody *CustodyLedger

	cfg      Config
	transfer Transferor
	metrics  *observability.Metrics
	now      func() time.Time

	seqMu    sync.Mutex
	sequence int64

	persistChan chan<- Output
	publishChan chan<- Output
}

// NewRegistry creates a registry. persistChan and publishChan may be nil
// (events are then dropped, useful for tests that only exercise the
// state machine).
func NewRegistry(
	cfg Config,
	transfer Transferor,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
) *Registry {
	return &Registry{
		trades:      make(map[TradeID]*Trade),
		nextID:      1,
		custody:     NewCustodyLedger(),
		cfg:         cfg,
		transfer:    transfer,
		metrics:     metrics,
		now:         time.Now,
		sequence:    cfg.StartSequence,
		persistChan: persistChan,
		publishChan: publishChan,
	}
}

// SetClock overrides the wall clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// CreateTrade allocates a new trade in CREATED. No asset moves yet.
func (r *Registry) CreateTrade(
	ctx context.Context,
	caller Identity,
	asset string,
	amount, fiatAmount int64,
	fiatCurrency string,
) (TradeID, error) {
	if caller == "" {
		return 0, fmt.Errorf("%w: empty caller identity", ErrInvalidInput)
	}
	if asset == "" {
		return 0, fmt.Errorf("%w: empty asset identifier", ErrInvalidInput)
	}
	if fiatCurrency == "" {
		return 0, fmt.Errorf("%w: empty fiat currency", ErrInvalidInput)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if fiatAmount <= 0 {
		return 0, fmt.Errorf("%w: fiat amount must be positive, got %d", ErrInvalidAmount, fiatAmount)
	}

	now := r.now()
	t := &Trade{
		Seller:       caller,
		Asset:        asset,
		Amount:       amount,
		FiatAmount:   fiatAmount,
		FiatCurrency: fiatCurrency,
		Status:       StatusCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	t.ID = r.nextID
	r.nextID++
	r.trades[t.ID] = t
	r.mu.Unlock()

	t.mu.Lock()
	r.emit(t, event.EventTypeTradeCreated, caller, event.TradeCreated{
		TradeID:      int64(t.ID),
		Seller:       string(t.Seller),
		Asset:        t.Asset,
		Amount:       t.Amount,
		FiatAmount:   t.FiatAmount,
		FiatCurrency: t.FiatCurrency,
	})
	t.mu.Unlock()

	if r.metrics != nil {
		r.metrics.TradesCreated.Inc()
	}

	return t.ID, nil
}

// FundTrade moves amount of the trade's asset from the seller into
// custody and advances CREATED -> FUNDED. If the external transfer fails
// the trade stays in CREATED and no custody is recorded.
func (r *Registry) FundTrade(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != t.Seller {
		return r.reject("not_seller", fmt.Errorf("%w: only the seller may fund trade %d", ErrNotAuthorized, id))
	}
	if t.Status != StatusCreated {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot fund trade %d in %s", ErrInvalidState, id, t.Status))
	}

	if err := r.transfer.TransferIn(ctx, t.Asset, t.Seller, t.Amount); err != nil {
		return r.reject("transfer_failed", fmt.Errorf("%w: fund trade %d: %v", ErrTransferFailed, id, err))
	}

	if err := r.custody.Hold(t.ID, t.Asset, t.Amount); err != nil {
		// Transfer succeeded but custody bookkeeping refused the hold:
		// funds moved without a matching record. Unrecoverable.
		panic(fmt.Sprintf("FATAL: custody hold after successful transfer: %v", err))
	}

	r.advance(t, StatusFunded)
	r.emit(t, event.EventTypeTradeFunded, caller, event.TradeFunded{
		TradeID: int64(t.ID),
		Seller:  string(t.Seller),
		Asset:   t.Asset,
		Amount:  t.Amount,
	})
	r.observeCustody(t.Asset)
	return nil
}

// AssignBuyer sets the counterparty. At most once per trade, seller only,
// and only in states the configured policy permits.
func (r *Registry) AssignBuyer(ctx context.Context, caller Identity, id TradeID, buyer Identity) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != t.Seller {
		return r.reject("not_seller", fmt.Errorf("%w: only the seller may assign a buyer on trade %d", ErrNotAuthorized, id))
	}
	if buyer == "" {
		return r.reject("invalid_input", fmt.Errorf("%w: empty buyer identity", ErrInvalidInput))
	}
	if buyer == t.Seller {
		return r.reject("self_assignment", fmt.Errorf("%w: seller cannot be the buyer of trade %d", ErrInvalidBuyer, id))
	}
	if t.HasBuyer() {
		return r.reject("buyer_set", fmt.Errorf("%w: trade %d", ErrBuyerAlreadySet, id))
	}
	if !r.assignableIn(t.Status) {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot assign buyer on trade %d in %s", ErrInvalidState, id, t.Status))
	}

	t.Buyer = buyer
	t.UpdatedAt = r.now()
	r.emit(t, event.EventTypeBuyerAssigned, caller, event.BuyerAssigned{
		TradeID: int64(t.ID),
		Buyer:   string(buyer),
	})
	return nil
}

func (r *Registry) assignableIn(s Status) bool {
	switch r.cfg.Policy {
	case AssignAnyState:
		return s == StatusCreated || s == StatusFunded
	default:
		return s == StatusFunded
	}
}

// ConfirmFiatSent records the buyer's attestation that the off-chain
// payment went out, advancing FUNDED -> FIAT_SENT. No custody moves.
func (r *Registry) ConfirmFiatSent(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.HasBuyer() || caller != t.Buyer {
		return r.reject("not_buyer", fmt.Errorf("%w: only the assigned buyer may attest fiat on trade %d", ErrNotAuthorized, id))
	}
	if t.Status != StatusFunded {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot attest fiat on trade %d in %s", ErrInvalidState, id, t.Status))
	}

	r.advance(t, StatusFiatSent)
	t.FiatSentAt = t.UpdatedAt
	r.emit(t, event.EventTypeFiatSent, caller, event.FiatSent{
		TradeID:    int64(t.ID),
		Buyer:      string(t.Buyer),
		AttestedAt: t.FiatSentAt,
	})
	return nil
}

// CompleteTrade releases custody after the seller confirms the fiat
// cleared: amount-fee to the buyer, fee to the collector. Release
// authority is seller-held; the buyer's recourse against a
// stalling seller is DisputeTrade.
func (r *Registry) CompleteTrade(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != t.Seller {
		return r.reject("not_seller", fmt.Errorf("%w: only the seller may complete trade %d", ErrNotAuthorized, id))
	}
	if t.Status != StatusFiatSent {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot complete trade %d in %s", ErrInvalidState, id, t.Status))
	}

	return r.releaseToBuyer(ctx, t, caller, false)
}

// releaseToBuyer performs the fee-split payout and advances to COMPLETED.
// Caller must hold t.mu and have verified status and authorization.
func (r *Registry) releaseToBuyer(ctx context.Context, t *Trade, actor Identity, resolved bool) error {
	fee := r.cfg.Fee.ComputeFee(t.Amount)
	buyerShare := t.Amount - fee

	if err := r.transfer.TransferOut(ctx, t.Asset, t.Buyer, buyerShare); err != nil {
		return r.reject("transfer_failed", fmt.Errorf("%w: release buyer share on trade %d: %v", ErrTransferFailed, t.ID, err))
	}

	if fee > 0 {
		if err := r.transfer.TransferOut(ctx, t.Asset, r.cfg.Fee.Collector, fee); err != nil {
			// The buyer share already left custody. Claw it back so the
			// trade stays in its prior status with custody intact.
			if compErr := r.transfer.TransferIn(ctx, t.Asset, t.Buyer, buyerShare); compErr != nil {
				panic(fmt.Sprintf("FATAL: fee transfer failed and compensation failed on trade %d: %v / %v",
					t.ID, err, compErr))
			}
			return r.reject("transfer_failed", fmt.Errorf("%w: release fee share on trade %d: %v", ErrTransferFailed, t.ID, err))
		}
	}

	if _, err := r.custody.Release(t.ID); err != nil {
		panic(fmt.Sprintf("FATAL: custody release after successful payout: %v", err))
	}

	r.advance(t, StatusCompleted)
	r.emit(t, event.EventTypeTradeCompleted, actor, event.TradeCompleted{
		TradeID:       int64(t.ID),
		Buyer:         string(t.Buyer),
		BuyerReceived: buyerShare,
		Fee:           fee,
		FeeCollector:  string(r.cfg.Fee.Collector),
		Resolved:      resolved,
	})
	r.observeCustody(t.Asset)
	if r.metrics != nil && fee > 0 {
		r.metrics.FeesCollected.WithLabelValues(t.Asset).Add(float64(fee))
	}
	return nil
}

// CancelTrade aborts a trade. From CREATED nothing has moved; from FUNDED
// the full custody is refunded to the seller, permitted only while no
// buyer is assigned.
func (r *Registry) CancelTrade(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != t.Seller {
		return r.reject("not_seller", fmt.Errorf("%w: only the seller may cancel trade %d", ErrNotAuthorized, id))
	}

	switch t.Status {
	case StatusCreated:
		r.advance(t, StatusCancelled)
		r.emit(t, event.EventTypeTradeCancelled, caller, event.TradeCancelled{
			TradeID:  int64(t.ID),
			Refunded: 0,
		})
		return nil

	case StatusFunded:
		if t.HasBuyer() {
			return r.reject("buyer_set", fmt.Errorf("%w: trade %d has an assigned buyer; dispute instead of cancelling", ErrInvalidState, id))
		}
		if err := r.transfer.TransferOut(ctx, t.Asset, t.Seller, t.Amount); err != nil {
			return r.reject("transfer_failed", fmt.Errorf("%w: refund on cancel of trade %d: %v", ErrTransferFailed, id, err))
		}
		if _, err := r.custody.Release(t.ID); err != nil {
			panic(fmt.Sprintf("FATAL: custody release after successful refund: %v", err))
		}
		r.advance(t, StatusCancelled)
		r.emit(t, event.EventTypeTradeCancelled, caller, event.TradeCancelled{
			TradeID:  int64(t.ID),
			Refunded: t.Amount,
		})
		r.observeCustody(t.Asset)
		return nil

	default:
		return r.reject("invalid_state", fmt.Errorf("%w: cannot cancel trade %d in %s", ErrInvalidState, id, t.Status))
	}
}

// DisputeTrade freezes normal transitions until the arbiter rules. Either
// party may raise it once a buyer is assigned, from FUNDED or FIAT_SENT.
func (r *Registry) DisputeTrade(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != t.Seller && (!t.HasBuyer() || caller != t.Buyer) {
		return r.reject("not_party", fmt.Errorf("%w: only the seller or buyer may dispute trade %d", ErrNotAuthorized, id))
	}
	if !t.HasBuyer() {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot dispute trade %d before a buyer is assigned", ErrInvalidState, id))
	}
	if t.Status != StatusFunded && t.Status != StatusFiatSent {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot dispute trade %d in %s", ErrInvalidState, id, t.Status))
	}

	r.advance(t, StatusDisputed)
	r.emit(t, event.EventTypeTradeDisputed, caller, event.TradeDisputed{
		TradeID:  int64(t.ID),
		RaisedBy: string(caller),
	})
	if r.metrics != nil {
		r.metrics.TradesDisputed.Inc()
	}
	return nil
}

// RefundToSeller resolves a dispute by returning the full custody to the
// seller. Arbiter only. No fee is taken.
func (r *Registry) RefundToSeller(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != r.cfg.Arbiter {
		return r.reject("not_arbiter", fmt.Errorf("%w: only the arbiter may refund trade %d", ErrNotAuthorized, id))
	}
	if t.Status != StatusDisputed {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot refund trade %d in %s", ErrInvalidState, id, t.Status))
	}

	if err := r.transfer.TransferOut(ctx, t.Asset, t.Seller, t.Amount); err != nil {
		return r.reject("transfer_failed", fmt.Errorf("%w: refund on trade %d: %v", ErrTransferFailed, id, err))
	}
	if _, err := r.custody.Release(t.ID); err != nil {
		panic(fmt.Sprintf("FATAL: custody release after successful refund: %v", err))
	}

	r.advance(t, StatusRefunded)
	r.emit(t, event.EventTypeTradeRefunded, caller, event.TradeRefunded{
		TradeID: int64(t.ID),
		Seller:  string(t.Seller),
		Amount:  t.Amount,
	})
	r.observeCustody(t.Asset)
	return nil
}

// ResolveToBuyer resolves a dispute by forcing completion: custody is
// released per the normal fee rule. Arbiter only.
func (r *Registry) ResolveToBuyer(ctx context.Context, caller Identity, id TradeID) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if caller != r.cfg.Arbiter {
		return r.reject("not_arbiter", fmt.Errorf("%w: only the arbiter may resolve trade %d", ErrNotAuthorized, id))
	}
	if t.Status != StatusDisputed {
		return r.reject("invalid_state", fmt.Errorf("%w: cannot resolve trade %d in %s", ErrInvalidState, id, t.Status))
	}

	return r.releaseToBuyer(ctx, t, caller, true)
}

// GetTradeInfo returns an immutable snapshot of a trade.
func (r *Registry) GetTradeInfo(id TradeID) (TradeInfo, error) {
	t, err := r.lookup(id)
	if err != nil {
		return TradeInfo{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), nil
}

// CustodyHeld returns the amount currently escrowed for a trade.
func (r *Registry) CustodyHeld(id TradeID) int64 {
	return r.custody.HeldFor(id)
}

// Sequence returns the next event sequence to be assigned.
func (r *Registry) Sequence() int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	return r.sequence
}

// Restore reloads trades persisted before a restart. Custody bookkeeping
// is rebuilt for trades whose status implies a held balance. Must be
// called before the registry serves traffic.
func (r *Registry) Restore(trades []TradeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, info := range trades {
		if _, exists := r.trades[info.ID]; exists {
			return fmt.Errorf("restore: duplicate trade id %d", info.ID)
		}

		t := &Trade{
			ID:           info.ID,
			Seller:       info.Seller,
			Buyer:        info.Buyer,
			Asset:        info.Asset,
			Amount:       info.Amount,
			FiatAmount:   info.FiatAmount,
			FiatCurrency: info.FiatCurrency,
			Status:       info.Status,
			CreatedAt:    info.CreatedAt,
			UpdatedAt:    info.UpdatedAt,
			FiatSentAt:   info.FiatSentAt,
		}
		r.trades[t.ID] = t

		if t.ID >= r.nextID {
			r.nextID = t.ID + 1
		}

		switch t.Status {
		case StatusFunded, StatusFiatSent, StatusDisputed:
			if err := r.custody.Hold(t.ID, t.Asset, t.Amount); err != nil {
				return fmt.Errorf("restore custody for trade %d: %w", t.ID, err)
			}
			r.observeCustody(t.Asset)
		}
	}

	return nil
}

func (r *Registry) lookup(id TradeID) (*Trade, error) {
	r.mu.RLock()
	t, ok := r.trades[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: trade %d", ErrTradeNotFound, id)
	}
	return t, nil
}

// advance applies a status transition. The per-operation checks make an
// illegal edge unreachable; hitting one here means a guard bug, which is
// fatal because the next step would move funds off the books.
func (r *Registry) advance(t *Trade, next Status) {
	if !t.Status.CanTransitionTo(next) {
		panic(fmt.Sprintf("FATAL: illegal transition %s -> %s on trade %d", t.Status, next, t.ID))
	}
	t.Status = next
	t.UpdatedAt = r.now()
}

// emit appends one lifecycle event: blocking send to the persist channel,
// non-blocking send (drop on full) to the publish channel. Caller holds
// t.mu, so backpressure stalls only this trade.
func (r *Registry) emit(t *Trade, evtType event.EventType, actor Identity, payload interface{}) {
	r.seqMu.Lock()
	seq := r.sequence
	r.sequence++
	r.seqMu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	out := Output{
		Envelope: event.Envelope{
			Sequence:  seq,
			EventID:   uuid.New(),
			Type:      evtType,
			TradeID:   int64(t.ID),
			Actor:     string(actor),
			Timestamp: t.UpdatedAt,
			Payload:   data,
		},
		Trade: t.snapshot(),
	}

	if r.persistChan != nil {
		r.persistChan <- out
	}

	if r.publishChan != nil {
		select {
		case r.publishChan <- out:
		default:
			if r.metrics != nil {
				r.metrics.PublishDrops.Inc()
			}
		}
	}

	if r.metrics != nil {
		r.metrics.TransitionsApplied.WithLabelValues(evtType.String()).Inc()
		r.metrics.EventSequence.Set(float64(seq))
	}
}

func (r *Registry) reject(reason string, err error) error {
	if r.metrics != nil {
		r.metrics.TransitionsRejected.WithLabelValues(reason).Inc()
	}
	return err
}

func (r *Registry) observeCustody(asset string) {
	if r.metrics != nil {
		r.metrics.CustodyHeld.WithLabelValues(asset).Set(float64(r.custody.TotalHeld(asset)))
	}
}
