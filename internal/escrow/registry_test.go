package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"OTCEscrow/internal/asset"
	"OTCEscrow/internal/escrow"
	"OTCEscrow/internal/event"
)

const (
	seller    = escrow.Identity("alice")
	buyer     = escrow.Identity("bob")
	arbiter   = escrow.Identity("arbiter")
	collector = escrow.Identity("fee-collector")

	testAsset  = "USDT"
	amount     = int64(10_000)
	fiatAmount = int64(500)
	currency   = "EUR"
)

func newTestRegistry(t *testing.T, policy escrow.AssignPolicy) (*escrow.Registry, *asset.MemoryBank) {
	t.Helper()

	bank := asset.NewMemoryBank()
	bank.Mint(testAsset, seller, amount)

	reg := escrow.NewRegistry(escrow.Config{
		Fee:     escrow.FeeParams{BasisPoints: 50, Collector: collector},
		Arbiter: arbiter,
		Policy:  policy,
	}, bank, nil, nil, nil)

	return reg, bank
}

// fundedTrade creates and funds a trade, optionally assigning the buyer.
func fundedTrade(t *testing.T, reg *escrow.Registry, withBuyer bool) escrow.TradeID {
	t.Helper()
	ctx := context.Background()

	id, err := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.FundTrade(ctx, seller, id); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if withBuyer {
		if err := reg.AssignBuyer(ctx, seller, id, buyer); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	return id
}

// ============================================================================
// Test: happy path
// ============================================================================

func TestRegistry_HappyPath(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)

	id, err := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err := reg.GetTradeInfo(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.Status != escrow.StatusCreated {
		t.Errorf("status after create: got %s, want CREATED", info.Status)
	}
	if reg.CustodyHeld(id) != 0 {
		t.Error("no custody should be held before funding")
	}

	if err := reg.FundTrade(ctx, seller, id); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if got := reg.CustodyHeld(id); got != amount {
		t.Errorf("custody after fund: got %d, want %d", got, amount)
	}
	if got := bank.BalanceOf(testAsset, seller); got != 0 {
		t.Errorf("seller balance after fund: got %d, want 0", got)
	}

	if err := reg.AssignBuyer(ctx, seller, id, buyer); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := reg.ConfirmFiatSent(ctx, buyer, id); err != nil {
		t.Fatalf("fiat sent: %v", err)
	}

	info, _ = reg.GetTradeInfo(id)
	if info.Status != escrow.StatusFiatSent {
		t.Errorf("status after attestation: got %s, want FIAT_SENT", info.Status)
	}
	if info.FiatSentAt.IsZero() {
		t.Error("FiatSentAt should be set after attestation")
	}

	if err := reg.CompleteTrade(ctx, seller, id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 50 bps of 10000 = 50 fee, buyer receives 9950.
	if got := bank.BalanceOf(testAsset, buyer); got != 9_950 {
		t.Errorf("buyer balance: got %d, want 9950", got)
	}
	if got := bank.BalanceOf(testAsset, collector); got != 50 {
		t.Errorf("collector balance: got %d, want 50", got)
	}
	if got := reg.CustodyHeld(id); got != 0 {
		t.Errorf("custody after complete: got %d, want 0", got)
	}
	if got := bank.CustodyBalance(testAsset); got != 0 {
		t.Errorf("bank custody after complete: got %d, want 0", got)
	}

	info, _ = reg.GetTradeInfo(id)
	if info.Status != escrow.StatusCompleted {
		t.Errorf("final status: got %s, want COMPLETED", info.Status)
	}
}

// The fee split must conserve the escrowed amount even for amounts near
// the int64 ceiling, where a naive amount*bps product overflows.
func TestRegistry_LargeAmountFeeSplit(t *testing.T) {
	ctx := context.Background()
	const hugeAmount = int64(1) << 62

	bank := asset.NewMemoryBank()
	bank.Mint(testAsset, seller, hugeAmount)

	reg := escrow.NewRegistry(escrow.Config{
		Fee:     escrow.FeeParams{BasisPoints: 50, Collector: collector},
		Arbiter: arbiter,
	}, bank, nil, nil, nil)

	id, err := reg.CreateTrade(ctx, seller, testAsset, hugeAmount, fiatAmount, currency)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.FundTrade(ctx, seller, id); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := reg.AssignBuyer(ctx, seller, id, buyer); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := reg.ConfirmFiatSent(ctx, buyer, id); err != nil {
		t.Fatalf("fiat sent: %v", err)
	}
	if err := reg.CompleteTrade(ctx, seller, id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	buyerReceived := bank.BalanceOf(testAsset, buyer)
	feeCollected := bank.BalanceOf(testAsset, collector)

	if feeCollected <= 0 || feeCollected > hugeAmount {
		t.Errorf("fee collected: got %d, want positive fee within the amount", feeCollected)
	}
	if buyerReceived+feeCollected != hugeAmount {
		t.Errorf("conservation violated: buyer %d + fee %d != amount %d",
			buyerReceived, feeCollected, hugeAmount)
	}
	if got := bank.CustodyBalance(testAsset); got != 0 {
		t.Errorf("bank custody after complete: got %d, want 0", got)
	}
}

func TestRegistry_EventSequence(t *testing.T) {
	ctx := context.Background()
	bank := asset.NewMemoryBank()
	bank.Mint(testAsset, seller, amount)

	persistChan := make(chan escrow.Output, 16)
	reg := escrow.NewRegistry(escrow.Config{
		Fee:     escrow.FeeParams{BasisPoints: 50, Collector: collector},
		Arbiter: arbiter,
	}, bank, persistChan, nil, nil)

	id, _ := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	reg.FundTrade(ctx, seller, id)
	reg.AssignBuyer(ctx, seller, id, buyer)
	reg.ConfirmFiatSent(ctx, buyer, id)
	reg.CompleteTrade(ctx, seller, id)
	close(persistChan)

	wantTypes := []event.EventType{
		event.EventTypeTradeCreated,
		event.EventTypeTradeFunded,
		event.EventTypeBuyerAssigned,
		event.EventTypeFiatSent,
		event.EventTypeTradeCompleted,
	}

	i := 0
	for out := range persistChan {
		if i >= len(wantTypes) {
			t.Fatalf("unexpected extra event %s at index %d", out.Envelope.Type, i)
		}
		if out.Envelope.Type != wantTypes[i] {
			t.Errorf("event %d: got %s, want %s", i, out.Envelope.Type, wantTypes[i])
		}
		if out.Envelope.Sequence != int64(i) {
			t.Errorf("event %d: sequence got %d, want %d", i, out.Envelope.Sequence, i)
		}
		if out.Envelope.TradeID != int64(id) {
			t.Errorf("event %d: trade id got %d, want %d", i, out.Envelope.TradeID, id)
		}
		i++
	}
	if i != len(wantTypes) {
		t.Errorf("event count: got %d, want %d", i, len(wantTypes))
	}
	if got := reg.Sequence(); got != int64(len(wantTypes)) {
		t.Errorf("next sequence: got %d, want %d", got, len(wantTypes))
	}
}

// ============================================================================
// Test: creation validation
// ============================================================================

func TestRegistry_CreateValidation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)

	tests := []struct {
		name     string
		caller   escrow.Identity
		asset    string
		amount   int64
		fiat     int64
		currency string
		wantErr  error
	}{
		{"empty caller", "", testAsset, amount, fiatAmount, currency, escrow.ErrInvalidInput},
		{"empty asset", seller, "", amount, fiatAmount, currency, escrow.ErrInvalidInput},
		{"empty currency", seller, testAsset, amount, fiatAmount, "", escrow.ErrInvalidInput},
		{"zero amount", seller, testAsset, 0, fiatAmount, currency, escrow.ErrInvalidAmount},
		{"negative amount", seller, testAsset, -5, fiatAmount, currency, escrow.ErrInvalidAmount},
		{"zero fiat", seller, testAsset, amount, 0, currency, escrow.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.CreateTrade(ctx, tt.caller, tt.asset, tt.amount, tt.fiat, tt.currency)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: authorization
// ============================================================================

func TestRegistry_NonSellerCannotFund(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)
	bank.Mint(testAsset, buyer, amount)

	id, _ := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)

	err := reg.FundTrade(ctx, buyer, id)
	if !errors.Is(err, escrow.ErrNotAuthorized) {
		t.Fatalf("got %v, want ErrNotAuthorized", err)
	}

	info, _ := reg.GetTradeInfo(id)
	if info.Status != escrow.StatusCreated {
		t.Errorf("status after rejected fund: got %s, want CREATED", info.Status)
	}
	if reg.CustodyHeld(id) != 0 {
		t.Error("no custody should be held after a rejected fund")
	}
	if got := bank.BalanceOf(testAsset, buyer); got != amount {
		t.Errorf("caller balance should be untouched: got %d, want %d", got, amount)
	}
}

func TestRegistry_NonBuyerCannotAttestFiat(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	for _, caller := range []escrow.Identity{seller, arbiter, "stranger"} {
		if err := reg.ConfirmFiatSent(ctx, caller, id); !errors.Is(err, escrow.ErrNotAuthorized) {
			t.Errorf("caller %s: got %v, want ErrNotAuthorized", caller, err)
		}
	}
}

func TestRegistry_NonArbiterCannotResolve(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	if err := reg.DisputeTrade(ctx, buyer, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	if err := reg.RefundToSeller(ctx, seller, id); !errors.Is(err, escrow.ErrNotAuthorized) {
		t.Errorf("refund by seller: got %v, want ErrNotAuthorized", err)
	}
	if err := reg.ResolveToBuyer(ctx, buyer, id); !errors.Is(err, escrow.ErrNotAuthorized) {
		t.Errorf("resolve by buyer: got %v, want ErrNotAuthorized", err)
	}
}

// ============================================================================
// Test: buyer assignment
// ============================================================================

func TestRegistry_AssignBuyer(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, false)

	if err := reg.AssignBuyer(ctx, buyer, id, buyer); !errors.Is(err, escrow.ErrNotAuthorized) {
		t.Errorf("assign by non-seller: got %v, want ErrNotAuthorized", err)
	}
	if err := reg.AssignBuyer(ctx, seller, id, ""); !errors.Is(err, escrow.ErrInvalidInput) {
		t.Errorf("empty buyer: got %v, want ErrInvalidInput", err)
	}
	if err := reg.AssignBuyer(ctx, seller, id, seller); !errors.Is(err, escrow.ErrInvalidBuyer) {
		t.Errorf("self assignment: got %v, want ErrInvalidBuyer", err)
	}

	if err := reg.AssignBuyer(ctx, seller, id, buyer); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := reg.AssignBuyer(ctx, seller, id, "charlie"); !errors.Is(err, escrow.ErrBuyerAlreadySet) {
		t.Errorf("second assign: got %v, want ErrBuyerAlreadySet", err)
	}

	info, _ := reg.GetTradeInfo(id)
	if info.Buyer != buyer {
		t.Errorf("buyer: got %s, want %s", info.Buyer, buyer)
	}
}

func TestRegistry_AssignPolicy(t *testing.T) {
	ctx := context.Background()

	// Default policy: assignment requires FUNDED.
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id, _ := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	if err := reg.AssignBuyer(ctx, seller, id, buyer); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("assign in CREATED under default policy: got %v, want ErrInvalidState", err)
	}

	// Relaxed policy: assignment permitted in CREATED too.
	reg2, _ := newTestRegistry(t, escrow.AssignAnyState)
	id2, _ := reg2.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	if err := reg2.AssignBuyer(ctx, seller, id2, buyer); err != nil {
		t.Errorf("assign in CREATED under relaxed policy: %v", err)
	}
}

// ============================================================================
// Test: cancellation
// ============================================================================

func TestRegistry_CancelBeforeFunding(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)

	id, _ := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	if err := reg.CancelTrade(ctx, seller, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	info, _ := reg.GetTradeInfo(id)
	if info.Status != escrow.StatusCancelled {
		t.Errorf("status: got %s, want CANCELLED", info.Status)
	}
	if got := bank.BalanceOf(testAsset, seller); got != amount {
		t.Errorf("seller balance: got %d, want %d (nothing moved)", got, amount)
	}

	// Terminal: no further transitions.
	if err := reg.FundTrade(ctx, seller, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("fund after cancel: got %v, want ErrInvalidState", err)
	}
}

func TestRegistry_CancelAfterFundingRefunds(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, false)

	if err := reg.CancelTrade(ctx, seller, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := bank.BalanceOf(testAsset, seller); got != amount {
		t.Errorf("seller balance after refund: got %d, want %d", got, amount)
	}
	if got := reg.CustodyHeld(id); got != 0 {
		t.Errorf("custody after cancel: got %d, want 0", got)
	}
}

func TestRegistry_CancelBlockedOnceBuyerAssigned(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	if err := reg.CancelTrade(ctx, seller, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("cancel with buyer assigned: got %v, want ErrInvalidState", err)
	}
	if got := reg.CustodyHeld(id); got != amount {
		t.Errorf("custody must remain held: got %d, want %d", got, amount)
	}
}

// ============================================================================
// Test: disputes
// ============================================================================

func TestRegistry_DisputeRequiresBuyer(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, false)

	if err := reg.DisputeTrade(ctx, seller, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("dispute without buyer: got %v, want ErrInvalidState", err)
	}
}

func TestRegistry_DisputeAndRefund(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	if err := reg.DisputeTrade(ctx, buyer, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	info, _ := reg.GetTradeInfo(id)
	if info.Status != escrow.StatusDisputed {
		t.Errorf("status: got %s, want DISPUTED", info.Status)
	}
	if got := reg.CustodyHeld(id); got != amount {
		t.Errorf("custody during dispute: got %d, want %d", got, amount)
	}

	// Normal transitions are frozen while disputed.
	if err := reg.ConfirmFiatSent(ctx, buyer, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("fiat sent while disputed: got %v, want ErrInvalidState", err)
	}
	if err := reg.CompleteTrade(ctx, seller, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("complete while disputed: got %v, want ErrInvalidState", err)
	}

	if err := reg.RefundToSeller(ctx, arbiter, id); err != nil {
		t.Fatalf("refund: %v", err)
	}

	// Full refund, no fee taken.
	if got := bank.BalanceOf(testAsset, seller); got != amount {
		t.Errorf("seller balance after refund: got %d, want %d", got, amount)
	}
	if got := bank.BalanceOf(testAsset, collector); got != 0 {
		t.Errorf("collector balance after refund: got %d, want 0", got)
	}
	if got := reg.CustodyHeld(id); got != 0 {
		t.Errorf("custody after refund: got %d, want 0", got)
	}

	info, _ = reg.GetTradeInfo(id)
	if info.Status != escrow.StatusRefunded {
		t.Errorf("final status: got %s, want REFUNDED", info.Status)
	}
}

func TestRegistry_DisputeResolvedToBuyer(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	if err := reg.ConfirmFiatSent(ctx, buyer, id); err != nil {
		t.Fatalf("fiat sent: %v", err)
	}
	if err := reg.DisputeTrade(ctx, seller, id); err != nil {
		t.Fatalf("dispute from FIAT_SENT: %v", err)
	}
	if err := reg.ResolveToBuyer(ctx, arbiter, id); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Fee rule applies to forced completion just like the normal path.
	if got := bank.BalanceOf(testAsset, buyer); got != 9_950 {
		t.Errorf("buyer balance: got %d, want 9950", got)
	}
	if got := bank.BalanceOf(testAsset, collector); got != 50 {
		t.Errorf("collector balance: got %d, want 50", got)
	}

	info, _ := reg.GetTradeInfo(id)
	if info.Status != escrow.StatusCompleted {
		t.Errorf("final status: got %s, want COMPLETED", info.Status)
	}
}

// ============================================================================
// Test: completion edge cases
// ============================================================================

func TestRegistry_CompleteRequiresFiatSent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	if err := reg.CompleteTrade(ctx, seller, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("complete from FUNDED: got %v, want ErrInvalidState", err)
	}
}

func TestRegistry_DoubleCompleteRejected(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)

	reg.ConfirmFiatSent(ctx, buyer, id)
	if err := reg.CompleteTrade(ctx, seller, id); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := reg.CompleteTrade(ctx, seller, id); !errors.Is(err, escrow.ErrInvalidState) {
		t.Errorf("second complete: got %v, want ErrInvalidState", err)
	}

	// Payout happened exactly once.
	if got := bank.BalanceOf(testAsset, buyer); got != 9_950 {
		t.Errorf("buyer balance: got %d, want 9950", got)
	}
}

func TestRegistry_FundFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	bank := asset.NewMemoryBank() // seller has no balance
	reg := escrow.NewRegistry(escrow.Config{
		Fee:     escrow.FeeParams{BasisPoints: 50, Collector: collector},
		Arbiter: arbiter,
	}, bank, nil, nil, nil)

	id, _ := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)

	err := reg.FundTrade(ctx, seller, id)
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	info, _ := reg.GetTradeInfo(id)
	if info.Status != escrow.StatusCreated {
		t.Errorf("status after failed fund: got %s, want CREATED", info.Status)
	}
	if reg.CustodyHeld(id) != 0 {
		t.Error("no custody should be held after a failed fund")
	}

	// The trade is still fundable once the balance exists.
	bank.Mint(testAsset, seller, amount)
	if err := reg.FundTrade(ctx, seller, id); err != nil {
		t.Fatalf("retry fund: %v", err)
	}
}

// blockingFeeBank fails payouts to one identity, simulating a fee-collector
// account the settlement backend refuses.
type blockingFeeBank struct {
	*asset.MemoryBank
	blocked escrow.Identity
}

func (b *blockingFeeBank) TransferOut(ctx context.Context, asset string, to escrow.Identity, amount int64) error {
	if to == b.blocked {
		return fmt.Errorf("account %s is blocked", to)
	}
	return b.MemoryBank.TransferOut(ctx, asset, to, amount)
}

func TestRegistry_FeeFailureCompensatesBuyerShare(t *testing.T) {
	ctx := context.Background()
	inner := asset.NewMemoryBank()
	inner.Mint(testAsset, seller, amount)
	bank := &blockingFeeBank{MemoryBank: inner, blocked: collector}

	reg := escrow.NewRegistry(escrow.Config{
		Fee:     escrow.FeeParams{BasisPoints: 50, Collector: collector},
		Arbiter: arbiter,
	}, bank, nil, nil, nil)

	id, _ := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	reg.FundTrade(ctx, seller, id)
	reg.AssignBuyer(ctx, seller, id, buyer)
	reg.ConfirmFiatSent(ctx, buyer, id)

	err := reg.CompleteTrade(ctx, seller, id)
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	// The buyer share was clawed back; custody and status are unchanged.
	info, _ := reg.GetTradeInfo(id)
	if info.Status != escrow.StatusFiatSent {
		t.Errorf("status after failed payout: got %s, want FIAT_SENT", info.Status)
	}
	if got := reg.CustodyHeld(id); got != amount {
		t.Errorf("custody after failed payout: got %d, want %d", got, amount)
	}
	if got := inner.BalanceOf(testAsset, buyer); got != 0 {
		t.Errorf("buyer balance after compensation: got %d, want 0", got)
	}
	if got := inner.CustodyBalance(testAsset); got != amount {
		t.Errorf("bank custody after compensation: got %d, want %d", got, amount)
	}
}

func TestRegistry_ConcurrentCompleteReleasesOnce(t *testing.T) {
	ctx := context.Background()
	reg, bank := newTestRegistry(t, escrow.AssignAfterFunding)
	id := fundedTrade(t, reg, true)
	reg.ConfirmFiatSent(ctx, buyer, id)

	const callers = 8
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			results <- reg.CompleteTrade(ctx, seller, id)
		}()
	}

	succeeded := 0
	for i := 0; i < callers; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else if !errors.Is(err, escrow.ErrInvalidState) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 {
		t.Errorf("successful completions: got %d, want exactly 1", succeeded)
	}
	if got := bank.BalanceOf(testAsset, buyer); got != 9_950 {
		t.Errorf("buyer balance: got %d, want 9950 (payout exactly once)", got)
	}
}

// ============================================================================
// Test: restore
// ============================================================================

func TestRegistry_Restore(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)

	infos := []escrow.TradeInfo{
		{ID: 3, Seller: seller, Asset: testAsset, Amount: amount,
			FiatAmount: fiatAmount, FiatCurrency: currency, Status: escrow.StatusCreated},
		{ID: 7, Seller: seller, Buyer: buyer, Asset: testAsset, Amount: 5_000,
			FiatAmount: fiatAmount, FiatCurrency: currency, Status: escrow.StatusFunded},
	}
	if err := reg.Restore(infos); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Custody is rebuilt only for statuses that imply a held balance.
	if got := reg.CustodyHeld(3); got != 0 {
		t.Errorf("custody for CREATED trade: got %d, want 0", got)
	}
	if got := reg.CustodyHeld(7); got != 5_000 {
		t.Errorf("custody for FUNDED trade: got %d, want 5000", got)
	}

	// New IDs continue after the highest restored ID.
	id, err := reg.CreateTrade(ctx, seller, testAsset, amount, fiatAmount, currency)
	if err != nil {
		t.Fatalf("create after restore: %v", err)
	}
	if id != 8 {
		t.Errorf("next trade id: got %d, want 8", id)
	}

	// Restored trades accept operations.
	if err := reg.ConfirmFiatSent(ctx, buyer, 7); err != nil {
		t.Errorf("operate on restored trade: %v", err)
	}

	if err := reg.Restore(infos[:1]); err == nil {
		t.Error("restoring a duplicate trade id should fail")
	}
}

func TestRegistry_TradeNotFound(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, escrow.AssignAfterFunding)

	if _, err := reg.GetTradeInfo(99); !errors.Is(err, escrow.ErrTradeNotFound) {
		t.Errorf("get: got %v, want ErrTradeNotFound", err)
	}
	if err := reg.FundTrade(ctx, seller, 99); !errors.Is(err, escrow.ErrTradeNotFound) {
		t.Errorf("fund: got %v, want ErrTradeNotFound", err)
	}
}
