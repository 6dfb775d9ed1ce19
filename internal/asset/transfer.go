package asset

import (
	"context"
	"fmt"
	"sync"

	"OTCEscrow/internal/escrow"
)

// MemoryBank is an in-process escrow.Transferor backed by per-identity balances.
// It stands in for a real ledger adapter in tests and demo deployments;
// the custody account accumulates everything transferred in and pays out
// everything transferred out.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[balanceKey]int64
	custody  map[string]int64
}

type balanceKey struct {
	asset string
	owner escrow.Identity
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[balanceKey]int64),
		custody:  make(map[string]int64),
	}
}

// Mint credits an identity's balance. Test/demo setup only.
func (b *MemoryBank) Mint(asset string, owner escrow.Identity, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[balanceKey{asset, owner}] += amount
}

// BalanceOf returns an identity's external balance for an asset.
func (b *MemoryBank) BalanceOf(asset string, owner escrow.Identity) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[balanceKey{asset, owner}]
}

// CustodyBalance returns the bank-side view of escrowed funds for an asset.
func (b *MemoryBank) CustodyBalance(asset string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.custody[asset]
}

func (b *MemoryBank) TransferIn(ctx context.Context, asset string, from escrow.Identity, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("transfer in: non-positive amount %d", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := balanceKey{asset, from}
	if b.balances[key] < amount {
		return fmt.Errorf("transfer in: insufficient balance for %s: have=%d, need=%d",
			from, b.balances[key], amount)
	}

	b.balances[key] -= amount
	b.custody[asset] += amount
	return nil
}

func (b *MemoryBank) TransferOut(ctx context.Context, asset string, to escrow.Identity, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("transfer out: non-positive amount %d", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.custody[asset] < amount {
		return fmt.Errorf("transfer out: custody underflow for %s: have=%d, need=%d",
			asset, b.custody[asset], amount)
	}

	b.custody[asset] -= amount
	b.balances[balanceKey{asset, to}] += amount
	return nil
}
