package escrow

import (
	"fmt"
	"sync"
)

// CustodyLedger tracks the asset amount held in escrow per trade, plus
// per-asset totals. A trade's held balance is exactly its amount while
// FUNDED or later, and zero otherwise; it is released or refunded exactly
// once. The registry's status guards make a double release unreachable;
// the ledger still refuses one so a guard bug cannot move funds twice.
type CustodyLedger struct {
	mu     sync.Mutex
	held   map[TradeID]int64
	assets map[TradeID]string
	totals map[string]int64
}

func NewCustodyLedger() *CustodyLedger {
	return &CustodyLedger{
		held:   make(map[TradeID]int64),
		assets: make(map[TradeID]string),
		totals: make(map[string]int64),
	}
}

// Hold records custody of amount for a trade. Fails if custody is already
// recorded for the trade or the amount is not positive.
func (cl *CustodyLedger) Hold(id TradeID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("custody hold for trade %d: non-positive amount %d", id, amount)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.held[id]; exists {
		return fmt.Errorf("custody already held for trade %d", id)
	}

	cl.held[id] = amount
	cl.assets[id] = asset
	cl.totals[asset] += amount
	return nil
}

// Release removes the held balance for a trade and returns it. Fails if
// nothing is held: a release may happen exactly once per trade.
func (cl *CustodyLedger) Release(id TradeID) (int64, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	amount, exists := cl.held[id]
	if !exists {
		return 0, fmt.Errorf("no custody held for trade %d", id)
	}

	asset := cl.assets[id]
	delete(cl.held, id)
	delete(cl.assets, id)
	cl.totals[asset] -= amount
	return amount, nil
}

// HeldFor returns the amount currently held for a trade (zero if none).
func (cl *CustodyLedger) HeldFor(id TradeID) int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.held[id]
}

// TotalHeld returns the total custody across all trades for an asset.
func (cl *CustodyLedger) TotalHeld(asset string) int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.totals[asset]
}

// Snapshot returns a copy of all held balances keyed by trade id.
func (cl *CustodyLedger) Snapshot() map[TradeID]int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	snapshot := make(map[TradeID]int64, len(cl.held))
	for id, amount := range cl.held {
		snapshot[id] = amount
	}
	return snapshot
}
