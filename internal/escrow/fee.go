package escrow

import "fmt"

// FeeParams is process-wide fee configuration, fixed at initialization.
// Trade operations never mutate it.
type FeeParams struct {
	// BasisPoints is the platform fee rate in 1/100ths of a percent
	// (50 = 0.5%).
	BasisPoints int64

	// Collector receives the fee share on completion.
	Collector Identity
}

// Validate rejects fee rates outside [0, 10000). A full 10000 bps rate
// would leave the buyer a zero share, which the transfer layer rejects,
// so completion could never succeed.
func (fp FeeParams) Validate() error {
	if fp.BasisPoints < 0 || fp.BasisPoints >= 10_000 {
		return fmt.Errorf("fee basis points must be in [0, 10000), got %d", fp.BasisPoints)
	}
	return nil
}

// ComputeFee returns floor(amount * basisPoints / 10000). Integer
// division keeps the split deterministic: the buyer receives exactly
// amount - fee and buyerReceived + fee == amount always holds.
//
// The quotient/remainder split avoids the int64 overflow of a direct
// amount*bps product: with bps <= 10000 both terms stay in range for
// any positive amount up to math.MaxInt64.
func (fp FeeParams) ComputeFee(amount int64) int64 {
	q := amount / 10_000
	r := amount % 10_000
	return q*fp.BasisPoints + r*fp.BasisPoints/10_000
}
