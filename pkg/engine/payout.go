package engine

import (
	"errors"
	"math/bits"
)

var errSharesOverflow = errors.New("sum of share weights overflows uint64")

// distributable returns the portion of the custody balance available for
// payout after reserving the per-transfer fee for every pending recipient.
// Returns 0 when the fee reservation consumes the whole balance.
func distributable(balance, fee uint64, recipients int) uint64 {
	if fee == 0 || recipients == 0 {
		return balance
	}
	reserve := fee * uint64(recipients)
	if reserve/fee != uint64(recipients) {
		// fee * recipients overflowed; no balance could cover it.
		return 0
	}
	if reserve >= balance {
		return 0
	}
	return balance - reserve
}

// proportion computes floor(weight * distributable / totalShares) with a
// 128-bit intermediate product. weight never exceeds totalShares, so the
// quotient always fits in a uint64.
func proportion(weight, distributable, totalShares uint64) uint64 {
	if totalShares == 0 {
		return 0
	}
	hi, lo := bits.Mul64(weight, distributable)
	quo, _ := bits.Div64(hi, lo, totalShares)
	return quo
}

// sumWeights adds up pending share weights, rejecting uint64 overflow.
func sumWeights(weights []uint64) (uint64, error) {
	var sum uint64
	for _, w := range weights {
		next := sum + w
		if next < sum {
			return 0, errSharesOverflow
		}
		sum = next
	}
	return sum, nil
}
