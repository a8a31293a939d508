// Package fees computes payment splits and volume-tiered platform fee rates.
//
// All arithmetic is unsigned and checked. Multiplications go through a
// 128-bit intermediate so that no valid input can wrap, and any step that
// cannot be represented returns ErrOverflow instead of truncating.
package fees

import (
	"errors"
	"math/bits"
)

var (
	ErrOverflow   = errors.New("fees: arithmetic overflow")
	ErrInvalidBps = errors.New("fees: basis points out of range")
)

// BpsDivisor is the basis-point denominator (100% = 10,000 bps).
const BpsDivisor = 10_000

// MaxExecutorFeeBps caps the renewal-executor fee (1%).
const MaxExecutorFeeBps = 100

// Split is the three-way division of a single payment.
type Split struct {
	ExecutorFee uint64 `json:"executorFee"`
	PlatformFee uint64 `json:"platformFee"`
	PayeeAmount uint64 `json:"payeeAmount"`
}

// Total returns the sum of all three parts.
func (s Split) Total() (uint64, error) {
	sum, carry := bits.Add64(s.ExecutorFee, s.PlatformFee, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	sum, carry = bits.Add64(sum, s.PayeeAmount, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Compute splits amount into executor fee, platform fee and payee amount.
//
// The executor fee is taken first, the platform fee is taken from what
// remains, and the payee receives the rest. Rounding is always down, and
// because the payee amount is a difference the parts sum exactly to amount.
func Compute(amount uint64, executorBps, platformBps uint16) (Split, error) {
	if executorBps > BpsDivisor || platformBps > BpsDivisor {
		return Split{}, ErrInvalidBps
	}

	executorFee, err := MulBps(amount, executorBps)
	if err != nil {
		return Split{}, err
	}
	remaining, err := sub(amount, executorFee)
	if err != nil {
		return Split{}, err
	}

	platformFee, err := MulBps(remaining, platformBps)
	if err != nil {
		return Split{}, err
	}
	payeeAmount, err := sub(remaining, platformFee)
	if err != nil {
		return Split{}, err
	}

	return Split{
		ExecutorFee: executorFee,
		PlatformFee: platformFee,
		PayeeAmount: payeeAmount,
	}, nil
}

// MulBps returns floor(amount * bps / 10,000).
func MulBps(amount uint64, bps uint16) (uint64, error) {
	hi, lo := bits.Mul64(amount, uint64(bps))
	if hi >= BpsDivisor {
		// quotient would not fit in 64 bits
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, BpsDivisor)
	return q, nil
}

// MulChecked returns a*b or ErrOverflow.
func MulChecked(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// AddChecked returns a+b or ErrOverflow.
func AddChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

func sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// ClampBps forces bps into [minBps, maxBps].
func ClampBps(bps, minBps, maxBps uint16) uint16 {
	if bps < minBps {
		return minBps
	}
	if bps > maxBps {
		return maxBps
	}
	return bps
}
