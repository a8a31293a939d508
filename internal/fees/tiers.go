package fees

import (
	"errors"
	"math/bits"
)

var ErrInvalidPolicy = errors.New("fees: invalid tier policy")

// Tier is a payee's platform-fee bracket.
type Tier string

const (
	TierBase   Tier = "base"
	TierGrowth Tier = "growth"
	TierScale  Tier = "scale"
)

// Platform fee per tier, in basis points.
const (
	BaseFeeBps   uint16 = 25
	GrowthFeeBps uint16 = 20
	ScaleFeeBps  uint16 = 15
)

// Default thresholds over the rolling window, in smallest units (6 decimals).
const (
	DefaultGrowthThreshold uint64 = 10_000_000_000  // 10,000 USDC
	DefaultScaleThreshold  uint64 = 100_000_000_000 // 100,000 USDC
	DefaultWindowSeconds   int64  = 30 * 24 * 60 * 60
)

// FeeBps returns the platform fee rate for the tier.
func (t Tier) FeeBps() uint16 {
	switch t {
	case TierScale:
		return ScaleFeeBps
	case TierGrowth:
		return GrowthFeeBps
	default:
		return BaseFeeBps
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierBase, TierGrowth, TierScale:
		return true
	}
	return false
}

// DecayMode selects how the rolling volume counter ages inside the window.
type DecayMode string

const (
	// DecayReset keeps the full counter until the window elapses with no
	// payments, then restarts from the new payment.
	DecayReset DecayMode = "reset"
	// DecayLinear scales the prior counter by the unexpired fraction of the
	// window before adding the new payment.
	DecayLinear DecayMode = "linear"
)

// TierPolicy holds the thresholds and window used by the volume tracker.
type TierPolicy struct {
	GrowthThreshold uint64    `json:"growthThreshold"`
	ScaleThreshold  uint64    `json:"scaleThreshold"`
	WindowSeconds   int64     `json:"windowSeconds"`
	Decay           DecayMode `json:"decay"`
}

// DefaultTierPolicy returns the production thresholds with reset decay.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		GrowthThreshold: DefaultGrowthThreshold,
		ScaleThreshold:  DefaultScaleThreshold,
		WindowSeconds:   DefaultWindowSeconds,
		Decay:           DecayReset,
	}
}

// Validate checks threshold ordering and window length.
func (p TierPolicy) Validate() error {
	if p.WindowSeconds <= 0 {
		return ErrInvalidPolicy
	}
	if p.GrowthThreshold == 0 || p.ScaleThreshold <= p.GrowthThreshold {
		return ErrInvalidPolicy
	}
	switch p.Decay {
	case DecayReset, DecayLinear:
	default:
		return ErrInvalidPolicy
	}
	return nil
}

// TierFor maps a rolling volume onto a tier. It is monotonic in volume.
func (p TierPolicy) TierFor(volume uint64) Tier {
	switch {
	case volume >= p.ScaleThreshold:
		return TierScale
	case volume >= p.GrowthThreshold:
		return TierGrowth
	default:
		return TierBase
	}
}

// VolumeState is the per-payee rolling counter.
type VolumeState struct {
	Volume     uint64 `json:"volume"`
	LastUpdate int64  `json:"lastUpdate"`
	Tier       Tier   `json:"tier"`
}

// UpdateVolume folds a successful payment of amount at now into state and
// recomputes the tier. Callers compare the returned tier with the previous
// one to detect a change.
func (p TierPolicy) UpdateVolume(state VolumeState, amount uint64, now int64) (VolumeState, error) {
	prior, err := p.carried(state, now)
	if err != nil {
		return state, err
	}
	volume, err := AddChecked(prior, amount)
	if err != nil {
		return state, err
	}
	return VolumeState{
		Volume:     volume,
		LastUpdate: now,
		Tier:       p.TierFor(volume),
	}, nil
}

// carried returns the part of the stored counter still inside the window.
func (p TierPolicy) carried(state VolumeState, now int64) (uint64, error) {
	elapsed := now - state.LastUpdate
	if elapsed < 0 {
		elapsed = 0
	}
	if state.Volume == 0 || elapsed >= p.WindowSeconds {
		return 0, nil
	}
	if p.Decay != DecayLinear || elapsed == 0 {
		return state.Volume, nil
	}

	remaining := uint64(p.WindowSeconds - elapsed) //nolint:gosec // 0 < remaining < window
	window := uint64(p.WindowSeconds)              //nolint:gosec // validated positive
	hi, lo := bits.Mul64(state.Volume, remaining)
	if hi >= window {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, window)
	return q, nil
}
