package sizing

import (
	"errors"
	"math"

	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
	"github.com/ducminhle1904/crypto-signal-trader/internal/risk"
	"github.com/ducminhle1904/crypto-signal-trader/internal/signal"
)

// ErrFloorExceedsCap rejects orders where even the exchange-minimum notional
// would break the per-position cap. Sizing up past the cap is never allowed.
var ErrFloorExceedsCap = errors.New("minimum notional exceeds position cap")

// ErrInvalidInput rejects sizing calls with non-positive balance or price.
var ErrInvalidInput = errors.New("invalid sizing input")

// Input carries everything one sizing decision depends on.
type Input struct {
	Symbol          string
	Price           float64
	Balance         float64
	Confidence      float64
	Volatility      float64
	EnsembleSignal  signal.Signal
	Regime          signal.Regime
	PortfolioHealth float64
	Stress          float64
	Profile         risk.Profile
	MinNotional     float64
}

// Result is a sized order: quantity at the given price plus the notional it
// commits. Floored marks orders bumped up to the exchange minimum.
type Result struct {
	Quantity float64
	Notional float64
	Floored  bool
}

// Sizer converts a trade decision into an order size via a chain of
// multiplicative adjustments over the base risk fraction.
type Sizer struct {
	cfg config.RiskConfig
}

func NewSizer(cfg config.RiskConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes the order size. The notional never exceeds
// balance × maxPositionFraction; below the exchange minimum it is floored to
// minNotional × buffer, or the order is rejected when that floor would break
// the cap.
func (s *Sizer) Size(in Input) (Result, error) {
	if in.Balance <= 0 || in.Price <= 0 {
		return Result{}, ErrInvalidInput
	}

	notional := in.Balance * s.cfg.BaseRiskFraction *
		in.Profile.Multiplier() *
		confidenceFactor(in.Confidence) *
		ensembleBoost(in.EnsembleSignal) *
		volAdjustment(in.Volatility) *
		regimeAdjustment(in.Regime) *
		healthFactor(in.PortfolioHealth) *
		stressFactor(in.Stress)

	maxNotional := in.Balance * s.cfg.MaxPositionFraction
	if notional > maxNotional {
		notional = maxNotional
	}

	res := Result{Notional: notional}
	if in.MinNotional > 0 {
		floor := in.MinNotional * s.cfg.MinNotionalBuffer
		if notional < floor {
			if floor > maxNotional {
				return Result{}, ErrFloorExceedsCap
			}
			res.Notional = floor
			res.Floored = true
		}
	}
	res.Quantity = res.Notional / in.Price
	return res, nil
}

// confidenceFactor scales linearly with signal confidence, capped at 1.2 so
// conviction alone cannot balloon a position.
func confidenceFactor(conf float64) float64 {
	return math.Min(0.5+conf, 1.2)
}

func ensembleBoost(sig signal.Signal) float64 {
	switch sig {
	case signal.StrongBuy:
		return 1.3
	case signal.Buy:
		return 1.15
	default:
		return 1.0
	}
}

// volAdjustment cuts size as volatility rises: calm markets earn up to 1.2,
// 6%+ per-tick volatility bottoms out at 0.6.
func volAdjustment(vol float64) float64 {
	return clamp(1.2-vol*10, 0.6, 1.2)
}

func regimeAdjustment(r signal.Regime) float64 {
	switch r {
	case signal.RegimeStrongBull:
		return 1.2
	case signal.RegimeStrongBear:
		return 0.7
	case signal.RegimeConsolidation:
		return 0.9
	default:
		return 0.85
	}
}

// healthFactor maps portfolio health in [0,1] onto [0.5, 1.5].
func healthFactor(health float64) float64 {
	return clamp(0.5+health, 0.5, 1.5)
}

func stressFactor(stress float64) float64 {
	return 1 - 0.5*clamp(stress, 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
