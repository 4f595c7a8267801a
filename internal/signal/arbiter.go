package signal

import (
	"math"

	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
)

// HOLD reason codes emitted when the arbiter declines to trade.
const (
	HoldNoSignals            = "no_signals"
	HoldBelowThreshold       = "below_threshold"
	HoldPowerGap             = "power_gap"
	HoldEnsembleDisagreement = "ensemble_disagreement"
	HoldStressOverride       = "stress_override"
	HoldNoPosition           = "no_position"
)

// Decision is the arbiter's verdict for one (symbol, cycle).
type Decision struct {
	Signal     Signal
	HoldReason string
	BuyPower   float64
	SellPower  float64
	Threshold  float64
	Dropped    int
}

// Arbiter turns a cycle's raw signals into at most one trade decision. It
// runs collect → prioritize → vote → decide; each stage can only shrink the
// candidate set.
type Arbiter struct {
	cfg config.ArbiterConfig
}

func NewArbiter(cfg config.ArbiterConfig) *Arbiter {
	return &Arbiter{cfg: cfg}
}

// Decide arbitrates one symbol's signals. hasPosition gates sell decisions;
// there is nothing to sell otherwise.
func (a *Arbiter) Decide(records []SignalRecord, ens EnsembleResult, regime Regime, stress float64, hasPosition bool) Decision {
	d := Decision{Signal: Hold}

	directional := make([]SignalRecord, 0, len(records))
	for _, r := range records {
		if r.Signal.IsBuy() || r.Signal.IsSell() {
			directional = append(directional, r)
		}
	}
	if len(directional) == 0 {
		d.HoldReason = HoldNoSignals
		return d
	}

	// Prioritize, then drop any signal outranked by an opposite-direction
	// signal.
	priorities := make([]float64, len(directional))
	for i, r := range directional {
		priorities[i] = a.priority(r, regime, stress)
	}
	surviving := directional[:0:0]
	for i, r := range directional {
		dropped := false
		for j, other := range directional {
			if i == j {
				continue
			}
			opposite := r.Signal.IsBuy() != other.Signal.IsBuy()
			if opposite && priorities[j] > priorities[i] {
				dropped = true
				break
			}
		}
		if dropped {
			d.Dropped++
			continue
		}
		surviving = append(surviving, r)
	}
	if len(surviving) == 0 {
		d.HoldReason = HoldNoSignals
		return d
	}

	// Weighted vote.
	var buyW, sellW float64
	for _, r := range surviving {
		w := r.Confidence * r.Type.TypeWeight()
		if r.Signal.IsStrong() {
			w *= 1.3
		}
		if stress > 0.6 {
			w *= 0.7
		}
		if r.Signal.IsBuy() {
			buyW += w
		} else {
			sellW += w
		}
	}
	total := buyW + sellW
	if total == 0 {
		d.HoldReason = HoldNoSignals
		return d
	}
	d.BuyPower = buyW / total
	d.SellPower = sellW / total

	winnerBuy := d.BuyPower >= d.SellPower
	power := d.BuyPower
	if !winnerBuy {
		power = d.SellPower
	}
	gap := math.Abs(d.BuyPower - d.SellPower)

	d.Threshold = a.threshold(ens, regime, stress, winnerBuy)

	// Stress override: in a panicked market only an overwhelming vote
	// trades.
	if stress > 0.8 && gap < 0.2 {
		d.HoldReason = HoldStressOverride
		return d
	}
	if power < d.Threshold {
		d.HoldReason = HoldBelowThreshold
		return d
	}
	if gap < a.cfg.MinPowerDiff {
		d.HoldReason = HoldPowerGap
		return d
	}
	// Ensemble agreement gate: a confident ensemble verdict in the
	// opposite direction vetoes the vote.
	if ens.Confidence >= 0.6 {
		if (winnerBuy && ens.Signal.IsSell()) || (!winnerBuy && ens.Signal.IsBuy()) {
			d.HoldReason = HoldEnsembleDisagreement
			return d
		}
	}
	if !winnerBuy && !hasPosition {
		d.HoldReason = HoldNoPosition
		return d
	}

	strong := power >= d.Threshold+a.cfg.StrongMargin
	switch {
	case winnerBuy && strong:
		d.Signal = StrongBuy
	case winnerBuy:
		d.Signal = Buy
	case strong:
		d.Signal = StrongSell
	default:
		d.Signal = Sell
	}
	return d
}

// priority scores one signal for conflict resolution: base by source type,
// plus quality and context bonuses.
func (a *Arbiter) priority(r SignalRecord, regime Regime, stress float64) float64 {
	p := r.Type.BasePriority()

	switch {
	case r.Confidence >= 0.8:
		p += 15
	case r.Confidence >= 0.6:
		p += 8
	}
	if r.Signal.IsStrong() {
		p += 10
	}

	aligned := (r.Signal.IsBuy() && regime == RegimeStrongBull) ||
		(r.Signal.IsSell() && regime == RegimeStrongBear)
	opposed := (r.Signal.IsBuy() && regime == RegimeStrongBear) ||
		(r.Signal.IsSell() && regime == RegimeStrongBull)
	if aligned {
		p += 5
	}
	if opposed {
		p -= 5
	}
	if stress > 0.6 && r.Signal.IsBuy() {
		p -= 10
	}
	return p
}

// threshold adapts the base decision threshold to market conditions and is
// clamped to [floor, ceiling].
func (a *Arbiter) threshold(ens EnsembleResult, regime Regime, stress float64, winnerBuy bool) float64 {
	t := a.cfg.BaseThreshold

	switch {
	case stress > 0.6:
		t += 0.08
	case stress > 0.4:
		t += 0.04
	}
	switch {
	case ens.Confidence >= 0.75:
		t -= 0.03
	case ens.Confidence < 0.4:
		t += 0.05
	}
	switch {
	case regime == RegimeMixed:
		t += 0.025
	case (winnerBuy && regime == RegimeStrongBull) || (!winnerBuy && regime == RegimeStrongBear):
		t -= 0.015
	case (winnerBuy && regime == RegimeStrongBear) || (!winnerBuy && regime == RegimeStrongBull):
		t += 0.015
	}

	if t < a.cfg.ThresholdFloor {
		t = a.cfg.ThresholdFloor
	}
	if t > a.cfg.ThresholdCeil {
		t = a.cfg.ThresholdCeil
	}
	return t
}
