package risk

import (
	"math"
	"sync"

	"github.com/ducminhle1904/crypto-signal-trader/pkg/types"
)

// Profile selects how aggressively the sizer may commit balance.
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileModerate     Profile = "moderate"
	ProfileAggressive   Profile = "aggressive"
)

// Multiplier returns the sizing multiplier for the profile.
func (p Profile) Multiplier() float64 {
	switch p {
	case ProfileConservative:
		return 0.7
	case ProfileAggressive:
		return 1.3
	default:
		return 1.0
	}
}

// Stress labels derived from the composite market stress score.
const (
	StressHigh     = "HIGH_STRESS"
	StressElevated = "ELEVATED"
	StressNormal   = "NORMAL"
)

// volSaturation is the per-tick log-return stddev that saturates the
// volatility component of the stress score at 1.0.
const volSaturation = 0.05

// Engine tracks market stress and the active risk profile for one session.
// Each session constructs its own engine; nothing is shared across tenants.
type Engine struct {
	mu          sync.Mutex
	profile     Profile
	stress      float64
	stressLabel string
	realizedVol float64
}

func NewEngine() *Engine {
	return &Engine{
		profile:     ProfileModerate,
		stressLabel: StressNormal,
	}
}

// ComputeMarketStress produces a composite score in [0,1]: the mean of the
// realized-volatility, return-correlation, and volume-anomaly components
// across the tracked symbols. The score and its label are retained for
// AdjustProfile and reporting.
func (e *Engine) ComputeMarketStress(snapshots map[string]types.MarketSnapshot, recentPrices map[string]types.PriceSeries) float64 {
	volComp, avgVol := volatilityComponent(recentPrices)
	corrComp := correlationComponent(recentPrices)
	volumeComp := volumeComponent(snapshots)

	stress := clamp01((volComp + corrComp + volumeComp) / 3.0)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stress = stress
	e.realizedVol = avgVol
	switch {
	case stress > 0.7:
		e.stressLabel = StressHigh
	case stress > 0.4:
		e.stressLabel = StressElevated
	default:
		e.stressLabel = StressNormal
	}
	return stress
}

// AdjustProfile reassesses the profile from portfolio performance and the
// last computed stress. High stress always forces conservative.
func (e *Engine) AdjustProfile(portfolioReturn, maxDrawdown float64) Profile {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.stress > 0.6 || e.stressLabel == StressHigh:
		e.profile = ProfileConservative
	case maxDrawdown > 0.08:
		e.profile = ProfileConservative
	case portfolioReturn > 0.15 && e.realizedVol < 0.03:
		e.profile = ProfileAggressive
	default:
		e.profile = ProfileModerate
	}
	return e.profile
}

// SetProfile overrides the active profile, typically when restoring a
// persisted snapshot.
func (e *Engine) SetProfile(p Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch p {
	case ProfileConservative, ProfileModerate, ProfileAggressive:
		e.profile = p
	}
}

func (e *Engine) Profile() Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

func (e *Engine) Stress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stress
}

func (e *Engine) StressLabel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stressLabel
}

func (e *Engine) RealizedVolatility() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.realizedVol
}

// volatilityComponent returns the normalized stress contribution and the raw
// mean per-symbol log-return stddev.
func volatilityComponent(recentPrices map[string]types.PriceSeries) (float64, float64) {
	var sum float64
	var n int
	for _, prices := range recentPrices {
		if v, ok := realizedVolatility(prices); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	avg := sum / float64(n)
	return clamp01(avg / volSaturation), avg
}

func realizedVolatility(prices types.PriceSeries) (float64, bool) {
	rets := logReturns(prices)
	if len(rets) < 2 {
		return 0, false
	}
	return stddev(rets), true
}

// correlationComponent measures how uniformly symbols move together. Average
// pairwise |correlation| below 0.5 contributes nothing; above it, the excess
// is doubled so full lockstep scores 1.0.
func correlationComponent(recentPrices map[string]types.PriceSeries) float64 {
	series := make([][]float64, 0, len(recentPrices))
	minLen := math.MaxInt32
	for _, prices := range recentPrices {
		rets := logReturns(prices)
		if len(rets) < 2 {
			continue
		}
		series = append(series, rets)
		if len(rets) < minLen {
			minLen = len(rets)
		}
	}
	if len(series) < 2 {
		return 0
	}

	var sum float64
	var pairs int
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			a := series[i][len(series[i])-minLen:]
			b := series[j][len(series[j])-minLen:]
			if c, ok := correlation(a, b); ok {
				sum += math.Abs(c)
				pairs++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	avg := sum / float64(pairs)
	return clamp01((avg - 0.5) * 2.0)
}

// volumeComponent is the mean absolute 24h volume change fraction.
func volumeComponent(snapshots map[string]types.MarketSnapshot) float64 {
	var sum float64
	var n int
	for _, snap := range snapshots {
		if snap.PrevVolume24h <= 0 {
			continue
		}
		sum += math.Abs(snap.Volume24h-snap.PrevVolume24h) / snap.PrevVolume24h
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp01(sum / float64(n))
}

func logReturns(prices types.PriceSeries) []float64 {
	if len(prices) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		rets = append(rets, math.Log(prices[i]/prices[i-1]))
	}
	return rets
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

func correlation(a, b []float64) (float64, bool) {
	n := len(a)
	if n != len(b) || n < 2 {
		return 0, false
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
