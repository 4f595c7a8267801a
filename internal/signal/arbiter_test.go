package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
)

func testArbiterConfig() config.ArbiterConfig {
	return config.ArbiterConfig{
		BaseThreshold:  0.50,
		ThresholdFloor: 0.40,
		ThresholdCeil:  0.75,
		MinPowerDiff:   0.10,
		StrongMargin:   0.12,
	}
}

func confidentBuyEnsemble() EnsembleResult {
	return EnsembleResult{Signal: Buy, Confidence: 0.8, BuyRatio: 0.9, WeightedConsensus: 0.3}
}

func TestDecideNoSignals(t *testing.T) {
	a := NewArbiter(testArbiterConfig())

	d := a.Decide(nil, EnsembleResult{Signal: Hold}, RegimeMixed, 0, false)
	assert.Equal(t, Hold, d.Signal)
	assert.Equal(t, HoldNoSignals, d.HoldReason)

	// Pure HOLD records carry no direction either.
	d = a.Decide([]SignalRecord{rec(Hold, 0.9, SourceEnsemble)}, EnsembleResult{}, RegimeMixed, 0, false)
	assert.Equal(t, HoldNoSignals, d.HoldReason)
}

func TestDecideUnanimousBuyIsStrong(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	records := []SignalRecord{
		rec(Buy, 0.8, SourceEnsemble),
		rec(StrongBuy, 0.9, SourceComposite),
		rec(Buy, 0.7, SourceModel),
	}
	d := a.Decide(records, confidentBuyEnsemble(), RegimeStrongBull, 0.1, false)
	assert.Equal(t, StrongBuy, d.Signal)
	assert.Equal(t, 1.0, d.BuyPower)
	assert.Empty(t, d.HoldReason)
	// Confident ensemble and aligned regime both lower the bar.
	assert.InDelta(t, 0.455, d.Threshold, 1e-9)
}

func TestConflictResolutionDropsOutrankedSignals(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	// The ensemble-grade sell outranks the single-indicator buy, which is
	// dropped before the vote.
	records := []SignalRecord{
		rec(StrongSell, 0.9, SourceEnsemble),
		rec(Buy, 0.5, SourceSingleIndicator),
	}
	ens := EnsembleResult{Signal: Sell, Confidence: 0.8, SellRatio: 0.9, WeightedConsensus: -0.3}

	d := a.Decide(records, ens, RegimeStrongBear, 0.1, true)
	assert.Equal(t, StrongSell, d.Signal)
	assert.Equal(t, 1, d.Dropped)
	assert.Equal(t, 1.0, d.SellPower)
}

func TestSellRequiresOpenPosition(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	records := []SignalRecord{rec(StrongSell, 0.9, SourceEnsemble)}
	ens := EnsembleResult{Signal: Sell, Confidence: 0.8, SellRatio: 1, WeightedConsensus: -0.5}

	d := a.Decide(records, ens, RegimeStrongBear, 0.1, false)
	assert.Equal(t, Hold, d.Signal)
	assert.Equal(t, HoldNoPosition, d.HoldReason)

	d = a.Decide(records, ens, RegimeStrongBear, 0.1, true)
	assert.Equal(t, StrongSell, d.Signal)
}

func TestStressOverrideVeto(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	// Equal-priority opposing signals survive conflict resolution; with
	// panic-level stress the narrow 57/43 split is vetoed.
	records := []SignalRecord{
		rec(StrongBuy, 0.9, SourceModel),
		rec(Sell, 0.9, SourceModel),
	}
	d := a.Decide(records, EnsembleResult{Signal: Hold, Confidence: 0.5}, RegimeMixed, 0.85, true)
	assert.Equal(t, Hold, d.Signal)
	assert.Equal(t, HoldStressOverride, d.HoldReason)
}

func TestBelowThresholdHolds(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	// Elevated stress and a weak ensemble push the threshold to 0.655;
	// the strong-buy bonus only gets the split to 1.3/2.3 ≈ 0.565.
	records := []SignalRecord{
		rec(StrongBuy, 0.9, SourceModel),
		rec(Sell, 0.9, SourceModel),
	}
	d := a.Decide(records, EnsembleResult{Signal: Hold, Confidence: 0.3}, RegimeMixed, 0.7, true)
	require.Equal(t, Hold, d.Signal)
	assert.Equal(t, HoldBelowThreshold, d.HoldReason)
	assert.InDelta(t, 0.655, d.Threshold, 1e-9)
	assert.InDelta(t, 1.3/2.3, d.BuyPower, 1e-9)
}

func TestPowerGapHolds(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	records := []SignalRecord{
		rec(Buy, 0.52, SourceModel),
		rec(Sell, 0.48, SourceModel),
	}
	d := a.Decide(records, confidentBuyEnsemble(), RegimeStrongBull, 0, true)
	require.Equal(t, Hold, d.Signal)
	assert.Equal(t, HoldPowerGap, d.HoldReason)
	assert.InDelta(t, 0.52, d.BuyPower, 1e-9)
}

func TestEnsembleDisagreementVeto(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	records := []SignalRecord{rec(Buy, 0.9, SourceModel)}
	ens := EnsembleResult{Signal: StrongSell, Confidence: 0.8, SellRatio: 0.9, WeightedConsensus: -0.4}

	d := a.Decide(records, ens, RegimeMixed, 0.1, false)
	assert.Equal(t, Hold, d.Signal)
	assert.Equal(t, HoldEnsembleDisagreement, d.HoldReason)

	// A low-confidence opposing ensemble does not veto.
	ens.Confidence = 0.5
	d = a.Decide(records, ens, RegimeMixed, 0.1, false)
	assert.Equal(t, StrongBuy, d.Signal)
}

func TestThresholdClampedToCeiling(t *testing.T) {
	cfg := testArbiterConfig()
	cfg.BaseThreshold = 0.70
	a := NewArbiter(cfg)

	records := []SignalRecord{rec(Buy, 0.9, SourceEnsemble)}
	d := a.Decide(records, EnsembleResult{Signal: Hold, Confidence: 0.3}, RegimeMixed, 0.7, false)
	assert.Equal(t, cfg.ThresholdCeil, d.Threshold)
}

func TestStressDampensBuyPriority(t *testing.T) {
	a := NewArbiter(testArbiterConfig())
	// Equal-grade opposite signals: under stress the buy loses priority
	// and is dropped, leaving a sell vote.
	records := []SignalRecord{
		rec(Buy, 0.7, SourceModel),
		rec(Sell, 0.7, SourceModel),
	}
	ens := EnsembleResult{Signal: Hold, Confidence: 0.5}

	d := a.Decide(records, ens, RegimeMixed, 0.65, true)
	assert.Equal(t, 1, d.Dropped)
	assert.Equal(t, 1.0, d.SellPower)
}
