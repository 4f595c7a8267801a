package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/ducminhle1904/crypto-signal-trader/pkg/types"
)

// EnsembleResult is the combined view of one symbol's raw signals.
type EnsembleResult struct {
	Signal            Signal  `json:"signal"`
	Confidence        float64 `json:"confidence"`
	BuyRatio          float64 `json:"buy_ratio"`
	SellRatio         float64 `json:"sell_ratio"`
	WeightedConsensus float64 `json:"weighted_consensus"`
	Regime            Regime  `json:"regime"`
	SignalCount       int     `json:"signal_count"`
}

// metaClassifier is an optional offline-trained logistic model that nudges
// the ensemble confidence by at most ±0.15. When no model file is loaded it
// contributes exactly zero.
type metaClassifier struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// adjustment maps the model score through a sigmoid into [-0.15, +0.15].
func (m *metaClassifier) adjustment(features map[string]float64) float64 {
	if m == nil {
		return 0
	}
	z := m.Bias
	for name, w := range m.Weights {
		z += w * features[name]
	}
	score := 1.0 / (1.0 + math.Exp(-z))
	return (score - 0.5) * 0.3
}

// Combiner folds raw signals into one ensemble verdict per symbol and
// classifies the cross-symbol market regime.
type Combiner struct {
	meta *metaClassifier

	// trendThreshold is the |price-time correlation| above which a symbol
	// counts as trending.
	trendThreshold float64
}

func NewCombiner() *Combiner {
	return &Combiner{trendThreshold: 0.6}
}

// LoadMetaClassifier reads the optional model weights. A missing file is
// not an error; the combiner degrades to a zero adjustment.
func (c *Combiner) LoadMetaClassifier(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read meta-classifier: %w", err)
	}
	var m metaClassifier
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse meta-classifier %s: %w", path, err)
	}
	c.meta = &m
	return nil
}

// Combine produces the ensemble verdict for one symbol. regime is the most
// recent cross-symbol classification.
func (c *Combiner) Combine(records []SignalRecord, regime Regime) EnsembleResult {
	res := EnsembleResult{Signal: Hold, Regime: regime, SignalCount: len(records)}
	if len(records) == 0 {
		return res
	}

	var buySum, sellSum, weightSum float64
	var buyCount, sellCount int
	var confSum float64
	for _, r := range records {
		w := r.Type.TypeWeight()
		weightSum += w
		confSum += r.Confidence
		switch {
		case r.Signal.IsBuy():
			buySum += r.Confidence * w
			buyCount++
		case r.Signal.IsSell():
			sellSum += r.Confidence * w
			sellCount++
		}
	}
	if weightSum == 0 {
		return res
	}

	res.WeightedConsensus = (buySum - sellSum) / weightSum
	res.BuyRatio = float64(buyCount) / float64(len(records))
	res.SellRatio = float64(sellCount) / float64(len(records))

	switch {
	case res.WeightedConsensus > 0.15 && res.BuyRatio > 0.7:
		res.Signal = StrongBuy
	case res.WeightedConsensus > 0.08 && res.BuyRatio > 0.6:
		res.Signal = Buy
	case res.WeightedConsensus < -0.15 && res.SellRatio > 0.7:
		res.Signal = StrongSell
	case res.WeightedConsensus < -0.08 && res.SellRatio > 0.6:
		res.Signal = Sell
	}

	res.Confidence = clamp01(math.Abs(res.WeightedConsensus) + confSum/float64(len(records))*0.5)
	res.Confidence = clamp01(res.Confidence + c.meta.adjustment(map[string]float64{
		"consensus":    res.WeightedConsensus,
		"buy_ratio":    res.BuyRatio,
		"sell_ratio":   res.SellRatio,
		"avg_conf":     confSum / float64(len(records)),
		"signal_count": math.Min(float64(len(records))/10.0, 1.0),
	}))
	return res
}

// ClassifyRegime inspects recent prices across sampled symbols. A symbol
// trends when its |price-vs-time correlation| exceeds the threshold; three
// agreeing symbols set the regime.
func (c *Combiner) ClassifyRegime(recentPrices map[string]types.PriceSeries) Regime {
	var bulls, bears, flats int
	for _, prices := range recentPrices {
		strength, up, ok := trendStrength(prices)
		if !ok {
			continue
		}
		switch {
		case strength < c.trendThreshold:
			flats++
		case up:
			bulls++
		default:
			bears++
		}
	}
	switch {
	case bulls >= 3:
		return RegimeStrongBull
	case bears >= 3:
		return RegimeStrongBear
	case flats >= 3:
		return RegimeConsolidation
	default:
		return RegimeMixed
	}
}

// trendStrength is |corr(price, time)| plus the trend direction.
func trendStrength(prices types.PriceSeries) (float64, bool, bool) {
	n := len(prices)
	if n < 3 {
		return 0, false, false
	}
	var meanT, meanP float64
	for i, p := range prices {
		meanT += float64(i)
		meanP += p
	}
	meanT /= float64(n)
	meanP /= float64(n)

	var cov, varT, varP float64
	for i, p := range prices {
		dt, dp := float64(i)-meanT, p-meanP
		cov += dt * dp
		varT += dt * dt
		varP += dp * dp
	}
	if varP == 0 {
		// Perfectly flat prices are the strongest consolidation evidence.
		return 0, false, true
	}
	corr := cov / math.Sqrt(varT*varP)
	return math.Abs(corr), corr > 0, true
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
