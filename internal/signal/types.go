package signal

import (
	"context"
	"time"

	"github.com/ducminhle1904/crypto-signal-trader/pkg/types"
)

// Signal is a directional trading intent.
type Signal string

const (
	StrongBuy  Signal = "STRONG_BUY"
	Buy        Signal = "BUY"
	Hold       Signal = "HOLD"
	Sell       Signal = "SELL"
	StrongSell Signal = "STRONG_SELL"
)

func (s Signal) IsBuy() bool  { return s == Buy || s == StrongBuy }
func (s Signal) IsSell() bool { return s == Sell || s == StrongSell }
func (s Signal) IsStrong() bool {
	return s == StrongBuy || s == StrongSell
}

// SourceType ranks where a signal came from. Ensemble outputs are trusted
// most, raw single-indicator signals least.
type SourceType string

const (
	SourceEnsemble        SourceType = "ensemble"
	SourceComposite       SourceType = "composite"
	SourceModel           SourceType = "model"
	SourceSingleIndicator SourceType = "single_indicator"
)

// TypeWeight is the vote weight of a signal source type.
func (t SourceType) TypeWeight() float64 {
	switch t {
	case SourceEnsemble:
		return 1.0
	case SourceComposite:
		return 0.8
	case SourceModel:
		return 0.6
	default:
		return 0.4
	}
}

// BasePriority orders source types for conflict resolution.
func (t SourceType) BasePriority() float64 {
	switch t {
	case SourceEnsemble:
		return 100
	case SourceComposite:
		return 80
	case SourceModel:
		return 60
	default:
		return 40
	}
}

// Regime classifies the broad market trend across sampled symbols.
type Regime string

const (
	RegimeStrongBull    Regime = "STRONG_BULL"
	RegimeStrongBear    Regime = "STRONG_BEAR"
	RegimeConsolidation Regime = "CONSOLIDATION"
	RegimeMixed         Regime = "MIXED"
)

// SignalRecord is one raw signal from a provider, before arbitration.
type SignalRecord struct {
	Source     string     `json:"source"`
	Type       SourceType `json:"type"`
	Symbol     string     `json:"symbol"`
	Signal     Signal     `json:"signal"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Prediction is a model provider's output for one symbol.
type Prediction struct {
	Signal     Signal
	Confidence float64
	Metadata   map[string]string
}

// Provider supplies raw signals each tick. Implementations may return an
// empty list; that is not an error.
type Provider interface {
	Name() string
	Collect(ctx context.Context, symbol string, snap types.MarketSnapshot) ([]SignalRecord, error)
}

// Predictor is an optional model provider. A nil prediction is tolerated
// and simply contributes nothing to the cycle.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, symbol string, snap types.MarketSnapshot) (*Prediction, error)
}
