package stoploss

import (
	"math"
	"time"

	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
)

// Exit rule identifiers, journaled verbatim when a stop fires.
const (
	RuleFixed      = "fixed_percent"
	RuleATR        = "atr"
	RuleTrailing   = "trailing"
	RuleTime       = "time_based"
	RuleVolatility = "volatility"
)

// State is the per-position stop-loss bookkeeping. It persists with the
// Position so trailing peaks and ratcheted stops survive restarts.
type State struct {
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	PeakPrice  float64   `json:"peak_price"`
	ATRStop    float64   `json:"atr_stop,omitempty"`
	TimeStop   float64   `json:"time_stop,omitempty"`
}

// NewState seeds stop tracking for a freshly opened position.
func NewState(entryPrice float64, entryTime time.Time) *State {
	return &State{
		EntryPrice: entryPrice,
		EntryTime:  entryTime,
		PeakPrice:  entryPrice,
	}
}

// Trigger is a breached exit rule and the stop price that fired it.
type Trigger struct {
	Rule  string
	Price float64
}

// Evaluator computes exit candidates for open long positions. It holds no
// per-position state itself; everything mutable lives in State.
type Evaluator struct {
	cfg config.StopLossConfig
}

func NewEvaluator(cfg config.StopLossConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// ShouldTrigger updates the ratcheted stops from the current market and
// returns the breached rule with the lowest trigger price, or false when no
// rule is breached. ATR and volatility are the position symbol's latest
// readings; zero values disable the respective rules.
func (e *Evaluator) ShouldTrigger(st *State, currentPrice, atr, volatility float64, now time.Time) (Trigger, bool) {
	if st == nil || currentPrice <= 0 {
		return Trigger{}, false
	}

	e.advance(st, currentPrice, atr, now)

	// Fixed rule order makes tie-breaks deterministic when two rules land
	// on the same trigger price (a fresh position's fixed and trailing
	// stops coincide).
	candidates := e.candidates(st, volatility)
	var best Trigger
	found := false
	for _, rule := range ruleOrder {
		price := candidates[rule]
		if price <= 0 || currentPrice > price {
			continue
		}
		if !found || price < best.Price {
			best = Trigger{Rule: rule, Price: price}
			found = true
		}
	}
	return best, found
}

var ruleOrder = []string{RuleFixed, RuleATR, RuleTrailing, RuleTime, RuleVolatility}

// advance moves the monotonic stops. Peaks and ratcheted stops only ever
// rise; a falling market never loosens a stop.
func (e *Evaluator) advance(st *State, currentPrice, atr float64, now time.Time) {
	if currentPrice > st.PeakPrice {
		st.PeakPrice = currentPrice
	}
	if atr > 0 {
		if s := currentPrice - e.cfg.ATRMultiple*atr; s > st.ATRStop {
			st.ATRStop = s
		}
	}
	if now.Sub(st.EntryTime) >= e.cfg.TimeTightenAfter {
		if s := currentPrice * (1 - e.cfg.TimeTightenOffset); s > st.TimeStop {
			st.TimeStop = s
		}
	}
}

// candidates returns each rule's current stop price. Rules with no data
// yet report zero and are skipped by the caller.
func (e *Evaluator) candidates(st *State, volatility float64) map[string]float64 {
	c := map[string]float64{
		RuleFixed:    st.EntryPrice * (1 - e.cfg.FixedPercent),
		RuleATR:      st.ATRStop,
		RuleTrailing: st.PeakPrice * (1 - e.cfg.TrailingPercent),
		RuleTime:     st.TimeStop,
	}
	if volatility > 0 {
		loss := math.Min(e.cfg.VolMultiple*volatility, e.cfg.MaxLossPercent)
		c[RuleVolatility] = st.EntryPrice * (1 - loss)
	}
	return c
}

// Candidates exposes the live stop levels for reporting.
func (e *Evaluator) Candidates(st *State, volatility float64) map[string]float64 {
	if st == nil {
		return nil
	}
	return e.candidates(st, volatility)
}
