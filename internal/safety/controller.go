package safety

import (
	"math"
	"sync"
	"time"

	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
)

// Rejection reason codes returned by Approve. These are machine-readable and
// end up verbatim in the trade journal.
const (
	ReasonGlobalBreaker   = "global_breaker"
	ReasonSymbolBreaker   = "symbol_breaker"
	ReasonPositionSize    = "position_size"
	ReasonDailyLoss       = "daily_loss"
	ReasonLossStreak      = "loss_streak"
	ReasonVolatility      = "volatility"
	ReasonPortfolioHealth = "portfolio_health"
	ReasonAPIFailures     = "api_failures"
	ReasonTradingDisabled = "trading_disabled"
)

// BreakerScope identifies what a circuit breaker suspends.
type BreakerScope string

const (
	ScopeSymbol BreakerScope = "symbol"
	ScopeGlobal BreakerScope = "global"
)

// CircuitBreaker is a time-boxed trading suspension. It is created on trip
// and considered expired once ReleaseAt has passed.
type CircuitBreaker struct {
	Scope       BreakerScope `json:"scope"`
	Symbol      string       `json:"symbol,omitempty"`
	Reason      string       `json:"reason"`
	ActivatedAt time.Time    `json:"activated_at"`
	ReleaseAt   time.Time    `json:"release_at"`
}

// Active reports whether the breaker is still within its cooldown window.
func (b *CircuitBreaker) Active(now time.Time) bool {
	return b != nil && now.Before(b.ReleaseAt)
}

// Status is a point-in-time snapshot of the controller state.
type Status struct {
	TradingEnabled  bool
	DailyLoss       float64
	DailyProfit     float64
	APIFailures     int
	GlobalBreaker   *CircuitBreaker
	SymbolBreakers  map[string]CircuitBreaker
	LossStreaks     map[string]int
	StartOfDayValue float64
}

// Controller enforces the pre-trade safety gate for one trading session.
// Every session owns its own controller; no state is shared across tenants.
// One mutex guards all mutation and status reads.
type Controller struct {
	cfg config.SafetyConfig

	mu             sync.Mutex
	tradingEnabled bool
	dailyLoss      float64
	dailyProfit    float64
	startOfDay     float64
	lossStreaks    map[string]int
	symbolBreakers map[string]*CircuitBreaker
	globalBreaker  *CircuitBreaker
	apiFailures    int
	currentDay     time.Time // UTC midnight of the current accounting day
	now            func() time.Time
}

// NewController creates a safety controller. startOfDayBalance anchors the
// daily loss ceiling until the next UTC rollover.
func NewController(cfg config.SafetyConfig, startOfDayBalance float64) *Controller {
	c := &Controller{
		cfg:            cfg,
		tradingEnabled: true,
		startOfDay:     startOfDayBalance,
		lossStreaks:    make(map[string]int),
		symbolBreakers: make(map[string]*CircuitBreaker),
		now:            time.Now,
	}
	c.currentDay = utcDay(c.now())
	return c
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// rolloverLocked resets all daily counters when the UTC day has changed.
// Callers must hold c.mu.
func (c *Controller) rolloverLocked(now time.Time) {
	day := utcDay(now)
	if day.Equal(c.currentDay) {
		return
	}
	c.currentDay = day
	c.dailyLoss = 0
	c.dailyProfit = 0
	c.apiFailures = 0
	c.lossStreaks = make(map[string]int)
}

// Approve runs the full pre-trade gate for a prospective order. It returns
// false with a reason code when any safety condition rejects the trade. A
// rejection mutates no state.
func (c *Controller) Approve(symbol string, notional, availableBalance, stress, volatility, portfolioHealth float64) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rolloverLocked(now)

	if !c.tradingEnabled {
		if c.globalBreaker.Active(now) {
			return false, ReasonGlobalBreaker
		}
		// The breaker window has elapsed; trading resumes automatically.
		if c.globalBreaker != nil {
			c.tradingEnabled = true
			c.globalBreaker = nil
		} else {
			return false, ReasonTradingDisabled
		}
	}
	if c.globalBreaker.Active(now) {
		return false, ReasonGlobalBreaker
	}
	if b := c.symbolBreakers[symbol]; b != nil {
		if b.Active(now) {
			// The streak gate outranks the breaker it tripped so
			// rejections carry the cause, not the mechanism.
			if c.lossStreaks[symbol] >= c.cfg.LossStreakLimit {
				return false, ReasonLossStreak
			}
			return false, ReasonSymbolBreaker
		}
		// Cooldown elapsed: the breaker clears, and the streak that
		// tripped it clears with it so the symbol trades again.
		delete(c.symbolBreakers, symbol)
		if c.lossStreaks[symbol] >= c.cfg.LossStreakLimit {
			c.lossStreaks[symbol] = 0
		}
	}
	if notional > availableBalance*c.cfg.MaxPositionSizeFraction {
		return false, ReasonPositionSize
	}
	if c.startOfDay > 0 && math.Abs(c.dailyLoss) >= c.startOfDay*c.cfg.MaxDailyLossFraction {
		return false, ReasonDailyLoss
	}
	if volatility > c.cfg.VolatilityThreshold && stress > 0.6 {
		return false, ReasonVolatility
	}
	if portfolioHealth < 0.5 {
		return false, ReasonPortfolioHealth
	}
	if c.apiFailures >= c.cfg.APIFailureLimit {
		return false, ReasonAPIFailures
	}

	return true, ""
}

// RegisterResult records a realized trade result. Losses extend the
// per-symbol loss streak; at the streak limit the symbol trips its own
// breaker for a fixed cooldown.
func (c *Controller) RegisterResult(symbol string, pnl float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rolloverLocked(now)

	if pnl < 0 {
		c.dailyLoss += pnl
		c.lossStreaks[symbol]++
		if c.lossStreaks[symbol] >= c.cfg.LossStreakLimit {
			c.symbolBreakers[symbol] = &CircuitBreaker{
				Scope:       ScopeSymbol,
				Symbol:      symbol,
				Reason:      ReasonLossStreak,
				ActivatedAt: now,
				ReleaseAt:   now.Add(c.cfg.SymbolCooldown),
			}
		}
	} else {
		c.dailyProfit += pnl
		c.lossStreaks[symbol] = 0
	}
}

// RegisterAPIFailure bumps the API failure tripwire. At the limit the global
// breaker trips.
func (c *Controller) RegisterAPIFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rolloverLocked(now)

	c.apiFailures++
	if c.apiFailures >= c.cfg.APIFailureLimit {
		c.tripGlobalLocked(ReasonAPIFailures, now)
	}
}

// RegisterAPISuccess decays the failure counter after a healthy call.
func (c *Controller) RegisterAPISuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.apiFailures > 0 {
		c.apiFailures--
	}
}

// TriggerGlobalBreaker opens the global cooldown window and disables
// trading until it elapses.
func (c *Controller) TriggerGlobalBreaker(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripGlobalLocked(reason, c.now())
}

func (c *Controller) tripGlobalLocked(reason string, now time.Time) {
	c.globalBreaker = &CircuitBreaker{
		Scope:       ScopeGlobal,
		Reason:      reason,
		ActivatedAt: now,
		ReleaseAt:   now.Add(c.cfg.GlobalCooldown),
	}
	c.tradingEnabled = false
}

// EnableTrading re-enables trading unless a global breaker is still open.
func (c *Controller) EnableTrading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.globalBreaker.Active(c.now()) {
		return false
	}
	c.globalBreaker = nil
	c.tradingEnabled = true
	return true
}

// DisableTrading turns the gate off without a cooldown window; it stays off
// until EnableTrading is called.
func (c *Controller) DisableTrading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradingEnabled = false
}

// TradingEnabled reports whether new trades may currently be approved.
func (c *Controller) TradingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tradingEnabled && !c.globalBreaker.Active(c.now())
}

// SetStartOfDayBalance re-anchors the daily loss ceiling, typically at UTC
// rollover or after restoring a snapshot.
func (c *Controller) SetStartOfDayBalance(balance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startOfDay = balance
}

// Restore re-arms persisted breaker and counter state after a snapshot load.
// Breakers whose release time has passed are discarded. Daily counters and
// loss streaks belong to the UTC day the snapshot was taken: a snapshot from
// an earlier day starts the new day clean.
func (c *Controller) Restore(savedAt time.Time, global *CircuitBreaker, symbols map[string]CircuitBreaker, streaks map[string]int, dailyLoss, dailyProfit float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if global.Active(now) {
		c.globalBreaker = global
		c.tradingEnabled = false
	}
	for sym, b := range symbols {
		breaker := b
		if breaker.Active(now) {
			c.symbolBreakers[sym] = &breaker
		}
	}

	if !utcDay(savedAt).Equal(utcDay(now)) {
		return
	}
	c.dailyLoss = dailyLoss
	c.dailyProfit = dailyProfit
	for sym, n := range streaks {
		// A limit-reaching streak whose breaker already expired was
		// served out while the session was down.
		if n >= c.cfg.LossStreakLimit && !c.symbolBreakers[sym].Active(now) {
			continue
		}
		c.lossStreaks[sym] = n
	}
}

// Status returns a copy of the controller state for reporting and
// persistence.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := Status{
		TradingEnabled:  c.tradingEnabled && !c.globalBreaker.Active(now),
		DailyLoss:       c.dailyLoss,
		DailyProfit:     c.dailyProfit,
		APIFailures:     c.apiFailures,
		SymbolBreakers:  make(map[string]CircuitBreaker),
		LossStreaks:     make(map[string]int),
		StartOfDayValue: c.startOfDay,
	}
	if c.globalBreaker.Active(now) {
		b := *c.globalBreaker
		st.GlobalBreaker = &b
	}
	for sym, b := range c.symbolBreakers {
		if b.Active(now) {
			st.SymbolBreakers[sym] = *b
		}
	}
	for sym, n := range c.lossStreaks {
		if n > 0 {
			st.LossStreaks[sym] = n
		}
	}
	return st
}
