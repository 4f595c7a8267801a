package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
)

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		MaxPositionSizeFraction: 0.30,
		MaxDailyLossFraction:    0.05,
		LossStreakLimit:         3,
		SymbolCooldown:          30 * time.Minute,
		GlobalCooldown:          time.Hour,
		VolatilityThreshold:     0.08,
		APIFailureLimit:         5,
	}
}

func newTestController(t *testing.T, start float64) (*Controller, *time.Time) {
	t.Helper()
	c := NewController(testSafetyConfig(), start)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.currentDay = utcDay(now)
	return c, &now
}

func TestApproveHappyPath(t *testing.T) {
	c, _ := newTestController(t, 10000)

	ok, reason := c.Approve("BTCUSDT", 500, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestApprovePositionSizeCeiling(t *testing.T) {
	c, _ := newTestController(t, 10000)

	// 30% of 10000 = 3000 max notional.
	ok, reason := c.Approve("BTCUSDT", 3500, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonPositionSize, reason)
}

func TestLossStreakTripsSymbolBreaker(t *testing.T) {
	c, now := newTestController(t, 10000)

	c.RegisterResult("ETHUSDT", -50)
	c.RegisterResult("ETHUSDT", -30)

	ok, _ := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	require.True(t, ok, "two losses must not trip the breaker")

	c.RegisterResult("ETHUSDT", -20)

	ok, reason := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonLossStreak, reason)

	// Other symbols are unaffected.
	ok, _ = c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)

	// Once the cooldown window elapses the breaker clears and takes the
	// streak with it, even without a profitable trade in between.
	*now = now.Add(31 * time.Minute)
	ok, reason = c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok, "approval must resume once the cooldown elapses, got rejection %q", reason)

	st := c.Status()
	assert.Zero(t, st.LossStreaks["ETHUSDT"])
}

func TestLossStreakRejectsThroughoutCooldown(t *testing.T) {
	c, now := newTestController(t, 10000)

	c.RegisterResult("ETHUSDT", -50)
	c.RegisterResult("ETHUSDT", -30)
	c.RegisterResult("ETHUSDT", -20)

	// Inside the window every attempt fails with the streak reason.
	for _, advance := range []time.Duration{0, 10 * time.Minute, 29 * time.Minute} {
		base := *now
		*now = base.Add(advance)
		ok, reason := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
		assert.False(t, ok)
		assert.Equal(t, ReasonLossStreak, reason)
		*now = base
	}

	// A fresh loss streak after release trips a fresh breaker.
	*now = now.Add(31 * time.Minute)
	ok, _ := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	require.True(t, ok)

	c.RegisterResult("ETHUSDT", -10)
	c.RegisterResult("ETHUSDT", -10)
	c.RegisterResult("ETHUSDT", -10)
	ok, reason := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonLossStreak, reason)
}

func TestWinResetsLossStreak(t *testing.T) {
	c, _ := newTestController(t, 10000)

	c.RegisterResult("BTCUSDT", -50)
	c.RegisterResult("BTCUSDT", -30)
	c.RegisterResult("BTCUSDT", 5)
	c.RegisterResult("BTCUSDT", -10)
	c.RegisterResult("BTCUSDT", -10)

	ok, _ := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok, "a win in the middle must reset the streak")
}

func TestDailyLossCeiling(t *testing.T) {
	c, _ := newTestController(t, 10000)

	// 5% of 10000 = 500 daily ceiling.
	c.RegisterResult("BTCUSDT", -499)
	ok, _ := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	require.True(t, ok)

	c.RegisterResult("ETHUSDT", -2)
	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyLoss, reason)
}

func TestUTCRolloverResetsDailyCounters(t *testing.T) {
	c, now := newTestController(t, 10000)

	c.RegisterResult("BTCUSDT", -600)
	c.RegisterResult("ETHUSDT", -10)
	c.RegisterAPIFailure()

	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	require.False(t, ok)
	require.Equal(t, ReasonDailyLoss, reason)

	// Cross UTC midnight.
	*now = time.Date(2025, 6, 11, 0, 0, 1, 0, time.UTC)

	ok, _ = c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)

	st := c.Status()
	assert.Zero(t, st.DailyLoss)
	assert.Zero(t, st.APIFailures)
	assert.Empty(t, st.LossStreaks)
}

func TestAPIFailureTripwire(t *testing.T) {
	c, now := newTestController(t, 10000)

	for i := 0; i < 4; i++ {
		c.RegisterAPIFailure()
	}
	ok, _ := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	require.True(t, ok)

	c.RegisterAPIFailure()
	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonGlobalBreaker, reason)
	assert.False(t, c.TradingEnabled())

	// Global breaker expires after its cooldown and trading resumes.
	*now = now.Add(time.Hour + time.Minute)
	// Counters were cleared by the next-day rollover only; failures persist
	// within the day, so decay them first.
	for i := 0; i < 5; i++ {
		c.RegisterAPISuccess()
	}
	ok, _ = c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)
	assert.True(t, c.TradingEnabled())
}

func TestVolatilityGateRequiresStress(t *testing.T) {
	c, _ := newTestController(t, 10000)

	// High volatility alone is not enough; stress must also be elevated.
	ok, _ := c.Approve("BTCUSDT", 100, 10000, 0.3, 0.12, 0.9)
	assert.True(t, ok)

	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.7, 0.12, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonVolatility, reason)
}

func TestPortfolioHealthGate(t *testing.T) {
	c, _ := newTestController(t, 10000)

	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.4)
	assert.False(t, ok)
	assert.Equal(t, ReasonPortfolioHealth, reason)
}

func TestManualGlobalBreaker(t *testing.T) {
	c, now := newTestController(t, 10000)

	c.TriggerGlobalBreaker("manual_halt")
	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonGlobalBreaker, reason)

	// EnableTrading refuses while the window is open.
	assert.False(t, c.EnableTrading())

	*now = now.Add(2 * time.Hour)
	assert.True(t, c.EnableTrading())
	ok, _ = c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)
}

func TestDisableTradingStaysOff(t *testing.T) {
	c, now := newTestController(t, 10000)

	c.DisableTrading()
	*now = now.Add(24 * time.Hour)

	ok, reason := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonTradingDisabled, reason)

	require.True(t, c.EnableTrading())
	ok, _ = c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)
}

func TestRestoreReArmsLiveBreakersOnly(t *testing.T) {
	c, now := newTestController(t, 10000)

	live := CircuitBreaker{
		Scope:       ScopeSymbol,
		Symbol:      "ETHUSDT",
		Reason:      ReasonLossStreak,
		ActivatedAt: now.Add(-5 * time.Minute),
		ReleaseAt:   now.Add(25 * time.Minute),
	}
	stale := CircuitBreaker{
		Scope:       ScopeSymbol,
		Symbol:      "SOLUSDT",
		Reason:      ReasonLossStreak,
		ActivatedAt: now.Add(-2 * time.Hour),
		ReleaseAt:   now.Add(-90 * time.Minute),
	}
	c.Restore(*now, nil, map[string]CircuitBreaker{"ETHUSDT": live, "SOLUSDT": stale},
		map[string]int{"ETHUSDT": 2}, -120, 40)

	ok, reason := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.False(t, ok)
	assert.Equal(t, ReasonSymbolBreaker, reason)

	ok, _ = c.Approve("SOLUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok, "expired breakers must be discarded on restore")

	st := c.Status()
	assert.Equal(t, -120.0, st.DailyLoss)
	assert.Equal(t, 40.0, st.DailyProfit)
}

func TestRestoreDiscardsStaleDayCounters(t *testing.T) {
	c, now := newTestController(t, 10000)

	// Snapshot taken yesterday at 23:50, restored today at 00:10.
	savedAt := time.Date(2025, 6, 9, 23, 50, 0, 0, time.UTC)
	*now = time.Date(2025, 6, 10, 0, 10, 0, 0, time.UTC)
	c.currentDay = utcDay(*now)

	c.Restore(savedAt, nil, nil, map[string]int{"BTCUSDT": 2}, -480, 25)

	st := c.Status()
	assert.Zero(t, st.DailyLoss, "yesterday's losses must not count against today's ceiling")
	assert.Zero(t, st.DailyProfit)
	assert.Empty(t, st.LossStreaks)

	ok, _ := c.Approve("BTCUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok)
}

func TestRestoreDropsServedOutStreak(t *testing.T) {
	c, now := newTestController(t, 10000)

	expired := CircuitBreaker{
		Scope:       ScopeSymbol,
		Symbol:      "ETHUSDT",
		Reason:      ReasonLossStreak,
		ActivatedAt: now.Add(-2 * time.Hour),
		ReleaseAt:   now.Add(-90 * time.Minute),
	}
	c.Restore(*now, nil, map[string]CircuitBreaker{"ETHUSDT": expired},
		map[string]int{"ETHUSDT": 3}, -100, 0)

	// The cooldown elapsed while the session was down.
	ok, reason := c.Approve("ETHUSDT", 100, 10000, 0.2, 0.03, 0.9)
	assert.True(t, ok, "got rejection %q", reason)
}
