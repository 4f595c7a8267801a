package session

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
	"github.com/ducminhle1904/crypto-signal-trader/internal/broker/paper"
	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
	"github.com/ducminhle1904/crypto-signal-trader/internal/journal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/logger"
	"github.com/ducminhle1904/crypto-signal-trader/internal/safety"
	"github.com/ducminhle1904/crypto-signal-trader/internal/signal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/state"
	"github.com/ducminhle1904/crypto-signal-trader/internal/stoploss"
	"github.com/ducminhle1904/crypto-signal-trader/pkg/types"
)

func testSessionConfig(id string) config.SessionConfig {
	cfg := config.SessionConfig{
		SessionID: id,
		Symbols:   []string{"BTCUSDT"},
		Mode:      "paper",
	}
	cfg.Risk.InitialBalance = 1000
	cfg.ApplyDefaults()
	return cfg
}

func newTestSession(t *testing.T, gw broker.Gateway, cfg config.SessionConfig, store *state.FileStore) *Session {
	t.Helper()
	sqlStore, err := journal.OpenSQLite(":memory:")
	require.NoError(t, err)
	j := journal.New(sqlStore)
	t.Cleanup(func() { j.Close() })

	s, err := New(Options{
		Config:  cfg,
		Gateway: gw,
		Journal: j,
		Store:   store,
	})
	require.NoError(t, err)
	return s
}

func seedPosition(s *Session, symbol string, qty, entry float64, at time.Time) {
	s.mu.Lock()
	pos := &state.Position{Symbol: symbol, Quantity: qty, AvgPrice: entry, EntryTime: at}
	pos.StopState = stoploss.NewState(entry, at)
	s.positions[symbol] = pos
	s.mu.Unlock()
}

func latestRecord(t *testing.T, s *Session) journal.TradeRecord {
	t.Helper()
	recs, err := s.journal.Records(s.cfg.SessionID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	return recs[0]
}

func buySnap(price float64) types.MarketSnapshot {
	return types.MarketSnapshot{
		Symbol:     "BTCUSDT",
		LastPrice:  price,
		Volatility: 0.01,
		Timestamp:  time.Now().UTC(),
	}
}

func buyDecision() (signal.Decision, signal.EnsembleResult) {
	return signal.Decision{Signal: signal.Buy},
		signal.EnsembleResult{Signal: signal.Buy, Confidence: 0.8}
}

func TestExecuteBuyPartialFillReconciliation(t *testing.T) {
	gw := paper.NewGateway(
		paper.WithBalance("USDT", 1000),
		paper.WithFillRatio(0.98),
	)
	gw.SetPrice("BTCUSDT", 50000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)

	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)

	// Sized notional is 227.70, step-floored to 0.00455 BTC; the venue
	// fills 98% of that: 0.004459 BTC costing 222.95 quote.
	s.mu.Lock()
	balance := s.balance
	pos := s.positions["BTCUSDT"]
	ro := s.resting["BTCUSDT"]
	s.mu.Unlock()

	require.NotNil(t, pos)
	assert.InDelta(t, 1000-222.95, balance, 1e-6)
	// Net of the 0.1% base-asset commission.
	assert.InDelta(t, 0.004454541, pos.Quantity, 1e-9)
	assert.InDelta(t, 50000.0, pos.AvgPrice, 1e-6)
	require.NotNil(t, pos.StopState)

	// The take-profit rests 2% above entry.
	require.NotNil(t, ro)
	assert.InDelta(t, 51000.0, ro.TargetPrice, 1e-6)

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusExecuted, rec.Status)
	assert.Equal(t, "Buy", rec.Side)
	assert.InDelta(t, 222.95, rec.Notional, 1e-6)
}

func TestRestingFillClosesPosition(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("USDT", 1000))
	gw.SetPrice("BTCUSDT", 50000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)

	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)

	s.mu.Lock()
	balanceAfterBuy := s.balance
	s.mu.Unlock()

	// Crossing the take-profit fills it at the limit price.
	gw.SetPrice("BTCUSDT", 51100)
	s.MaintainRestingOrders(context.Background())

	s.mu.Lock()
	balance := s.balance
	_, hasPos := s.positions["BTCUSDT"]
	_, hasResting := s.resting["BTCUSDT"]
	s.mu.Unlock()

	assert.False(t, hasPos, "position should be closed by the take-profit fill")
	assert.False(t, hasResting)
	assert.Greater(t, balance, balanceAfterBuy)

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusExecuted, rec.Status)
	assert.Equal(t, "Sell", rec.Side)
	assert.Equal(t, "take_profit", rec.Reason)
	assert.Greater(t, rec.PnL, 0.0)
}

func TestStopLossForcesExit(t *testing.T) {
	gw := paper.NewGateway(
		paper.WithBalance("USDT", 1000),
		paper.WithBalance("BTC", 1),
	)
	gw.SetPrice("BTCUSDT", 47000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	seedPosition(s, "BTCUSDT", 0.01, 50000, time.Now().UTC().Add(-time.Hour))

	// 47000 is below the 5% fixed stop at 47500.
	snap := types.MarketSnapshot{Symbol: "BTCUSDT", LastPrice: 47000}
	fired := s.checkStopLoss(context.Background(), "BTCUSDT", snap)
	require.True(t, fired)

	s.mu.Lock()
	_, hasPos := s.positions["BTCUSDT"]
	s.mu.Unlock()
	assert.False(t, hasPos)

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusExecuted, rec.Status)
	assert.Equal(t, "stop_loss:"+stoploss.RuleFixed, rec.Reason)
	assert.Less(t, rec.PnL, 0.0)

	status := s.GetSafetyStatus()
	assert.Equal(t, 1, status.LossStreaks["BTCUSDT"])
}

func TestLossStreakBlocksNextBuy(t *testing.T) {
	gw := paper.NewGateway(
		paper.WithBalance("USDT", 10000),
		paper.WithBalance("BTC", 1),
	)
	gw.SetPrice("BTCUSDT", 45000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)

	// Three straight losing exits trip the streak limit.
	for i := 0; i < 3; i++ {
		seedPosition(s, "BTCUSDT", 0.01, 50000, time.Now().UTC().Add(-time.Hour))
		s.executeSell(context.Background(), "BTCUSDT", "SELL", 0.7, "arbiter")

		s.mu.Lock()
		_, hasPos := s.positions["BTCUSDT"]
		s.mu.Unlock()
		require.False(t, hasPos)
	}

	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(45000), dec, ens)

	s.mu.Lock()
	_, hasPos := s.positions["BTCUSDT"]
	s.mu.Unlock()
	assert.False(t, hasPos, "buy after streak trip must not open a position")

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusSkipped, rec.Status)
	assert.Equal(t, safety.ReasonLossStreak, rec.Reason)
}

func TestEmergencyStopLiquidatesAndBlocks(t *testing.T) {
	gw := paper.NewGateway(
		paper.WithBalance("USDT", 1000),
		paper.WithBalance("BTC", 0.01),
		paper.WithBalance("ETH", 0.1),
	)
	gw.SetPrice("BTCUSDT", 47000)
	gw.SetPrice("ETHUSDT", 3000)

	cfg := testSessionConfig("sess-a")
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	s := newTestSession(t, gw, cfg, nil)
	seedPosition(s, "BTCUSDT", 0.01, 50000, time.Now().UTC().Add(-time.Hour))
	seedPosition(s, "ETHUSDT", 0.1, 3100, time.Now().UTC().Add(-time.Hour))

	s.EmergencyStop(context.Background(), "operator request")

	s.mu.Lock()
	remaining := len(s.positions)
	s.mu.Unlock()
	assert.Zero(t, remaining)

	status := s.GetSafetyStatus()
	assert.False(t, status.TradingEnabled)
	require.NotNil(t, status.GlobalBreaker)
	assert.Equal(t, "operator request", status.GlobalBreaker.Reason)

	// New buys are rejected while the breaker window is open.
	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(47000), dec, ens)
	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusSkipped, rec.Status)
	assert.Equal(t, safety.ReasonGlobalBreaker, rec.Reason)
}

func TestBuyRollsBackOnVenueFailure(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("USDT", 1000))
	gw.SetPrice("BTCUSDT", 50000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)

	gw.FailNext(broker.ErrNoResponse)
	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)

	s.mu.Lock()
	balance := s.balance
	_, hasPos := s.positions["BTCUSDT"]
	s.mu.Unlock()

	assert.InDelta(t, 1000.0, balance, 1e-9, "reserved cash must be rolled back")
	assert.False(t, hasPos)

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.Equal(t, "no_response", rec.Reason)
}

func TestSellAdoptsVenueTruthOnBalanceMismatch(t *testing.T) {
	// The venue holds no BTC even though our book says we do.
	gw := paper.NewGateway(paper.WithBalance("USDT", 1000))
	gw.SetPrice("BTCUSDT", 50000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	seedPosition(s, "BTCUSDT", 0.01, 50000, time.Now().UTC().Add(-time.Hour))

	s.executeSell(context.Background(), "BTCUSDT", "SELL", 0.7, "arbiter")

	s.mu.Lock()
	_, hasPos := s.positions["BTCUSDT"]
	balance := s.balance
	s.mu.Unlock()

	assert.False(t, hasPos, "position must be dropped once the venue disowns it")
	assert.InDelta(t, 1000.0, balance, 1e-9)

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusSkipped, rec.Status)
	assert.Equal(t, "insufficient_balance", rec.Reason)
}

func TestRepriceOnDrift(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("BTC", 1))
	gw.SetPrice("BTCUSDT", 50000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	seedPosition(s, "BTCUSDT", 0.004, 50000, time.Now().UTC().Add(-time.Hour))

	// Park a stale take-profit 1% below where it should sit.
	stale, err := gw.PlaceLimitOrder(context.Background(), broker.OrderParams{
		Symbol:    "BTCUSDT",
		Side:      broker.SideSell,
		OrderType: broker.TypeLimit,
		Quantity:  "0.004",
		Price:     "50500",
	})
	require.NoError(t, err)
	s.mu.Lock()
	s.resting["BTCUSDT"] = &state.RestingOrder{
		Symbol:      "BTCUSDT",
		OrderID:     stale.OrderID,
		TargetPrice: 50500,
		Quantity:    0.004,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Unlock()

	s.MaintainRestingOrders(context.Background())

	s.mu.Lock()
	ro := s.resting["BTCUSDT"]
	s.mu.Unlock()
	require.NotNil(t, ro)
	assert.NotEqual(t, stale.OrderID, ro.OrderID)
	assert.InDelta(t, 51000.0, ro.TargetPrice, 1e-6)

	old, err := gw.GetOrder(context.Background(), "BTCUSDT", stale.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, old.Status)
}

func TestNoRepriceInsideThreshold(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("BTC", 1))
	gw.SetPrice("BTCUSDT", 50000)
	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	seedPosition(s, "BTCUSDT", 0.004, 50000, time.Now().UTC().Add(-time.Hour))

	resting, err := gw.PlaceLimitOrder(context.Background(), broker.OrderParams{
		Symbol:    "BTCUSDT",
		Side:      broker.SideSell,
		OrderType: broker.TypeLimit,
		Quantity:  "0.004",
		Price:     "51000",
	})
	require.NoError(t, err)
	s.mu.Lock()
	s.resting["BTCUSDT"] = &state.RestingOrder{
		Symbol:      "BTCUSDT",
		OrderID:     resting.OrderID,
		TargetPrice: 51000,
		Quantity:    0.004,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Unlock()

	s.MaintainRestingOrders(context.Background())

	s.mu.Lock()
	ro := s.resting["BTCUSDT"]
	s.mu.Unlock()
	require.NotNil(t, ro)
	assert.Equal(t, resting.OrderID, ro.OrderID, "on-target order must not churn")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("USDT", 1000))
	gw.SetPrice("BTCUSDT", 50000)
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := newTestSession(t, gw, testSessionConfig("sess-a"), store)
	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)
	require.NoError(t, s.Save())

	s.mu.Lock()
	wantBalance := s.balance
	wantQty := s.positions["BTCUSDT"].Quantity
	wantOrderID := s.resting["BTCUSDT"].OrderID
	s.mu.Unlock()

	restored := newTestSession(t, gw, testSessionConfig("sess-a"), store)
	restored.mu.Lock()
	gotBalance := restored.balance
	pos := restored.positions["BTCUSDT"]
	ro := restored.resting["BTCUSDT"]
	restored.mu.Unlock()

	assert.InDelta(t, wantBalance, gotBalance, 1e-9)
	require.NotNil(t, pos)
	assert.InDelta(t, wantQty, pos.Quantity, 1e-9)
	require.NotNil(t, pos.StopState)
	require.NotNil(t, ro)
	assert.Equal(t, wantOrderID, ro.OrderID)
}

func TestSessionsAreIsolated(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("USDT", 10000))
	gw.SetPrice("BTCUSDT", 50000)

	a := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	b := newTestSession(t, gw, testSessionConfig("sess-b"), nil)

	a.EmergencyStop(context.Background(), "drill")

	// Session A is halted; session B trades normally on the same venue.
	dec, ens := buyDecision()
	b.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)

	b.mu.Lock()
	_, bHasPos := b.positions["BTCUSDT"]
	b.mu.Unlock()
	assert.True(t, bHasPos)
	assert.True(t, b.GetSafetyStatus().TradingEnabled)
	assert.False(t, a.GetSafetyStatus().TradingEnabled)

	a.mu.Lock()
	aPositions := len(a.positions)
	aBalance := a.balance
	a.mu.Unlock()
	assert.Zero(t, aPositions)
	assert.InDelta(t, 1000.0, aBalance, 1e-9)

	// Journals never cross session boundaries.
	recs, err := b.journal.Records("sess-b", 10)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, "sess-b", rec.SessionID)
	}
	recs, err = b.journal.Records("sess-a", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	// Zero commission so session A's buy/sell cycles settle at exactly
	// breakeven; a losing cycle would trip A's own streak breaker and
	// hide cross-session interference behind a legitimate rejection.
	gw := paper.NewGateway(
		paper.WithBalance("USDT", 100000),
		paper.WithCommissionRate(0),
	)
	gw.SetPrice("BTCUSDT", 50000)

	a := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	b := newTestSession(t, gw, testSessionConfig("sess-b"), nil)

	const rounds = 20
	dec, ens := buyDecision()

	var wg sync.WaitGroup
	wg.Add(3)

	// Session A churns full round trips on the shared venue.
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			a.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)
			a.executeSell(context.Background(), "BTCUSDT", "SELL", 0.7, "arbiter")
		}
	}()

	// Session B accumulates, halts mid-stream, then keeps trying.
	go func() {
		defer wg.Done()
		for i := 0; i < rounds/2; i++ {
			b.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)
		}
		b.EmergencyStop(context.Background(), "drill")
		b.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)
	}()

	// Interleaved reads must never deadlock or observe torn state.
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = a.Snapshot()
			_ = b.GetSafetyStatus()
			sum := a.GetPortfolioSummary(nil)
			assert.GreaterOrEqual(t, sum.Balance, 0.0)
		}
	}()

	wg.Wait()

	// A never observed B's emergency stop.
	assert.True(t, a.GetSafetyStatus().TradingEnabled)
	assert.False(t, b.GetSafetyStatus().TradingEnabled)

	a.mu.Lock()
	aPositions := len(a.positions)
	aBalance := a.balance
	a.mu.Unlock()
	assert.Zero(t, aPositions, "every round trip must close flat")
	assert.InDelta(t, 1000.0, aBalance, 1e-9)

	b.mu.Lock()
	bPositions := len(b.positions)
	bResting := len(b.resting)
	b.mu.Unlock()
	assert.Zero(t, bPositions, "emergency stop must liquidate everything")
	assert.Zero(t, bResting)

	rec := latestRecord(t, b)
	assert.Equal(t, journal.StatusSkipped, rec.Status)
	assert.Equal(t, safety.ReasonGlobalBreaker, rec.Reason)

	// Journals never cross session boundaries.
	recs, err := a.journal.Records("sess-a", 100)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, "sess-a", r.SessionID)
	}
	recs, err = a.journal.Records("sess-b", 100)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFlooredOrderIsLogged(t *testing.T) {
	t.Chdir(t.TempDir())
	sessionLog, err := logger.New("floor-test")
	require.NoError(t, err)
	t.Cleanup(func() { sessionLog.Close() })

	// MinNotional 215 pushes the ~227.70 sized notional below the
	// buffered floor of 236.50, which still fits under the 250 cap.
	gw := paper.NewGateway(
		paper.WithBalance("USDT", 1000),
		paper.WithLimits("BTCUSDT", broker.SymbolLimits{
			Symbol: "BTCUSDT", MinNotional: 215, QtyStep: 0.00001, PriceStep: 0.01,
		}),
	)
	gw.SetPrice("BTCUSDT", 50000)

	sqlStore, err := journal.OpenSQLite(":memory:")
	require.NoError(t, err)
	j := journal.New(sqlStore)
	t.Cleanup(func() { j.Close() })

	s, err := New(Options{
		Config:  testSessionConfig("floor-test"),
		Logger:  sessionLog,
		Gateway: gw,
		Journal: j,
	})
	require.NoError(t, err)

	dec, ens := buyDecision()
	s.executeBuy(context.Background(), "BTCUSDT", buySnap(50000), dec, ens)

	s.mu.Lock()
	pos := s.positions["BTCUSDT"]
	s.mu.Unlock()
	require.NotNil(t, pos)
	assert.InDelta(t, 236.5, pos.Quantity*pos.AvgPrice, 0.5)

	data, err := os.ReadFile(sessionLog.GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "bumped to exchange minimum")
}

func TestTickEndToEndBuy(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("USDT", 1000))
	gw.SetTicker(broker.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, Volume24h: 1200})

	cfg := testSessionConfig("sess-a")
	s := newTestSession(t, gw, cfg, nil)
	s.providers = []signal.Provider{stubProvider{recs: []signal.SignalRecord{
		{Source: "composite", Type: signal.SourceComposite, Symbol: "BTCUSDT", Signal: signal.StrongBuy, Confidence: 0.9},
		{Source: "model", Type: signal.SourceModel, Symbol: "BTCUSDT", Signal: signal.Buy, Confidence: 0.8},
	}}}

	s.Tick(context.Background())

	s.mu.Lock()
	pos := s.positions["BTCUSDT"]
	ro := s.resting["BTCUSDT"]
	balance := s.balance
	s.mu.Unlock()

	require.NotNil(t, pos, "a unanimous buy cycle must open a position")
	assert.Less(t, balance, 1000.0)
	require.NotNil(t, ro)
	assert.Greater(t, ro.TargetPrice, pos.AvgPrice)

	rec := latestRecord(t, s)
	assert.Equal(t, journal.StatusExecuted, rec.Status)
	assert.Equal(t, "Buy", rec.Side)
}

func TestTickSurvivesProviderPanic(t *testing.T) {
	gw := paper.NewGateway(paper.WithBalance("USDT", 1000))
	gw.SetTicker(broker.Ticker{Symbol: "BTCUSDT", LastPrice: 50000})

	s := newTestSession(t, gw, testSessionConfig("sess-a"), nil)
	s.providers = []signal.Provider{panicProvider{}}

	require.NotPanics(t, func() { s.Tick(context.Background()) })
}

type stubProvider struct {
	recs []signal.SignalRecord
}

func (p stubProvider) Name() string { return "stub" }
func (p stubProvider) Collect(_ context.Context, _ string, _ types.MarketSnapshot) ([]signal.SignalRecord, error) {
	return p.recs, nil
}

type panicProvider struct{}

func (panicProvider) Name() string { return "panic" }
func (panicProvider) Collect(_ context.Context, _ string, _ types.MarketSnapshot) ([]signal.SignalRecord, error) {
	panic("provider blew up")
}
