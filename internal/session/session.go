// Package session hosts the per-tenant trading engine: one Session owns its
// balance, positions, safety controller, and risk engine, and serializes all
// mutation behind a single lock. Nothing in here is shared across sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
	"github.com/ducminhle1904/crypto-signal-trader/internal/journal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/logger"
	"github.com/ducminhle1904/crypto-signal-trader/internal/monitoring"
	"github.com/ducminhle1904/crypto-signal-trader/internal/risk"
	"github.com/ducminhle1904/crypto-signal-trader/internal/safety"
	"github.com/ducminhle1904/crypto-signal-trader/internal/signal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/sizing"
	"github.com/ducminhle1904/crypto-signal-trader/internal/state"
	"github.com/ducminhle1904/crypto-signal-trader/internal/stoploss"
	"github.com/ducminhle1904/crypto-signal-trader/pkg/types"
)

// priceWindow is how many recent prices per symbol feed stress and regime
// calculations.
const priceWindow = 50

// Session is one tenant's trading engine.
type Session struct {
	cfg     config.SessionConfig
	log     *logger.Logger
	gateway broker.Gateway
	journal *journal.Journal
	store   *state.FileStore

	safety   *safety.Controller
	riskEng  *risk.Engine
	stops    *stoploss.Evaluator
	combiner *signal.Combiner
	arbiter  *signal.Arbiter
	sizer    *sizing.Sizer

	providers  []signal.Provider
	predictors []signal.Predictor

	// mu guards everything below. Broker calls never happen while it is
	// held: lock, snapshot, unlock, call, re-lock, reconcile.
	mu        sync.Mutex
	balance   float64
	peakValue float64
	positions map[string]*state.Position
	resting   map[string]*state.RestingOrder
	prices    map[string]types.PriceSeries
	snapshots map[string]types.MarketSnapshot
	regime    signal.Regime
	stopping  bool

	now func() time.Time
}

// Options carries the session's collaborators.
type Options struct {
	Config     config.SessionConfig
	Logger     *logger.Logger
	Gateway    broker.Gateway
	Journal    *journal.Journal
	Store      *state.FileStore
	Providers  []signal.Provider
	Predictors []signal.Predictor
}

// New builds a session with fresh, unshared risk and safety state.
func New(opts Options) (*Session, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("session %s: gateway is required", opts.Config.SessionID)
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("session %s: journal is required", opts.Config.SessionID)
	}

	s := &Session{
		cfg:        opts.Config,
		log:        opts.Logger,
		gateway:    opts.Gateway,
		journal:    opts.Journal,
		store:      opts.Store,
		safety:     safety.NewController(opts.Config.Safety, opts.Config.Risk.InitialBalance),
		riskEng:    risk.NewEngine(),
		stops:      stoploss.NewEvaluator(opts.Config.StopLoss),
		combiner:   signal.NewCombiner(),
		arbiter:    signal.NewArbiter(opts.Config.Arbiter),
		sizer:      sizing.NewSizer(opts.Config.Risk),
		providers:  opts.Providers,
		predictors: opts.Predictors,
		balance:    opts.Config.Risk.InitialBalance,
		peakValue:  opts.Config.Risk.InitialBalance,
		positions:  make(map[string]*state.Position),
		resting:    make(map[string]*state.RestingOrder),
		prices:     make(map[string]types.PriceSeries),
		snapshots:  make(map[string]types.MarketSnapshot),
		regime:     signal.RegimeMixed,
		now:        time.Now,
	}

	if opts.Config.MetaClassifierPath != "" {
		if err := s.combiner.LoadMetaClassifier(opts.Config.MetaClassifierPath); err != nil {
			s.logError("meta classifier", err)
		}
	}

	if opts.Store != nil {
		if err := s.restore(); err != nil {
			s.logError("restore", err)
		}
	}
	return s, nil
}

// restore loads the persisted snapshot, if any, and reconciles resting
// orders against the venue on the next maintenance pass.
func (s *Session) restore() error {
	snap, err := s.store.LoadState(s.cfg.SessionID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	s.mu.Lock()
	s.balance = snap.Balance
	if snap.Balance > s.peakValue {
		s.peakValue = snap.Balance
	}
	for symbol, pos := range snap.Positions {
		p := pos
		s.positions[symbol] = &p
	}
	for symbol, ro := range snap.RestingOrders {
		r := ro
		s.resting[symbol] = &r
	}
	s.mu.Unlock()

	s.safety.SetStartOfDayBalance(snap.StartOfDayBalance)
	s.safety.Restore(snap.SavedAt, snap.GlobalBreaker, snap.SymbolBreakers, snap.LossStreaks, snap.DailyLoss, snap.DailyProfit)
	if !snap.TradingEnabled && snap.GlobalBreaker == nil {
		s.safety.DisableTrading()
	}
	s.riskEng.SetProfile(risk.Profile(snap.RiskProfile))

	if s.log != nil {
		s.log.Status("Restored session state: balance=%.2f positions=%d resting=%d",
			snap.Balance, len(snap.Positions), len(snap.RestingOrders))
	}
	return nil
}

// Run drives the session's background loops until ctx is cancelled: the
// decision tick, resting-order maintenance, and periodic snapshots.
func (s *Session) Run(ctx context.Context) error {
	s.reconcileRestingOrders(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.Execution.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.Execution.RestingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.MaintainRestingOrders(ctx)
			}
		}
	})

	if s.store != nil {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.Execution.SnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := s.Save(); err != nil {
						s.logError("snapshot", err)
					}
				}
			}
		})
	}

	return g.Wait()
}

// Tick runs one full decision cycle: refresh market data, recompute stress
// and regime, then arbitrate and execute per symbol. A panic in one symbol's
// path is contained there; the remaining symbols still run.
func (s *Session) Tick(ctx context.Context) {
	s.refreshMarketData(ctx)

	s.mu.Lock()
	pricesCopy := make(map[string]types.PriceSeries, len(s.prices))
	for sym, series := range s.prices {
		pricesCopy[sym] = append(types.PriceSeries(nil), series...)
	}
	snapsCopy := make(map[string]types.MarketSnapshot, len(s.snapshots))
	for sym, snap := range s.snapshots {
		snapsCopy[sym] = snap
	}
	s.mu.Unlock()

	stress := s.riskEng.ComputeMarketStress(snapsCopy, pricesCopy)
	regime := s.combiner.ClassifyRegime(pricesCopy)

	s.mu.Lock()
	s.regime = regime
	s.mu.Unlock()

	ret, drawdown := s.performance()
	s.riskEng.AdjustProfile(ret, drawdown)
	monitoring.UpdateMarketStress(s.cfg.SessionID, stress)

	for _, symbol := range s.cfg.Symbols {
		s.runSymbol(ctx, symbol)
	}

	s.mu.Lock()
	balance, positionCount := s.balance, len(s.positions)
	s.mu.Unlock()
	monitoring.UpdateBalance(s.cfg.SessionID, balance, positionCount)
}

// refreshMarketData pulls tickers and updates rolling price windows.
func (s *Session) refreshMarketData(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		ticker, err := s.gateway.GetTicker(ctx, symbol)
		if err != nil {
			s.registerBrokerFailure("ticker", err)
			continue
		}
		s.safety.RegisterAPISuccess()

		s.mu.Lock()
		prev := s.snapshots[symbol]
		series := append(s.prices[symbol], ticker.LastPrice)
		if len(series) > priceWindow {
			series = series[len(series)-priceWindow:]
		}
		s.prices[symbol] = series
		s.snapshots[symbol] = types.MarketSnapshot{
			Symbol:        symbol,
			LastPrice:     ticker.LastPrice,
			Volume24h:     ticker.Volume24h,
			PrevVolume24h: prev.Volume24h,
			Volatility:    seriesVolatility(series),
			ATR:           seriesATR(series),
			Timestamp:     s.now().UTC(),
		}
		s.mu.Unlock()
	}
}

// runSymbol executes the decision path for one symbol. Unexpected faults are
// caught here so one symbol cannot halt the session loop.
func (s *Session) runSymbol(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			s.logError(fmt.Sprintf("panic in %s decision path", symbol), fmt.Errorf("%v", r))
		}
	}()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	snap, haveSnap := s.snapshots[symbol]
	pos := s.positions[symbol]
	var posCopy *state.Position
	if pos != nil {
		c := *pos
		posCopy = &c
	}
	s.mu.Unlock()
	if !haveSnap {
		return
	}

	// Stop-loss rules run before new signals so forced exits always win.
	if posCopy != nil && s.checkStopLoss(ctx, symbol, snap) {
		return
	}

	records := s.collectSignals(ctx, symbol, snap)
	ens := s.combiner.Combine(records, s.currentRegime())
	stress := s.riskEng.Stress()

	decision := s.arbiter.Decide(records, ens, s.currentRegime(), stress, posCopy != nil)
	switch {
	case decision.Signal.IsBuy():
		s.executeBuy(ctx, symbol, snap, decision, ens)
	case decision.Signal.IsSell():
		s.executeSell(ctx, symbol, string(decision.Signal), ens.Confidence, "arbiter")
	default:
		if s.log != nil && decision.HoldReason != signal.HoldNoSignals {
			s.log.Debug("%s: holding (%s) buy=%.2f sell=%.2f threshold=%.2f",
				symbol, decision.HoldReason, decision.BuyPower, decision.SellPower, decision.Threshold)
		}
	}
}

// checkStopLoss evaluates exit rules against the latest price and force-sells
// on a breach. Returns true when an exit was attempted.
func (s *Session) checkStopLoss(ctx context.Context, symbol string, snap types.MarketSnapshot) bool {
	s.mu.Lock()
	pos := s.positions[symbol]
	if pos == nil {
		s.mu.Unlock()
		return false
	}
	if pos.StopState == nil {
		pos.StopState = stoploss.NewState(pos.AvgPrice, pos.EntryTime)
	}
	trig, fired := s.stops.ShouldTrigger(pos.StopState, snap.LastPrice, snap.ATR, snap.Volatility, s.now())
	s.mu.Unlock()

	if !fired {
		return false
	}
	if s.log != nil {
		s.log.Warning("%s: stop rule %s breached at %.4f (trigger %.4f), forcing exit",
			symbol, trig.Rule, snap.LastPrice, trig.Price)
	}
	s.executeSell(ctx, symbol, "SELL", 1.0, "stop_loss:"+trig.Rule)
	return true
}

// collectSignals polls providers and predictors. Provider failures and empty
// predictions are tolerated; the cycle proceeds with whatever arrived.
func (s *Session) collectSignals(ctx context.Context, symbol string, snap types.MarketSnapshot) []signal.SignalRecord {
	var records []signal.SignalRecord
	for _, p := range s.providers {
		recs, err := p.Collect(ctx, symbol, snap)
		if err != nil {
			s.logError(fmt.Sprintf("provider %s", p.Name()), err)
			continue
		}
		records = append(records, recs...)
	}
	for _, p := range s.predictors {
		pred, err := p.Predict(ctx, symbol, snap)
		if err != nil {
			s.logError(fmt.Sprintf("predictor %s", p.Name()), err)
			continue
		}
		if pred == nil {
			continue
		}
		records = append(records, signal.SignalRecord{
			Source:     p.Name(),
			Type:       signal.SourceModel,
			Symbol:     symbol,
			Signal:     pred.Signal,
			Confidence: pred.Confidence,
			Timestamp:  s.now().UTC(),
		})
	}
	return records
}

func (s *Session) currentRegime() signal.Regime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regime
}

// performance returns portfolio return since inception and drawdown from the
// peak, marked at last prices.
func (s *Session) performance() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.totalValueLocked()
	if total > s.peakValue {
		s.peakValue = total
	}
	var ret, drawdown float64
	if s.cfg.Risk.InitialBalance > 0 {
		ret = (total - s.cfg.Risk.InitialBalance) / s.cfg.Risk.InitialBalance
	}
	if s.peakValue > 0 {
		drawdown = (s.peakValue - total) / s.peakValue
	}
	return ret, drawdown
}

// totalValueLocked marks positions at the latest snapshot price. Callers
// hold s.mu.
func (s *Session) totalValueLocked() float64 {
	total := s.balance
	for symbol, pos := range s.positions {
		price := pos.AvgPrice
		if snap, ok := s.snapshots[symbol]; ok && snap.LastPrice > 0 {
			price = snap.LastPrice
		}
		total += pos.Quantity * price
	}
	return total
}

// portfolioHealth maps drawdown onto [0,1]; 12.5% drawdown hits the 0.5
// safety gate.
func (s *Session) portfolioHealth() float64 {
	_, drawdown := s.performance()
	health := 1.0 - drawdown*4
	if health < 0 {
		return 0
	}
	if health > 1 {
		return 1
	}
	return health
}

// EnableTrading lifts a manual trading halt. It fails while a global breaker
// window is still open.
func (s *Session) EnableTrading() bool {
	ok := s.safety.EnableTrading()
	if ok && s.log != nil {
		s.log.Status("Trading enabled")
	}
	return ok
}

// DisableTrading halts new trades until EnableTrading. Open positions and
// resting orders are left alone.
func (s *Session) DisableTrading(reason string) {
	s.safety.DisableTrading()
	if s.log != nil {
		s.log.Warning("Trading disabled: %s", reason)
	}
}

// GetSafetyStatus exposes the safety controller snapshot.
func (s *Session) GetSafetyStatus() safety.Status {
	return s.safety.Status()
}

// EmergencyStop trips the global breaker, pre-empts any pending decisions,
// and force-liquidates every open position at live prices.
func (s *Session) EmergencyStop(ctx context.Context, reason string) {
	s.mu.Lock()
	s.stopping = true
	symbols := make([]string, 0, len(s.positions))
	for symbol := range s.positions {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	s.safety.TriggerGlobalBreaker(reason)
	s.safety.DisableTrading()
	monitoring.RecordBreakerTrip(s.cfg.SessionID, string(safety.ScopeGlobal))
	if s.log != nil {
		s.log.Error("EMERGENCY STOP (%s): liquidating %d positions", reason, len(symbols))
	}

	for _, symbol := range symbols {
		s.executeSell(ctx, symbol, "SELL", 1.0, "emergency_stop")
	}

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	if s.store != nil {
		if err := s.Save(); err != nil {
			s.logError("snapshot after emergency stop", err)
		}
	}
}

// Save persists the current state through the session's store.
func (s *Session) Save() error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveState(s.Snapshot())
}

// Snapshot captures the session state for persistence.
func (s *Session) Snapshot() *state.Snapshot {
	st := s.safety.Status()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &state.Snapshot{
		SessionID:         s.cfg.SessionID,
		Balance:           s.balance,
		StartOfDayBalance: st.StartOfDayValue,
		DailyLoss:         st.DailyLoss,
		DailyProfit:       st.DailyProfit,
		TradingEnabled:    st.TradingEnabled,
		RiskProfile:       string(s.riskEng.Profile()),
		MarketStress:      s.riskEng.Stress(),
		Positions:         make(map[string]state.Position, len(s.positions)),
		RestingOrders:     make(map[string]state.RestingOrder, len(s.resting)),
		GlobalBreaker:     st.GlobalBreaker,
		SymbolBreakers:    st.SymbolBreakers,
		LossStreaks:       st.LossStreaks,
	}
	for symbol, pos := range s.positions {
		snap.Positions[symbol] = *pos
	}
	for symbol, ro := range s.resting {
		snap.RestingOrders[symbol] = *ro
	}
	return snap
}

func (s *Session) logError(context string, err error) {
	if s.log != nil {
		s.log.LogError(context, err)
	}
}

// registerBrokerFailure feeds the API tripwire and metrics on a failed
// venue call.
func (s *Session) registerBrokerFailure(op string, err error) {
	s.safety.RegisterAPIFailure()
	code := "UNKNOWN"
	var brokerErr *broker.BrokerError
	if errors.As(err, &brokerErr) {
		code = brokerErr.Code
	}
	monitoring.RecordBrokerError(s.cfg.SessionID, code)
	s.logError(op, err)
}

// seriesVolatility is the stddev of simple returns over the window.
func seriesVolatility(prices types.PriceSeries) float64 {
	if len(prices) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		rets = append(rets, prices[i]/prices[i-1]-1)
	}
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var sq float64
	for _, r := range rets {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(rets)-1))
}

// seriesATR approximates average true range as the mean absolute move
// between consecutive samples.
func seriesATR(prices types.PriceSeries) float64 {
	if len(prices) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(prices); i++ {
		sum += math.Abs(prices[i] - prices[i-1])
	}
	return sum / float64(len(prices)-1)
}
