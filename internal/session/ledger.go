package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
	"github.com/ducminhle1904/crypto-signal-trader/internal/journal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/monitoring"
	"github.com/ducminhle1904/crypto-signal-trader/internal/signal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/sizing"
	"github.com/ducminhle1904/crypto-signal-trader/internal/state"
	"github.com/ducminhle1904/crypto-signal-trader/internal/stoploss"
	"github.com/ducminhle1904/crypto-signal-trader/pkg/types"
)

// executeBuy sizes, safety-checks and places a market buy. Cash is reserved
// optimistically before the broker call and reconciled (or rolled back)
// against the actual fill afterwards, so concurrent paths never double-spend.
func (s *Session) executeBuy(ctx context.Context, symbol string, snap types.MarketSnapshot, decision signal.Decision, ens signal.EnsembleResult) {
	limits, err := s.gateway.GetLimits(ctx, symbol)
	if err != nil {
		s.registerBrokerFailure("limits "+symbol, err)
		return
	}

	stress := s.riskEng.Stress()
	health := s.portfolioHealth()

	s.mu.Lock()
	balance := s.balance
	s.mu.Unlock()

	sized, err := s.sizer.Size(sizing.Input{
		Symbol:          symbol,
		Price:           snap.LastPrice,
		Balance:         balance,
		Confidence:      ens.Confidence,
		Volatility:      snap.Volatility,
		EnsembleSignal:  ens.Signal,
		Regime:          s.currentRegime(),
		PortfolioHealth: health,
		Stress:          stress,
		Profile:         s.riskEng.Profile(),
		MinNotional:     limits.MinNotional,
	})
	if err != nil {
		if errors.Is(err, sizing.ErrFloorExceedsCap) {
			s.journalSkip(symbol, "Buy", string(decision.Signal), ens.Confidence, "position_too_small")
		}
		return
	}
	if sized.Floored && s.log != nil {
		s.log.Warning("📏 %s order bumped to exchange minimum: $%.2f", symbol, sized.Notional)
	}

	if ok, reason := s.safety.Approve(symbol, sized.Notional, balance, stress, snap.Volatility, health); !ok {
		monitoring.RecordRejection(s.cfg.SessionID, reason)
		if s.log != nil {
			s.log.LogSafetyRejection(symbol, reason)
		}
		s.journalSkip(symbol, "Buy", string(decision.Signal), ens.Confidence, reason)
		return
	}

	qtyStr, err := broker.NormalizeQty(sized.Quantity, limits)
	if err != nil {
		s.journalSkip(symbol, "Buy", string(decision.Signal), ens.Confidence, "min_qty")
		return
	}

	// Reserve the cash before calling out. Rolled back below on any
	// failure, reconciled against the real fill on success.
	s.mu.Lock()
	if s.balance < sized.Notional {
		s.mu.Unlock()
		s.journalSkip(symbol, "Buy", string(decision.Signal), ens.Confidence, "insufficient_balance")
		return
	}
	s.balance -= sized.Notional
	s.mu.Unlock()

	order, err := s.gateway.PlaceMarketOrder(ctx, broker.OrderParams{
		Symbol:      symbol,
		Side:        broker.SideBuy,
		OrderType:   broker.TypeMarket,
		Quantity:    qtyStr,
		OrderLinkID: uuid.NewString(),
	})
	if err != nil {
		s.mu.Lock()
		s.balance += sized.Notional
		s.mu.Unlock()
		s.registerBrokerFailure("buy "+symbol, err)
		status := journal.StatusFailed
		reason := brokerErrorReason(err)
		if errors.Is(err, broker.ErrNoResponse) {
			// Outcome unknown: the rollback above restores cash, the
			// next reconciliation pass will pick up any fill.
			reason = "no_response"
		}
		s.journalRecord(journal.TradeRecord{
			Symbol:     symbol,
			Side:       "Buy",
			Signal:     string(decision.Signal),
			Confidence: ens.Confidence,
			Status:     status,
			Reason:     reason,
		})
		return
	}
	s.safety.RegisterAPISuccess()

	fill := broker.FillOf(order)
	netQty, _ := fill.NetQty().Float64()
	spent, _ := fill.Value.Float64()
	avgPrice, _ := fill.AvgPrice.Float64()
	fee, _ := fill.Fee.Float64()
	if netQty <= 0 {
		s.mu.Lock()
		s.balance += sized.Notional
		s.mu.Unlock()
		s.journalRecord(journal.TradeRecord{
			Symbol:        symbol,
			Side:          "Buy",
			Signal:        string(decision.Signal),
			Confidence:    ens.Confidence,
			BrokerOrderID: order.OrderID,
			Status:        journal.StatusFailed,
			Reason:        "zero_fill",
		})
		return
	}

	s.mu.Lock()
	s.balance += sized.Notional - spent
	pos := s.positions[symbol]
	if pos == nil {
		pos = &state.Position{
			Symbol:         symbol,
			Quantity:       netQty,
			AvgPrice:       avgPrice,
			EntryTime:      s.now().UTC(),
			SignalStrength: ens.Confidence,
		}
		pos.StopState = stoploss.NewState(avgPrice, pos.EntryTime)
		s.positions[symbol] = pos
	} else {
		total := pos.Quantity + netQty
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + avgPrice*netQty) / total
		pos.Quantity = total
		pos.StopState = stoploss.NewState(pos.AvgPrice, pos.EntryTime)
	}
	tpQty := pos.Quantity
	tpEntry := pos.AvgPrice
	s.mu.Unlock()

	if s.log != nil {
		s.log.LogTradeExecution("BUY", order.OrderID, symbol, netQty, avgPrice, spent)
	}
	monitoring.RecordTrade(s.cfg.SessionID, symbol, "Buy", spent)
	s.journalRecord(journal.TradeRecord{
		Symbol:        symbol,
		Side:          "Buy",
		Quantity:      netQty,
		Price:         avgPrice,
		Notional:      spent,
		Signal:        string(decision.Signal),
		Confidence:    ens.Confidence,
		BrokerOrderID: order.OrderID,
		Commission:    fee,
		Status:        journal.StatusExecuted,
	})

	s.placeTakeProfit(ctx, symbol, tpQty, tpEntry, limits)
}

// placeTakeProfit parks a limit sell above entry, nudged clear of the current
// ask so it rests instead of crossing. An existing resting order for the
// symbol is replaced so each symbol holds at most one.
func (s *Session) placeTakeProfit(ctx context.Context, symbol string, qty, entry float64, limits *broker.SymbolLimits) {
	s.mu.Lock()
	existing := s.resting[symbol]
	var existingID string
	if existing != nil {
		existingID = existing.OrderID
	}
	s.mu.Unlock()

	if existingID != "" {
		if err := s.gateway.CancelOrder(ctx, symbol, existingID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			s.registerBrokerFailure("cancel take-profit "+symbol, err)
			return
		}
		s.mu.Lock()
		delete(s.resting, symbol)
		s.mu.Unlock()
	}

	target := entry * (1 + s.cfg.Execution.TakeProfitPercent)
	if book, err := s.gateway.GetOrderBook(ctx, symbol); err == nil && book.BestAsk > 0 {
		if floorPrice := book.BestAsk * (1 + s.cfg.Execution.SpreadMargin); floorPrice > target {
			target = floorPrice
		}
	}

	qtyStr, err := broker.NormalizeQty(qty, limits)
	if err != nil {
		return
	}
	order, err := s.gateway.PlaceLimitOrder(ctx, broker.OrderParams{
		Symbol:      symbol,
		Side:        broker.SideSell,
		OrderType:   broker.TypeLimit,
		Quantity:    qtyStr,
		Price:       broker.NormalizePrice(target, limits),
		OrderLinkID: uuid.NewString(),
	})
	if err != nil {
		s.registerBrokerFailure("take-profit "+symbol, err)
		return
	}
	s.safety.RegisterAPISuccess()

	now := s.now().UTC()
	s.mu.Lock()
	s.resting[symbol] = &state.RestingOrder{
		Symbol:      symbol,
		OrderID:     order.OrderID,
		TargetPrice: target,
		Quantity:    qty,
		CreatedAt:   now,
		LastChecked: now,
	}
	if pos := s.positions[symbol]; pos != nil {
		pos.TakeProfitPrice = target
	}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Trade("Resting take-profit for %s: %s @ %.4f", symbol, qtyStr, target)
	}
}

// executeSell liquidates the symbol's position at market. The resting
// take-profit is cancelled first so the venue cannot fill both. Failures are
// split into hard (revert, keep our book) and soft (adopt the venue's truth).
func (s *Session) executeSell(ctx context.Context, symbol, sig string, confidence float64, reason string) {
	s.mu.Lock()
	pos := s.positions[symbol]
	if pos == nil {
		s.mu.Unlock()
		return
	}
	posCopy := *pos
	var restingID string
	if ro := s.resting[symbol]; ro != nil {
		restingID = ro.OrderID
	}
	s.mu.Unlock()

	if restingID != "" {
		err := s.gateway.CancelOrder(ctx, symbol, restingID)
		switch {
		case err == nil, errors.Is(err, broker.ErrOrderNotFound):
			s.mu.Lock()
			delete(s.resting, symbol)
			s.mu.Unlock()
		default:
			// The take-profit may still be live; selling now could
			// exit twice. Leave the book alone and retry next cycle.
			s.registerBrokerFailure("cancel before sell "+symbol, err)
			s.journalRecord(journal.TradeRecord{
				Symbol:     symbol,
				Side:       "Sell",
				Signal:     sig,
				Confidence: confidence,
				Status:     journal.StatusFailed,
				Reason:     "cancel_failed",
			})
			return
		}
	}

	limits, err := s.gateway.GetLimits(ctx, symbol)
	if err != nil {
		s.registerBrokerFailure("limits "+symbol, err)
		return
	}
	qtyStr, err := broker.NormalizeQty(posCopy.Quantity, limits)
	if err != nil {
		s.journalSkip(symbol, "Sell", sig, confidence, "min_qty")
		return
	}

	order, err := s.gateway.PlaceMarketOrder(ctx, broker.OrderParams{
		Symbol:      symbol,
		Side:        broker.SideSell,
		OrderType:   broker.TypeMarket,
		Quantity:    qtyStr,
		OrderLinkID: uuid.NewString(),
	})
	if err != nil {
		s.handleSellFailure(ctx, symbol, sig, confidence, err)
		return
	}
	s.safety.RegisterAPISuccess()

	fill := broker.FillOf(order)
	filledQty, _ := fill.Qty.Float64()
	value, _ := fill.Value.Float64()
	fee, _ := fill.Fee.Float64()
	avgPrice, _ := fill.AvgPrice.Float64()
	credit := value - fee

	s.mu.Lock()
	s.balance += credit
	var pnl float64
	if live := s.positions[symbol]; live != nil {
		pnl = credit - live.AvgPrice*filledQty
		live.Quantity -= filledQty
		if live.Quantity*live.AvgPrice < dustNotional {
			delete(s.positions, symbol)
		}
	}
	s.mu.Unlock()

	s.safety.RegisterResult(symbol, pnl)
	if s.log != nil {
		s.log.LogTradeExecution("SELL", order.OrderID, symbol, filledQty, avgPrice, value)
	}
	monitoring.RecordTrade(s.cfg.SessionID, symbol, "Sell", value)

	pnlPct := 0.0
	if basis := posCopy.AvgPrice * filledQty; basis > 0 {
		pnlPct = pnl / basis
	}
	s.journalRecord(journal.TradeRecord{
		Symbol:        symbol,
		Side:          "Sell",
		Quantity:      filledQty,
		Price:         avgPrice,
		Notional:      value,
		PnL:           pnl,
		PnLPercent:    pnlPct,
		Signal:        sig,
		Confidence:    confidence,
		BrokerOrderID: order.OrderID,
		Commission:    fee,
		Status:        journal.StatusExecuted,
		Reason:        reason,
	})
}

// dustNotional is the position value below which a partially-exited position
// is treated as closed. Step-flooring order quantities leaves residuals worth
// well under a cent.
const dustNotional = 0.01

// handleSellFailure classifies a failed market sell. Balance mismatches mean
// our book disagrees with the venue, so the venue wins; everything else is a
// hard failure that leaves the position untouched for the next cycle.
func (s *Session) handleSellFailure(ctx context.Context, symbol, sig string, confidence float64, err error) {
	switch {
	case errors.Is(err, broker.ErrInsufficientBalance):
		s.adoptVenuePosition(ctx, symbol)
		s.journalSkip(symbol, "Sell", sig, confidence, "insufficient_balance")
	case errors.Is(err, broker.ErrBelowMinNotional):
		s.journalSkip(symbol, "Sell", sig, confidence, "min_notional")
	default:
		s.registerBrokerFailure("sell "+symbol, err)
		reason := brokerErrorReason(err)
		if errors.Is(err, broker.ErrNoResponse) {
			reason = "no_response"
		}
		s.journalRecord(journal.TradeRecord{
			Symbol:     symbol,
			Side:       "Sell",
			Signal:     sig,
			Confidence: confidence,
			Status:     journal.StatusFailed,
			Reason:     reason,
		})
	}
}

// adoptVenuePosition replaces our position record with the venue's view.
// Called when the venue rejects a sell for holdings we thought we had.
func (s *Session) adoptVenuePosition(ctx context.Context, symbol string) {
	venuePos, err := s.gateway.GetPosition(ctx, symbol)
	if err != nil {
		s.registerBrokerFailure("position "+symbol, err)
		return
	}

	var venueQty float64
	if venuePos != nil {
		venueQty, _ = broker.Dec(venuePos.Size).Float64()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positions[symbol]
	if venueQty*snapPrice(s.snapshots[symbol]) < dustNotional {
		delete(s.positions, symbol)
		return
	}
	if pos != nil {
		pos.Quantity = venueQty
	}
}

func snapPrice(snap types.MarketSnapshot) float64 {
	if snap.LastPrice > 0 {
		return snap.LastPrice
	}
	return 1
}

// journalSkip records a declined trade attempt with its reason code.
func (s *Session) journalSkip(symbol, side, sig string, confidence float64, reason string) {
	s.journalRecord(journal.TradeRecord{
		Symbol:     symbol,
		Side:       side,
		Signal:     sig,
		Confidence: confidence,
		Status:     journal.StatusSkipped,
		Reason:     reason,
	})
}

// journalRecord stamps session fields and appends. Journal failures are
// logged, never fatal: the trade already happened.
func (s *Session) journalRecord(rec journal.TradeRecord) {
	rec.SessionID = s.cfg.SessionID
	rec.ExecutionMode = s.cfg.Mode
	if _, err := s.journal.Append(rec); err != nil {
		s.logError("journal append", err)
	}
}

// brokerErrorReason maps a broker error onto a journal reason code.
func brokerErrorReason(err error) string {
	var brokerErr *broker.BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Code
	}
	return "broker_error"
}

// reconcileRestingOrders re-checks persisted resting orders against the venue
// after a restart. Terminal orders are settled or dropped; live ones resume
// normal maintenance.
func (s *Session) reconcileRestingOrders(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]state.RestingOrder, len(s.resting))
	for symbol, ro := range s.resting {
		pending[symbol] = *ro
	}
	s.mu.Unlock()

	for symbol, ro := range pending {
		order, err := s.gateway.GetOrder(ctx, symbol, ro.OrderID)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				s.mu.Lock()
				delete(s.resting, symbol)
				s.mu.Unlock()
				continue
			}
			s.registerBrokerFailure("reconcile "+symbol, err)
			continue
		}
		if order.Terminal() {
			s.settleRestingOrder(symbol, order)
		}
	}
}
