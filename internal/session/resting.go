package session

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
	"github.com/ducminhle1904/crypto-signal-trader/internal/journal"
	"github.com/ducminhle1904/crypto-signal-trader/internal/monitoring"
	"github.com/ducminhle1904/crypto-signal-trader/internal/state"
)

// MaintainRestingOrders walks the live take-profit orders one symbol at a
// time: settle fills, drop cancelled orders, and reprice when the target has
// drifted past the reprice threshold.
func (s *Session) MaintainRestingOrders(ctx context.Context) {
	s.mu.Lock()
	pending := make(map[string]state.RestingOrder, len(s.resting))
	for symbol, ro := range s.resting {
		pending[symbol] = *ro
	}
	s.mu.Unlock()

	for symbol, ro := range pending {
		if ctx.Err() != nil {
			return
		}
		s.maintainSymbol(ctx, symbol, ro)
	}
}

func (s *Session) maintainSymbol(ctx context.Context, symbol string, ro state.RestingOrder) {
	order, err := s.gateway.GetOrder(ctx, symbol, ro.OrderID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			s.mu.Lock()
			delete(s.resting, symbol)
			s.mu.Unlock()
			return
		}
		s.registerBrokerFailure("resting order check "+symbol, err)
		return
	}
	s.safety.RegisterAPISuccess()

	if order.Terminal() {
		s.settleRestingOrder(symbol, order)
		return
	}

	s.mu.Lock()
	pos := s.positions[symbol]
	if live := s.resting[symbol]; live != nil {
		live.LastChecked = s.now().UTC()
	}
	s.mu.Unlock()
	if pos == nil {
		return
	}

	desired := pos.AvgPrice * (1 + s.cfg.Execution.TakeProfitPercent)
	if book, err := s.gateway.GetOrderBook(ctx, symbol); err == nil && book.BestAsk > 0 {
		if floorPrice := book.BestAsk * (1 + s.cfg.Execution.SpreadMargin); floorPrice > desired {
			desired = floorPrice
		}
	}
	if ro.TargetPrice <= 0 {
		return
	}
	drift := math.Abs(desired-ro.TargetPrice) / ro.TargetPrice
	if drift <= s.cfg.Execution.RepriceThreshold {
		return
	}

	s.repriceRestingOrder(ctx, symbol, ro, desired)
}

// repriceRestingOrder is a cancel-then-recreate. If the old order filled in
// the race window the cancel reports not-found and the next maintenance pass
// settles the fill.
func (s *Session) repriceRestingOrder(ctx context.Context, symbol string, ro state.RestingOrder, desired float64) {
	if err := s.gateway.CancelOrder(ctx, symbol, ro.OrderID); err != nil {
		if !errors.Is(err, broker.ErrOrderNotFound) {
			s.registerBrokerFailure("reprice cancel "+symbol, err)
			return
		}
	}
	s.mu.Lock()
	delete(s.resting, symbol)
	s.mu.Unlock()

	limits, err := s.gateway.GetLimits(ctx, symbol)
	if err != nil {
		s.registerBrokerFailure("limits "+symbol, err)
		return
	}
	qtyStr, err := broker.NormalizeQty(ro.Quantity, limits)
	if err != nil {
		return
	}

	order, err := s.gateway.PlaceLimitOrder(ctx, broker.OrderParams{
		Symbol:      symbol,
		Side:        broker.SideSell,
		OrderType:   broker.TypeLimit,
		Quantity:    qtyStr,
		Price:       broker.NormalizePrice(desired, limits),
		OrderLinkID: uuid.NewString(),
	})
	if err != nil {
		// Position is temporarily uncovered; the next buy or
		// maintenance pass re-establishes the take-profit.
		s.registerBrokerFailure("reprice place "+symbol, err)
		return
	}
	s.safety.RegisterAPISuccess()

	now := s.now().UTC()
	s.mu.Lock()
	s.resting[symbol] = &state.RestingOrder{
		Symbol:      symbol,
		OrderID:     order.OrderID,
		TargetPrice: desired,
		Quantity:    ro.Quantity,
		CreatedAt:   ro.CreatedAt,
		LastChecked: now,
	}
	if pos := s.positions[symbol]; pos != nil {
		pos.TakeProfitPrice = desired
	}
	s.mu.Unlock()

	if s.log != nil {
		s.log.Trade("Repriced take-profit for %s to %.4f", symbol, desired)
	}
}

// settleRestingOrder applies a terminal take-profit order to the book. A fill
// closes the position and realizes its profit; a cancel or reject just drops
// the tracking entry.
func (s *Session) settleRestingOrder(symbol string, order *broker.Order) {
	s.mu.Lock()
	delete(s.resting, symbol)
	s.mu.Unlock()

	if order.Status != broker.StatusFilled {
		return
	}

	fill := broker.FillOf(order)
	filledQty, _ := fill.Qty.Float64()
	value, _ := fill.Value.Float64()
	fee, _ := fill.Fee.Float64()
	avgPrice, _ := fill.AvgPrice.Float64()
	credit := value - fee

	s.mu.Lock()
	s.balance += credit
	var pnl, basis float64
	if pos := s.positions[symbol]; pos != nil {
		basis = pos.AvgPrice * filledQty
		pnl = credit - basis
		pos.Quantity -= filledQty
		if pos.Quantity*pos.AvgPrice < dustNotional {
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
	if basis > 0 {
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
		Signal:        "TAKE_PROFIT",
		BrokerOrderID: order.OrderID,
		Commission:    fee,
		Status:        journal.StatusExecuted,
		Reason:        "take_profit",
	})
}
