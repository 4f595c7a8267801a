// Package paper implements an in-memory broker gateway with deterministic
// fills. It backs paper-trading mode and the engine's integration tests.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
)

const quoteAsset = "USDT"

// Gateway simulates a spot venue. Market orders fill instantly at the mark
// price; limit orders rest until the mark crosses them. All mutation is
// behind one mutex so concurrent sessions can share a venue in tests.
type Gateway struct {
	mu sync.Mutex

	balances map[string]float64
	prices   map[string]float64
	tickers  map[string]broker.Ticker
	orders   map[string]*broker.Order
	limits   map[string]*broker.SymbolLimits

	// FillRatio scales the executed quantity of every market order; 1.0
	// fills exactly what was asked. Tests use 0.98 to exercise
	// partial-fill reconciliation.
	fillRatio      float64
	commissionRate float64
	spread         float64

	nextErr error
}

// Option configures the simulated venue.
type Option func(*Gateway)

// WithBalance seeds an asset balance.
func WithBalance(asset string, amount float64) Option {
	return func(g *Gateway) { g.balances[asset] = amount }
}

// WithFillRatio scales market-order fills; must be in (0, 1].
func WithFillRatio(r float64) Option {
	return func(g *Gateway) { g.fillRatio = r }
}

// WithCommissionRate sets the taker fee charged on every fill.
func WithCommissionRate(r float64) Option {
	return func(g *Gateway) { g.commissionRate = r }
}

// WithLimits sets the trading constraints for a symbol.
func WithLimits(symbol string, l broker.SymbolLimits) Option {
	return func(g *Gateway) { g.limits[symbol] = &l }
}

func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		balances:       make(map[string]float64),
		prices:         make(map[string]float64),
		tickers:        make(map[string]broker.Ticker),
		orders:         make(map[string]*broker.Order),
		limits:         make(map[string]*broker.SymbolLimits),
		fillRatio:      1.0,
		commissionRate: 0.001,
		spread:         0.0005,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) GetName() string { return "paper" }
func (g *Gateway) IsDemo() bool    { return true }

// SetPrice moves the mark price and fills any resting limit orders the new
// price crosses.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
	g.crossRestingLocked(symbol, price)
}

// SetTicker sets the 24h stats reported for a symbol.
func (g *Gateway) SetTicker(t broker.Ticker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickers[t.Symbol] = t
	g.prices[t.Symbol] = t.LastPrice
}

// FailNext makes the next trading call return err, simulating a venue
// outage or rejection. The failure is consumed by one call.
func (g *Gateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextErr = err
}

func (g *Gateway) takeErrLocked() error {
	err := g.nextErr
	g.nextErr = nil
	return err
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, params broker.OrderParams) (*broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeErrLocked(); err != nil {
		return nil, err
	}
	price, ok := g.prices[params.Symbol]
	if !ok {
		return nil, broker.ErrInvalidSymbol.WithDetails(params.Symbol)
	}

	qty := broker.Dec(params.Quantity)
	if qty.Sign() <= 0 {
		return nil, broker.ErrOrderRejected.WithDetails("non-positive quantity")
	}

	filledQty := qty.Mul(decimal.NewFromFloat(g.fillRatio))
	execPrice := decimal.NewFromFloat(price)
	value := filledQty.Mul(execPrice)

	base := baseAsset(params.Symbol)
	order := &broker.Order{
		OrderID:      uuid.NewString(),
		OrderLinkID:  params.OrderLinkID,
		Symbol:       params.Symbol,
		Side:         params.Side,
		OrderType:    broker.TypeMarket,
		Quantity:     params.Quantity,
		Price:        execPrice.String(),
		AvgPrice:     execPrice.String(),
		CumExecQty:   filledQty.String(),
		CumExecValue: value.String(),
		Status:       broker.StatusFilled,
		CreatedTime:  time.Now().UTC(),
		UpdatedTime:  time.Now().UTC(),
	}

	fee := decimal.NewFromFloat(g.commissionRate)
	switch params.Side {
	case broker.SideBuy:
		cost, _ := value.Float64()
		if g.balances[quoteAsset] < cost {
			return nil, broker.ErrInsufficientBalance.WithDetails(
				fmt.Sprintf("need %.2f %s, have %.2f", cost, quoteAsset, g.balances[quoteAsset]))
		}
		// Buy commission is charged in the base asset.
		order.CumExecFee = filledQty.Mul(fee).String()
		net, _ := filledQty.Sub(filledQty.Mul(fee)).Float64()
		g.balances[quoteAsset] -= cost
		g.balances[base] += net
	case broker.SideSell:
		have, _ := filledQty.Float64()
		if g.balances[base] < have {
			return nil, broker.ErrInsufficientBalance.WithDetails(
				fmt.Sprintf("need %s %s, have %v", filledQty.String(), base, g.balances[base]))
		}
		// Sell commission is charged in the quote asset.
		order.CumExecFee = value.Mul(fee).String()
		credit, _ := value.Sub(value.Mul(fee)).Float64()
		g.balances[base] -= have
		g.balances[quoteAsset] += credit
	default:
		return nil, broker.ErrOrderRejected.WithDetails("unknown side " + string(params.Side))
	}

	g.orders[order.OrderID] = order
	return cloneOrder(order), nil
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, params broker.OrderParams) (*broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeErrLocked(); err != nil {
		return nil, err
	}
	if _, ok := g.prices[params.Symbol]; !ok {
		return nil, broker.ErrInvalidSymbol.WithDetails(params.Symbol)
	}
	if broker.Dec(params.Quantity).Sign() <= 0 || broker.Dec(params.Price).Sign() <= 0 {
		return nil, broker.ErrOrderRejected.WithDetails("limit orders need positive qty and price")
	}

	order := &broker.Order{
		OrderID:     uuid.NewString(),
		OrderLinkID: params.OrderLinkID,
		Symbol:      params.Symbol,
		Side:        params.Side,
		OrderType:   broker.TypeLimit,
		Quantity:    params.Quantity,
		Price:       params.Price,
		Status:      broker.StatusNew,
		CreatedTime: time.Now().UTC(),
		UpdatedTime: time.Now().UTC(),
	}
	g.orders[order.OrderID] = order
	return cloneOrder(order), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.takeErrLocked(); err != nil {
		return err
	}
	order, ok := g.orders[orderID]
	if !ok || order.Symbol != symbol {
		return broker.ErrOrderNotFound.WithDetails(orderID)
	}
	if order.Terminal() {
		return broker.ErrOrderNotFound.WithDetails("order already terminal")
	}
	order.Status = broker.StatusCancelled
	order.UpdatedTime = time.Now().UTC()
	return nil
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, broker.ErrOrderNotFound.WithDetails(orderID)
	}
	return cloneOrder(order), nil
}

func (g *Gateway) GetOrderBook(ctx context.Context, symbol string) (*broker.OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok {
		return nil, broker.ErrInvalidSymbol.WithDetails(symbol)
	}
	half := price * g.spread / 2
	return &broker.OrderBook{
		Symbol:  symbol,
		BestBid: price - half,
		BestAsk: price + half,
		Time:    time.Now().UTC(),
	}, nil
}

func (g *Gateway) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok {
		return 0, broker.ErrInvalidSymbol.WithDetails(symbol)
	}
	return price, nil
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (*broker.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.tickers[symbol]; ok {
		return &t, nil
	}
	if price, ok := g.prices[symbol]; ok {
		return &broker.Ticker{Symbol: symbol, LastPrice: price}, nil
	}
	return nil, broker.ErrInvalidSymbol.WithDetails(symbol)
}

func (g *Gateway) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]float64, len(g.balances))
	for asset, amount := range g.balances {
		out[asset] = amount
	}
	return out, nil
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	base := baseAsset(symbol)
	size := decimal.NewFromFloat(g.balances[base])
	return &broker.Position{Symbol: symbol, Size: size.String()}, nil
}

func (g *Gateway) GetLimits(ctx context.Context, symbol string) (*broker.SymbolLimits, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limits[symbol]; ok {
		clone := *l
		return &clone, nil
	}
	// Permissive defaults keep tests terse.
	return &broker.SymbolLimits{Symbol: symbol, MinNotional: 5, QtyStep: 0.00001, PriceStep: 0.01}, nil
}

// crossRestingLocked fills resting limit orders the new mark price crosses:
// sells at or above their limit, buys at or below.
func (g *Gateway) crossRestingLocked(symbol string, price float64) {
	mark := decimal.NewFromFloat(price)
	fee := decimal.NewFromFloat(g.commissionRate)
	for _, order := range g.orders {
		if order.Symbol != symbol || order.Terminal() || order.OrderType != broker.TypeLimit {
			continue
		}
		limit := broker.Dec(order.Price)
		crossed := (order.Side == broker.SideSell && mark.GreaterThanOrEqual(limit)) ||
			(order.Side == broker.SideBuy && mark.LessThanOrEqual(limit))
		if !crossed {
			continue
		}

		qty := broker.Dec(order.Quantity)
		value := qty.Mul(limit)
		base := baseAsset(symbol)
		switch order.Side {
		case broker.SideSell:
			if have, _ := qty.Float64(); g.balances[base] < have {
				continue
			}
			order.CumExecFee = value.Mul(fee).String()
			credit, _ := value.Sub(value.Mul(fee)).Float64()
			have, _ := qty.Float64()
			g.balances[base] -= have
			g.balances[quoteAsset] += credit
		case broker.SideBuy:
			cost, _ := value.Float64()
			if g.balances[quoteAsset] < cost {
				continue
			}
			order.CumExecFee = qty.Mul(fee).String()
			net, _ := qty.Sub(qty.Mul(fee)).Float64()
			g.balances[quoteAsset] -= cost
			g.balances[base] += net
		}
		order.CumExecQty = qty.String()
		order.CumExecValue = value.String()
		order.AvgPrice = limit.String()
		order.Status = broker.StatusFilled
		order.UpdatedTime = time.Now().UTC()
	}
}

func baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, quoteAsset)
}

func cloneOrder(o *broker.Order) *broker.Order {
	clone := *o
	return &clone
}
