package broker

import (
	"context"
	"time"
)

// Gateway abstracts a trading venue. Implementations own all exchange
// quirks: quantities and prices cross this boundary already normalized to
// the venue's step sizes, as strings, the way exchange APIs expect them.
type Gateway interface {
	GetName() string
	IsDemo() bool

	PlaceMarketOrder(ctx context.Context, params OrderParams) (*Order, error)
	PlaceLimitOrder(ctx context.Context, params OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	GetAccountBalances(ctx context.Context) (map[string]float64, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetLimits(ctx context.Context, symbol string) (*SymbolLimits, error)
}

// OrderSide is string-typed for API compatibility.
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// OrderType mirrors venue order types.
type OrderType string

const (
	TypeMarket OrderType = "Market"
	TypeLimit  OrderType = "Limit"
)

// OrderParams describes an order to submit. Quantity and Price must already
// be step-normalized strings.
type OrderParams struct {
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	OrderType   OrderType `json:"order_type"`
	Quantity    string    `json:"quantity"`
	Price       string    `json:"price,omitempty"`
	OrderLinkID string    `json:"order_link_id,omitempty"`
}

// Order is the venue's view of an order. Executed quantities and fees come
// back as strings exactly as the venue reported them; the ledger parses them
// with decimal arithmetic during reconciliation.
type Order struct {
	OrderID      string    `json:"order_id"`
	OrderLinkID  string    `json:"order_link_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	OrderType    OrderType `json:"order_type"`
	Quantity     string    `json:"quantity"`
	Price        string    `json:"price"`
	CumExecQty   string    `json:"cum_exec_qty"`
	CumExecValue string    `json:"cum_exec_value"`
	CumExecFee   string    `json:"cum_exec_fee"`
	AvgPrice     string    `json:"avg_price"`
	Status       string    `json:"status"`
	CreatedTime  time.Time `json:"created_time"`
	UpdatedTime  time.Time `json:"updated_time"`
}

// Venue order statuses the engine reacts to.
const (
	StatusNew             = "New"
	StatusPartiallyFilled = "PartiallyFilled"
	StatusFilled          = "Filled"
	StatusCancelled       = "Cancelled"
	StatusRejected        = "Rejected"
)

// Terminal reports whether the order can no longer fill further.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// OrderBook is the top of book; enough for spread-aware limit pricing.
type OrderBook struct {
	Symbol  string    `json:"symbol"`
	BestBid float64   `json:"best_bid"`
	BestAsk float64   `json:"best_ask"`
	Time    time.Time `json:"time"`
}

// Ticker is a 24h market snapshot for one symbol.
type Ticker struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"last_price"`
	Volume24h     float64 `json:"volume_24h"`
	Turnover24h   float64 `json:"turnover_24h"`
	PrevVolume24h float64 `json:"prev_volume_24h"`
}

// Position is the venue's view of holdings in one symbol.
type Position struct {
	Symbol   string `json:"symbol"`
	Size     string `json:"size"`
	AvgPrice string `json:"avg_price"`
}

// SymbolLimits are the venue's trading constraints for one symbol.
type SymbolLimits struct {
	Symbol      string  `json:"symbol"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	QtyStep     float64 `json:"qty_step"`
	MinNotional float64 `json:"min_notional"`
	PriceStep   float64 `json:"price_step"`
}

// BrokerError is a venue failure normalized across exchanges. Order
// rejections and timeouts are expected control flow for the ledger, so they
// travel as values, not panics.
type BrokerError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	IsRetryable bool   `json:"is_retryable"`
}

func (e *BrokerError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Is matches by code so wrapped sentinel comparisons work with errors.Is.
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	return ok && t.Code == e.Code
}

// WithDetails returns a copy carrying venue-specific detail text.
func (e *BrokerError) WithDetails(details string) *BrokerError {
	clone := *e
	clone.Details = details
	return &clone
}

var (
	ErrInsufficientBalance = &BrokerError{
		Code:    "INSUFFICIENT_BALANCE",
		Message: "insufficient balance for trade",
	}

	ErrBelowMinNotional = &BrokerError{
		Code:    "BELOW_MIN_NOTIONAL",
		Message: "order value below venue minimum",
	}

	ErrInvalidSymbol = &BrokerError{
		Code:    "INVALID_SYMBOL",
		Message: "invalid trading symbol",
	}

	ErrOrderNotFound = &BrokerError{
		Code:    "ORDER_NOT_FOUND",
		Message: "order not found",
	}

	ErrOrderRejected = &BrokerError{
		Code:    "ORDER_REJECTED",
		Message: "venue rejected the order",
	}

	ErrRateLimited = &BrokerError{
		Code:        "RATE_LIMITED",
		Message:     "API rate limit exceeded",
		IsRetryable: true,
	}

	// ErrNoResponse marks ambiguous outcomes: the request may or may not
	// have reached the venue. Callers must roll back optimistic state and
	// reconcile on the next cycle.
	ErrNoResponse = &BrokerError{
		Code:        "NO_RESPONSE",
		Message:     "no response from venue",
		IsRetryable: true,
	}

	ErrAuthenticationFailed = &BrokerError{
		Code:    "AUTHENTICATION_FAILED",
		Message: "API authentication failed",
	}
)
