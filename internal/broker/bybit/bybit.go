// Package bybit implements the broker gateway against Bybit's v5 unified
// trading API.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/ducminhle1904/crypto-signal-trader/internal/broker"
	"github.com/ducminhle1904/crypto-signal-trader/internal/config"
)

// Gateway talks to Bybit spot via the official SDK.
type Gateway struct {
	httpClient *bybit_api.Client
	category   string
	testnet    bool
	demo       bool
}

// New creates a Bybit gateway. Demo routes to the demo-trading environment,
// testnet to Bybit testnet, otherwise mainnet.
func New(cfg config.BrokerConfig) *Gateway {
	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	httpClient := bybit_api.NewBybitHttpClient(
		cfg.APIKey,
		cfg.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)

	category := cfg.Category
	if category == "" {
		category = "spot"
	}
	return &Gateway{
		httpClient: httpClient,
		category:   category,
		testnet:    cfg.Testnet,
		demo:       cfg.Demo,
	}
}

func (g *Gateway) GetName() string { return "bybit" }
func (g *Gateway) IsDemo() bool    { return g.demo }

func (g *Gateway) PlaceMarketOrder(ctx context.Context, params broker.OrderParams) (*broker.Order, error) {
	return g.placeOrder(ctx, params, broker.TypeMarket)
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, params broker.OrderParams) (*broker.Order, error) {
	if params.Price == "" {
		return nil, fmt.Errorf("price is required for limit orders")
	}
	return g.placeOrder(ctx, params, broker.TypeLimit)
}

func (g *Gateway) placeOrder(ctx context.Context, params broker.OrderParams, orderType broker.OrderType) (*broker.Order, error) {
	if params.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if params.Side == "" {
		return nil, fmt.Errorf("side is required")
	}
	if params.Quantity == "" {
		return nil, fmt.Errorf("qty is required")
	}

	apiParams := map[string]interface{}{
		"category":  g.category,
		"symbol":    params.Symbol,
		"side":      string(params.Side),
		"orderType": string(orderType),
		"qty":       params.Quantity,
	}
	if orderType == broker.TypeLimit {
		apiParams["price"] = params.Price
		apiParams["timeInForce"] = "GTC"
	}
	if params.OrderLinkID != "" {
		apiParams["orderLinkId"] = params.OrderLinkID
	}

	result, err := g.httpClient.NewUtaBybitServiceWithParams(apiParams).PlaceOrder(ctx)
	if err != nil {
		return nil, broker.ErrNoResponse.WithDetails(err.Error())
	}

	placed, err := parsePlacedOrder(result)
	if err != nil {
		return nil, err
	}
	// The placement response only carries identifiers; fetch the full
	// execution detail so callers can reconcile fills.
	order, err := g.GetOrder(ctx, params.Symbol, placed.OrderID)
	if err != nil {
		// The order exists but its state is unknown to us.
		placed.Symbol = params.Symbol
		placed.Side = params.Side
		placed.OrderType = orderType
		placed.Quantity = params.Quantity
		placed.Price = params.Price
		return placed, nil
	}
	return order, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return broker.ErrNoResponse.WithDetails(err.Error())
	}
	serverResp := result
	if serverResp.RetCode != 0 {
		return mapRetCode(serverResp.RetCode, serverResp.RetMsg)
	}
	return nil
}

// GetOrder looks the order up among open orders first, then order history.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*broker.Order, error) {
	params := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, broker.ErrNoResponse.WithDetails(err.Error())
	}
	orders, err := parseOrderList(result)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		result, err = g.httpClient.NewUtaBybitServiceWithParams(params).GetOrderHistory(ctx)
		if err != nil {
			return nil, broker.ErrNoResponse.WithDetails(err.Error())
		}
		if orders, err = parseOrderList(result); err != nil {
			return nil, err
		}
	}
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i], nil
		}
	}
	return nil, broker.ErrOrderNotFound.WithDetails(orderID)
}

func (g *Gateway) GetOrderBook(ctx context.Context, symbol string) (*broker.OrderBook, error) {
	params := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
		"limit":    1,
	}
	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, broker.ErrNoResponse.WithDetails(err.Error())
	}

	var book struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	if err := decodeResult(result, &book); err != nil {
		return nil, err
	}
	out := &broker.OrderBook{Symbol: symbol, Time: time.UnixMilli(book.Ts)}
	if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
		out.BestBid, _ = strconv.ParseFloat(book.Bids[0][0], 64)
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
		out.BestAsk, _ = strconv.ParseFloat(book.Asks[0][0], 64)
	}
	return out, nil
}

func (g *Gateway) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := g.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.LastPrice, nil
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (*broker.Ticker, error) {
	params := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
	}
	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, broker.ErrNoResponse.WithDetails(err.Error())
	}

	var tickers struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			Volume24h    string `json:"volume24h"`
			Turnover24h  string `json:"turnover24h"`
			PrevPrice24h string `json:"prevPrice24h"`
		} `json:"list"`
	}
	if err := decodeResult(result, &tickers); err != nil {
		return nil, err
	}
	if len(tickers.List) == 0 {
		return nil, broker.ErrInvalidSymbol.WithDetails(symbol)
	}
	entry := tickers.List[0]
	out := &broker.Ticker{Symbol: entry.Symbol}
	out.LastPrice, _ = strconv.ParseFloat(entry.LastPrice, 64)
	out.Volume24h, _ = strconv.ParseFloat(entry.Volume24h, 64)
	out.Turnover24h, _ = strconv.ParseFloat(entry.Turnover24h, 64)
	return out, nil
}

func (g *Gateway) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}
	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return nil, broker.ErrNoResponse.WithDetails(err.Error())
	}

	var wallet struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := decodeResult(result, &wallet); err != nil {
		return nil, err
	}

	balances := make(map[string]float64)
	for _, account := range wallet.List {
		for _, coin := range account.Coin {
			v, err := strconv.ParseFloat(coin.WalletBalance, 64)
			if err != nil {
				continue
			}
			balances[coin.Coin] = v
		}
	}
	return balances, nil
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	balances, err := g.GetAccountBalances(ctx)
	if err != nil {
		return nil, err
	}
	base := symbol
	if len(symbol) > 4 && symbol[len(symbol)-4:] == "USDT" {
		base = symbol[:len(symbol)-4]
	}
	size := balances[base]
	return &broker.Position{
		Symbol: symbol,
		Size:   strconv.FormatFloat(size, 'f', -1, 64),
	}, nil
}

func (g *Gateway) GetLimits(ctx context.Context, symbol string) (*broker.SymbolLimits, error) {
	params := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
	}
	result, err := g.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return nil, broker.ErrNoResponse.WithDetails(err.Error())
	}

	var info struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MaxOrderQty   string `json:"maxOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := decodeResult(result, &info); err != nil {
		return nil, err
	}
	if len(info.List) == 0 {
		return nil, broker.ErrInvalidSymbol.WithDetails(symbol)
	}
	entry := info.List[0]
	limits := &broker.SymbolLimits{Symbol: entry.Symbol}
	limits.MinQty, _ = strconv.ParseFloat(entry.LotSizeFilter.MinOrderQty, 64)
	limits.MaxQty, _ = strconv.ParseFloat(entry.LotSizeFilter.MaxOrderQty, 64)
	limits.QtyStep, _ = strconv.ParseFloat(entry.LotSizeFilter.BasePrecision, 64)
	limits.MinNotional, _ = strconv.ParseFloat(entry.LotSizeFilter.MinOrderAmt, 64)
	limits.PriceStep, _ = strconv.ParseFloat(entry.PriceFilter.TickSize, 64)
	return limits, nil
}

// parsePlacedOrder extracts the identifiers from a PlaceOrder response.
func parsePlacedOrder(response interface{}) (*broker.Order, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return nil, mapRetCode(serverResp.RetCode, serverResp.RetMsg)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	var placed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(resultBytes, &placed); err != nil {
		return nil, fmt.Errorf("unmarshal order result: %w", err)
	}
	return &broker.Order{
		OrderID:     placed.OrderID,
		OrderLinkID: placed.OrderLinkID,
		Status:      broker.StatusNew,
		CreatedTime: time.Now().UTC(),
	}, nil
}

func parseOrderList(response interface{}) ([]broker.Order, error) {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return nil, mapRetCode(serverResp.RetCode, serverResp.RetMsg)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	var listResult struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderLinkID  string `json:"orderLinkId"`
			Symbol       string `json:"symbol"`
			Side         string `json:"side"`
			OrderType    string `json:"orderType"`
			Qty          string `json:"qty"`
			Price        string `json:"price"`
			OrderStatus  string `json:"orderStatus"`
			CumExecQty   string `json:"cumExecQty"`
			CumExecValue string `json:"cumExecValue"`
			CumExecFee   string `json:"cumExecFee"`
			AvgPrice     string `json:"avgPrice"`
			CreatedTime  string `json:"createdTime"`
			UpdatedTime  string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resultBytes, &listResult); err != nil {
		return nil, fmt.Errorf("unmarshal order list: %w", err)
	}

	orders := make([]broker.Order, 0, len(listResult.List))
	for _, o := range listResult.List {
		orders = append(orders, broker.Order{
			OrderID:      o.OrderID,
			OrderLinkID:  o.OrderLinkID,
			Symbol:       o.Symbol,
			Side:         broker.OrderSide(o.Side),
			OrderType:    broker.OrderType(o.OrderType),
			Quantity:     o.Qty,
			Price:        o.Price,
			Status:       o.OrderStatus,
			CumExecQty:   o.CumExecQty,
			CumExecValue: o.CumExecValue,
			CumExecFee:   o.CumExecFee,
			AvgPrice:     o.AvgPrice,
			CreatedTime:  parseTimestamp(o.CreatedTime),
			UpdatedTime:  parseTimestamp(o.UpdatedTime),
		})
	}
	return orders, nil
}

// decodeResult re-marshals a ServerResponse result into the target struct.
func decodeResult(response interface{}, target interface{}) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", response)
	}
	if serverResp.RetCode != 0 {
		return mapRetCode(serverResp.RetCode, serverResp.RetMsg)
	}
	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := json.Unmarshal(resultBytes, target); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// mapRetCode normalizes Bybit return codes onto the shared broker errors so
// the ledger can classify failures without venue-specific knowledge.
func mapRetCode(code int, msg string) error {
	details := fmt.Sprintf("%s (code: %d)", msg, code)
	switch code {
	case 170131, 170033, 110007:
		return broker.ErrInsufficientBalance.WithDetails(details)
	case 170140, 170136, 170124:
		return broker.ErrBelowMinNotional.WithDetails(details)
	case 170121, 10001:
		return broker.ErrInvalidSymbol.WithDetails(details)
	case 170213, 110001:
		return broker.ErrOrderNotFound.WithDetails(details)
	case 10006, 10018:
		return broker.ErrRateLimited.WithDetails(details)
	case 10003, 10004, 10005:
		return broker.ErrAuthenticationFailed.WithDetails(details)
	default:
		return broker.ErrOrderRejected.WithDetails(details)
	}
}

func parseTimestamp(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
