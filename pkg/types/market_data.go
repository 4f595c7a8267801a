package types

import "time"

// OHLCV is a single candlestick of market data.
type OHLCV struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// MarketSnapshot captures the per-symbol market state sampled at the start
// of a decision cycle. Decision components receive snapshots by value and
// never mutate them.
type MarketSnapshot struct {
	Symbol        string
	LastPrice     float64
	BestBid       float64
	BestAsk       float64
	Volume24h     float64
	PrevVolume24h float64
	Volatility    float64 // rolling volatility as a fraction of price
	ATR           float64 // average true range in quote currency
	Timestamp     time.Time
}

// PriceSeries is a rolling window of recent close prices, oldest first.
type PriceSeries []float64

// Last returns the most recent price in the series, or 0 when empty.
func (p PriceSeries) Last() float64 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}
