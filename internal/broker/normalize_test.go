package broker

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btcLimits() *SymbolLimits {
	return &SymbolLimits{
		Symbol:      "BTCUSDT",
		MinQty:      0.00001,
		MaxQty:      100,
		QtyStep:     0.00001,
		MinNotional: 5,
		PriceStep:   0.1,
	}
}

func TestNormalizeQtyRoundsDown(t *testing.T) {
	q, err := NormalizeQty(0.000123456, btcLimits())
	require.NoError(t, err)
	assert.Equal(t, "0.00012", q)
}

func TestNormalizeQtyExactStep(t *testing.T) {
	q, err := NormalizeQty(0.00042, btcLimits())
	require.NoError(t, err)
	assert.Equal(t, "0.00042", q)
}

func TestNormalizeQtyBelowMin(t *testing.T) {
	_, err := NormalizeQty(0.000001, btcLimits())
	assert.ErrorIs(t, err, ErrBelowMinNotional)
}

func TestNormalizeQtyCapsAtMax(t *testing.T) {
	q, err := NormalizeQty(150, btcLimits())
	require.NoError(t, err)
	assert.Equal(t, "100", q)
}

func TestNormalizeQtyRejectsNonPositive(t *testing.T) {
	_, err := NormalizeQty(0, btcLimits())
	assert.Error(t, err)
	_, err = NormalizeQty(-1, btcLimits())
	assert.Error(t, err)
}

func TestNormalizeQtyNoLimits(t *testing.T) {
	q, err := NormalizeQty(1.5, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.5", q)
}

func TestNormalizePrice(t *testing.T) {
	assert.Equal(t, "50000.1", NormalizePrice(50000.19, btcLimits()))
	assert.Equal(t, "50000", NormalizePrice(50000.0, btcLimits()))
	assert.Equal(t, "123.456", NormalizePrice(123.456, nil))
}

func TestDecToleratesGarbage(t *testing.T) {
	assert.True(t, Dec("").IsZero())
	assert.True(t, Dec("not-a-number").IsZero())
	assert.True(t, Dec("1.25").Equal(decimal.NewFromFloat(1.25)))
}

func TestFillOfDerivesAvgPrice(t *testing.T) {
	o := &Order{
		CumExecQty:   "0.002",
		CumExecValue: "100",
		CumExecFee:   "0.000002",
	}
	f := FillOf(o)
	assert.True(t, f.AvgPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, f.NetQty().Equal(decimal.RequireFromString("0.001998")))
}

func TestFillOfPrefersVenueAvgPrice(t *testing.T) {
	o := &Order{CumExecQty: "1", CumExecValue: "99", AvgPrice: "100"}
	f := FillOf(o)
	assert.True(t, f.AvgPrice.Equal(decimal.NewFromInt(100)))
}

func TestBrokerErrorIsMatchesByCode(t *testing.T) {
	err := ErrInsufficientBalance.WithDetails("wallet has 3 USDT")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NotErrorIs(t, err, ErrOrderRejected)
	assert.Contains(t, err.Error(), "wallet has 3 USDT")
}

func TestOrderTerminal(t *testing.T) {
	assert.True(t, (&Order{Status: StatusFilled}).Terminal())
	assert.True(t, (&Order{Status: StatusCancelled}).Terminal())
	assert.True(t, (&Order{Status: StatusRejected}).Terminal())
	assert.False(t, (&Order{Status: StatusNew}).Terminal())
	assert.False(t, (&Order{Status: StatusPartiallyFilled}).Terminal())
}
