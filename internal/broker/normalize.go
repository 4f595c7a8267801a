package broker

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NormalizeQty aligns a desired quantity down to the venue's step size and
// validates it against the quantity bounds. Rounding is always downward so
// normalization can never oversize an order.
func NormalizeQty(qty float64, limits *SymbolLimits) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("quantity must be positive, got %v", qty)
	}
	d := decimal.NewFromFloat(qty)
	if limits != nil && limits.QtyStep > 0 {
		step := decimal.NewFromFloat(limits.QtyStep)
		d = d.Div(step).Floor().Mul(step)
	}
	if limits != nil {
		if limits.MinQty > 0 && d.LessThan(decimal.NewFromFloat(limits.MinQty)) {
			return "", ErrBelowMinNotional.WithDetails(
				fmt.Sprintf("qty %s below min %v", d.String(), limits.MinQty))
		}
		if limits.MaxQty > 0 && d.GreaterThan(decimal.NewFromFloat(limits.MaxQty)) {
			d = decimal.NewFromFloat(limits.MaxQty)
		}
	}
	return d.String(), nil
}

// NormalizePrice snaps a price to the venue's tick size, rounding down.
func NormalizePrice(price float64, limits *SymbolLimits) string {
	d := decimal.NewFromFloat(price)
	if limits != nil && limits.PriceStep > 0 {
		step := decimal.NewFromFloat(limits.PriceStep)
		d = d.Div(step).Floor().Mul(step)
	}
	return d.String()
}

// Dec parses a venue-reported numeric string; empty or malformed strings
// parse as zero since venues omit fields that do not apply.
func Dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Fill is an order's executed totals in decimal form, ready for ledger
// reconciliation.
type Fill struct {
	Qty      decimal.Decimal
	Value    decimal.Decimal
	Fee      decimal.Decimal
	AvgPrice decimal.Decimal
}

// FillOf extracts the executed totals from a venue order. When the venue
// omits the average price it is derived from value/qty.
func FillOf(o *Order) Fill {
	f := Fill{
		Qty:   Dec(o.CumExecQty),
		Value: Dec(o.CumExecValue),
		Fee:   Dec(o.CumExecFee),
	}
	f.AvgPrice = Dec(o.AvgPrice)
	if f.AvgPrice.IsZero() && !f.Qty.IsZero() {
		f.AvgPrice = f.Value.Div(f.Qty)
	}
	return f
}

// NetQty is the base quantity actually credited after base-asset commission.
func (f Fill) NetQty() decimal.Decimal {
	return f.Qty.Sub(f.Fee)
}
