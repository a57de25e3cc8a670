// Package totals computes order money figures with fixed-point decimals.
package totals

import "github.com/shopspring/decimal"

const (
	MoneyPlaces   = 2
	VATRatePlaces = 4
)

var hundred = decimal.NewFromInt(100)

type Line struct {
	Quantity  int
	UnitPrice decimal.Decimal
	VATRate   decimal.Decimal
}

type Totals struct {
	Subtotal   decimal.Decimal
	VAT        decimal.Decimal
	GrandTotal decimal.Decimal
}

// Calculate sums the lines without intermediate rounding and rounds subtotal
// and VAT to two places at the end.
func Calculate(lines []Line, fee decimal.Decimal) Totals {
	subtotal := decimal.Zero
	vat := decimal.Zero
	for _, line := range lines {
		net := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(net)
		vat = vat.Add(net.Mul(line.VATRate))
	}
	out := Totals{
		Subtotal: subtotal.Round(MoneyPlaces),
		VAT:      vat.Round(MoneyPlaces),
	}
	// The grand total is built from the published parts so they always add up.
	out.GrandTotal = out.Subtotal.Add(out.VAT).Add(fee.Round(MoneyPlaces))
	return out
}

// Commission is quantity*price*percentage/100, rounded to money places.
func Commission(quantity int, unitPrice decimal.Decimal, percentage decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Mul(percentage).Div(hundred).Round(MoneyPlaces)
}

// LineAmount is the rounded net amount of quantity units at unitPrice.
func LineAmount(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(MoneyPlaces)
}

func Money(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}
