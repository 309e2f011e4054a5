// Package pricing computes cart and order totals.
//
// All arithmetic is exact decimal arithmetic. Rounding to cents only happens
// when a caller asks for it through Totals.Rounded.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the flat rate applied to every subtotal.
var DefaultTaxRate = decimal.RequireFromString("0.08")

var (
	ErrInvalidQuantity = errors.New("pricing: quantity must be at least 1")
	ErrNegativePrice   = errors.New("pricing: unit price must not be negative")
)

type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

func (l Line) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// Rounded returns the totals rounded half away from zero to whole cents.
func (t Totals) Rounded() Totals {
	return Totals{
		Subtotal: t.Subtotal.Round(2),
		Tax:      t.Tax.Round(2),
		Total:    t.Total.Round(2),
	}
}

type Calculator struct {
	TaxRate decimal.Decimal
}

func NewCalculator(rate decimal.Decimal) Calculator {
	return Calculator{TaxRate: rate}
}

// Compute sums the lines and applies the flat tax rate. It has no side
// effects; the result does not depend on line order.
func (c Calculator) Compute(lines []Line) (Totals, error) {
	subtotal := decimal.Zero
	for i, l := range lines {
		if l.Quantity < 1 {
			return Totals{}, fmt.Errorf("line %d: %w", i, ErrInvalidQuantity)
		}
		if l.UnitPrice.IsNegative() {
			return Totals{}, fmt.Errorf("line %d: %w", i, ErrNegativePrice)
		}
		subtotal = subtotal.Add(l.Amount())
	}
	tax := subtotal.Mul(c.TaxRate)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}, nil
}
