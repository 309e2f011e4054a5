package cart

import (
	"github.com/shopspring/decimal"

	"storefront/models"
	"storefront/pricing"
)

type SummaryLine struct {
	models.CartLine
	Product   *models.Product `json:"product,omitempty"`
	Available bool            `json:"available"`
	InStock   bool            `json:"in_stock"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Summary is the display-time view of a cart. Totals are informational;
// checkout recomputes them from a fresh catalog read.
type Summary struct {
	Lines      []SummaryLine   `json:"lines"`
	TotalItems int             `json:"total_items"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
}

// Summarize joins lines with products and prices them. Lines whose product is
// gone are listed as unavailable and left out of the totals.
func Summarize(lines []models.CartLine, products []models.Product, calc pricing.Calculator) (Summary, error) {
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	summary := Summary{Lines: make([]SummaryLine, 0, len(lines))}
	priced := make([]pricing.Line, 0, len(lines))
	for _, l := range lines {
		sl := SummaryLine{CartLine: l, LineTotal: decimal.Zero}
		if p, ok := byID[l.ProductID]; ok {
			product := p
			pl := pricing.Line{UnitPrice: p.Price, Quantity: l.Quantity}
			sl.Product = &product
			sl.Available = true
			sl.InStock = p.Stock >= l.Quantity
			sl.LineTotal = pl.Amount()
			priced = append(priced, pl)
			summary.TotalItems += l.Quantity
		}
		summary.Lines = append(summary.Lines, sl)
	}

	totals, err := calc.Compute(priced)
	if err != nil {
		return Summary{}, err
	}
	totals = totals.Rounded()
	summary.Subtotal = totals.Subtotal
	summary.Tax = totals.Tax
	summary.Total = totals.Total
	return summary, nil
}
