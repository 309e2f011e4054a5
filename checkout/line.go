package checkout

import (
	"storefront/models"
	"storefront/pricing"
)

// pricedLine is a cart line joined with the catalog product it was validated
// against. It is only built from a catalog read, so price_at_purchase can
// never come from anywhere else.
type pricedLine struct {
	productID string
	price     pricing.Line
}

func newPricedLine(p models.Product, quantity int) pricedLine {
	return pricedLine{
		productID: p.ID,
		price:     pricing.Line{UnitPrice: p.Price, Quantity: quantity},
	}
}

func (l pricedLine) orderItem(orderID int64) models.OrderItem {
	return models.OrderItem{
		OrderID:         orderID,
		ProductID:       l.productID,
		Quantity:        l.price.Quantity,
		PriceAtPurchase: l.price.UnitPrice,
	}
}

func (l pricedLine) stockAdjustment() models.StockAdjustment {
	return models.StockAdjustment{ProductID: l.productID, Quantity: l.price.Quantity}
}

func pricingLines(lines []pricedLine) []pricing.Line {
	out := make([]pricing.Line, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.price)
	}
	return out
}
