// Package cart owns the per-user set of cart lines.
//
// Every operation takes the owner explicitly; a line is only ever visible to,
// or mutated on behalf of, the owner that created it. At most one line exists
// per (owner, product): adding a product that is already present increments
// the existing line.
package cart

import (
	"context"
	"errors"
	"sort"

	"storefront/models"
)

var (
	ErrLineNotFound = errors.New("cart: line not found")
	ErrNoOwner      = errors.New("cart: owner is required")
	ErrNoProduct    = errors.New("cart: product id is required")
)

// LineInput is one entry of a client-held cart snapshot.
type LineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Store interface {
	List(ctx context.Context, owner string) ([]models.CartLine, error)
	Add(ctx context.Context, owner, productID string) (models.CartLine, error)
	// SetQuantity overwrites the quantity; quantity <= 0 deletes the line.
	SetQuantity(ctx context.Context, owner string, lineID int64, quantity int) error
	Remove(ctx context.Context, owner string, lineID int64) error
	Clear(ctx context.Context, owner string) error
	// RemoveLines takes the checked-out quantities back out of the cart. A
	// line that grew since keeps the difference; lines that are gone, or now
	// hold another product, are skipped.
	RemoveLines(ctx context.Context, owner string, lines []models.CheckedOutLine) error
	// Replace swaps the owner's cart for the snapshot (last write wins).
	Replace(ctx context.Context, owner string, lines []LineInput) ([]models.CartLine, error)
}

// normalizeSnapshot merges duplicate products and drops non-positive lines,
// keeping the first-seen product order.
func normalizeSnapshot(lines []LineInput) ([]LineInput, error) {
	qty := make(map[string]int, len(lines))
	var order []string
	for _, l := range lines {
		if l.ProductID == "" {
			return nil, ErrNoProduct
		}
		if l.Quantity <= 0 {
			continue
		}
		if _, seen := qty[l.ProductID]; !seen {
			order = append(order, l.ProductID)
		}
		qty[l.ProductID] += l.Quantity
	}
	out := make([]LineInput, 0, len(order))
	for _, id := range order {
		out = append(out, LineInput{ProductID: id, Quantity: qty[id]})
	}
	return out, nil
}

// ProductIDs returns the distinct product ids referenced by lines.
func ProductIDs(lines []models.CartLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.ProductID]; ok {
			continue
		}
		seen[l.ProductID] = struct{}{}
		ids = append(ids, l.ProductID)
	}
	sort.Strings(ids)
	return ids
}
