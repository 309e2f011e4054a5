// Package catalog reads products and owns the narrow stock write path used
// by checkout.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"storefront/models"
)

var (
	ErrNotFound        = errors.New("catalog: product not found")
	ErrInvalidQuantity = errors.New("catalog: adjustment quantity must be at least 1")
)

// ShortfallError is returned when a stock decrement would drive a product
// below zero. Nothing is decremented when it is returned.
type ShortfallError struct {
	ProductID string
	Available int
	Missing   bool
}

func (e *ShortfallError) Error() string {
	if e.Missing {
		return fmt.Sprintf("catalog: product %s no longer exists", e.ProductID)
	}
	return fmt.Sprintf("catalog: insufficient stock for product %s (available %d)", e.ProductID, e.Available)
}

type Reader interface {
	GetByID(ctx context.Context, id string) (models.Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	List(ctx context.Context) ([]models.Product, error)
}

type Writer interface {
	// DecrementStock takes every adjustment or none of them.
	DecrementStock(ctx context.Context, adjustments []models.StockAdjustment) error
}

type Catalog interface {
	Reader
	Writer
}

// mergeAdjustments folds duplicate products together and sorts by id so
// concurrent writers lock rows in the same order.
func mergeAdjustments(adjustments []models.StockAdjustment) ([]models.StockAdjustment, error) {
	byID := make(map[string]int, len(adjustments))
	for _, a := range adjustments {
		if a.Quantity < 1 {
			return nil, fmt.Errorf("product %s: %w", a.ProductID, ErrInvalidQuantity)
		}
		byID[a.ProductID] += a.Quantity
	}
	merged := make([]models.StockAdjustment, 0, len(byID))
	for id, q := range byID {
		merged = append(merged, models.StockAdjustment{ProductID: id, Quantity: q})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
