// Package orders persists order headers and their line items.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"storefront/models"
)

var (
	ErrNotFound                = errors.New("orders: order not found")
	ErrDuplicateIdempotencyKey = errors.New("orders: idempotency key already used")
	ErrInvalidStatus           = errors.New("orders: invalid status")
)

// NewOrder is the header written by checkout. Status always starts pending.
type NewOrder struct {
	UserID         string
	TotalAmount    decimal.Decimal
	Address        models.Address
	IdempotencyKey string
}

type Store interface {
	CreateOrder(ctx context.Context, o NewOrder) (models.Order, error)
	CreateItems(ctx context.Context, items []models.OrderItem) error
	// DeleteOrder removes the header and its items. Deleting an unknown id
	// is not an error.
	DeleteOrder(ctx context.Context, id int64) error
	ListByOwner(ctx context.Context, owner string) ([]models.Order, error)
	GetByOwner(ctx context.Context, owner string, id int64) (models.Order, error)
	FindByIdempotencyKey(ctx context.Context, owner, key string) (models.Order, error)
	ListAll(ctx context.Context) ([]models.Order, error)
	UpdateStatus(ctx context.Context, id int64, status models.OrderStatus) (models.Order, error)
	Stats(ctx context.Context, since time.Time) (models.OrderStats, error)
}

// StartOfDay is the cut-off used for the "today" figure in Stats.
func StartOfDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
