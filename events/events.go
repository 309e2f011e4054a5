// Package events carries order lifecycle notifications to the message
// brokers. Publishing is fire-and-forget for callers: a failed publish never
// undoes the write that triggered it.
package events

import (
	"context"
	"errors"
	"time"

	"storefront/models"
)

type Publisher interface {
	Publish(ctx context.Context, event models.OrderEvent) error
	Close() error
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.OrderEvent) error { return nil }
func (Nop) Close() error                                     { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event models.OrderEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OrderCreated describes a freshly checked-out order.
func OrderCreated(order models.Order) models.OrderEvent {
	return models.OrderEvent{
		OrderID:  order.ID,
		UserID:   order.UserID,
		Type:     models.EventOrderCreated,
		Status:   order.Status,
		Total:    order.TotalAmount,
		Occurred: time.Now().UTC(),
	}
}

func StatusUpdated(order models.Order) models.OrderEvent {
	e := OrderCreated(order)
	e.Type = models.EventOrderStatusUpdated
	return e
}

// CartClearRetry asks a consumer to take the checked-out lines out of
// owner's cart after the checkout of orderID failed to clear it. Lines added
// since are left alone.
func CartClearRetry(owner string, orderID int64, attempt int, lines []models.CheckedOutLine) models.OrderEvent {
	return models.OrderEvent{
		OrderID:  orderID,
		UserID:   owner,
		Type:     models.EventCartClearRetry,
		Attempt:  attempt,
		Lines:    lines,
		Occurred: time.Now().UTC(),
	}
}
