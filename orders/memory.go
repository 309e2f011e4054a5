package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"storefront/models"
)

// MemoryStore keeps orders in process. Returned orders are copies.
type MemoryStore struct {
	mu         sync.Mutex
	nextOrder  int64
	nextItem   int64
	orders     map[int64]models.Order
	idempotent map[string]int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[int64]models.Order),
		idempotent: make(map[string]int64),
		now:        time.Now,
	}
}

func idempotencyIndex(owner, key string) string {
	return owner + "\x00" + key
}

func (s *MemoryStore) CreateOrder(_ context.Context, o NewOrder) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.IdempotencyKey != "" {
		if _, taken := s.idempotent[idempotencyIndex(o.UserID, o.IdempotencyKey)]; taken {
			return models.Order{}, ErrDuplicateIdempotencyKey
		}
	}

	s.nextOrder++
	now := s.now().UTC()
	order := models.Order{
		ID:             s.nextOrder,
		UserID:         o.UserID,
		TotalAmount:    o.TotalAmount,
		Address:        o.Address,
		Status:         models.OrderStatusPending,
		IdempotencyKey: o.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.orders[order.ID] = order
	if o.IdempotencyKey != "" {
		s.idempotent[idempotencyIndex(o.UserID, o.IdempotencyKey)] = order.ID
	}
	return order, nil
}

func (s *MemoryStore) CreateItems(_ context.Context, items []models.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if _, ok := s.orders[item.OrderID]; !ok {
			return ErrNotFound
		}
	}
	for _, item := range items {
		s.nextItem++
		item.ID = s.nextItem
		order := s.orders[item.OrderID]
		order.Items = append(order.Items, item)
		s.orders[item.OrderID] = order
	}
	return nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order, ok := s.orders[id]; ok {
		if order.IdempotencyKey != "" {
			delete(s.idempotent, idempotencyIndex(order.UserID, order.IdempotencyKey))
		}
		delete(s.orders, id)
	}
	return nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner string) ([]models.Order, error) {
	return s.filter(func(o models.Order) bool { return o.UserID == owner }), nil
}

func (s *MemoryStore) ListAll(_ context.Context) ([]models.Order, error) {
	return s.filter(func(models.Order) bool { return true }), nil
}

func (s *MemoryStore) GetByOwner(_ context.Context, owner string, id int64) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok || order.UserID != owner {
		return models.Order{}, ErrNotFound
	}
	return clone(order), nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, owner, key string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotent[idempotencyIndex(owner, key)]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	return clone(s.orders[id]), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, status models.OrderStatus) (models.Order, error) {
	if !status.Valid() {
		return models.Order{}, ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	order.Status = status
	order.UpdatedAt = s.now().UTC()
	s.orders[id] = order
	return clone(order), nil
}

func (s *MemoryStore) Stats(_ context.Context, since time.Time) (models.OrderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.OrderStats{TotalRevenue: decimal.Zero}
	for _, o := range s.orders {
		stats.TotalOrders++
		stats.TotalRevenue = stats.TotalRevenue.Add(o.TotalAmount)
		if !o.CreatedAt.Before(since) {
			stats.TodayOrders++
		}
		if o.Status == models.OrderStatusPending {
			stats.PendingOrders++
		}
	}
	return stats, nil
}

func (s *MemoryStore) filter(keep func(models.Order) bool) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Order
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func clone(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return o
}
