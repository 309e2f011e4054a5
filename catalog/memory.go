package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront/models"
)

// MemoryStore is an in-process catalog. All operations are safe for
// concurrent use; DecrementStock is atomic across the whole batch.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]models.Product
}

func NewMemoryStore(products ...models.Product) *MemoryStore {
	s := &MemoryStore{products: make(map[string]models.Product)}
	for _, p := range products {
		s.Put(p)
	}
	return s
}

// Put inserts or replaces a product.
func (s *MemoryStore) Put(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.products[p.ID] = p
}

// Delete removes a product; used to model a product vanishing from the catalog.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.products, id)
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return models.Product{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) GetByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Product
	for _, id := range uniqueIDs(ids) {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DecrementStock(_ context.Context, adjustments []models.StockAdjustment) error {
	merged, err := mergeAdjustments(adjustments)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range merged {
		p, ok := s.products[a.ProductID]
		if !ok {
			return &ShortfallError{ProductID: a.ProductID, Missing: true}
		}
		if p.Stock < a.Quantity {
			return &ShortfallError{ProductID: a.ProductID, Available: p.Stock}
		}
	}
	now := time.Now()
	for _, a := range merged {
		p := s.products[a.ProductID]
		p.Stock -= a.Quantity
		p.UpdatedAt = now
		s.products[a.ProductID] = p
	}
	return nil
}
