package cart

import (
	"context"
	"sync"
	"time"

	"storefront/models"
)

// MemoryStore keeps carts in process. It is the local variant of the cart
// and is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	lines  map[string][]models.CartLine
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lines: make(map[string][]models.CartLine)}
}

func (s *MemoryStore) List(_ context.Context, owner string) ([]models.CartLine, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CartLine(nil), s.lines[owner]...), nil
}

func (s *MemoryStore) Add(_ context.Context, owner, productID string) (models.CartLine, error) {
	if owner == "" {
		return models.CartLine{}, ErrNoOwner
	}
	if productID == "" {
		return models.CartLine{}, ErrNoProduct
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	lines := s.lines[owner]
	for i := range lines {
		if lines[i].ProductID == productID {
			lines[i].Quantity++
			lines[i].UpdatedAt = now
			return lines[i], nil
		}
	}
	line := s.newLine(owner, productID, 1, now)
	s.lines[owner] = append(lines, line)
	return line, nil
}

func (s *MemoryStore) SetQuantity(ctx context.Context, owner string, lineID int64, quantity int) error {
	if owner == "" {
		return ErrNoOwner
	}
	if quantity <= 0 {
		return s.Remove(ctx, owner, lineID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.lines[owner]
	for i := range lines {
		if lines[i].ID == lineID {
			lines[i].Quantity = quantity
			lines[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrLineNotFound
}

func (s *MemoryStore) Remove(_ context.Context, owner string, lineID int64) error {
	if owner == "" {
		return ErrNoOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.lines[owner]
	for i := range lines {
		if lines[i].ID == lineID {
			s.lines[owner] = append(lines[:i:i], lines[i+1:]...)
			return nil
		}
	}
	return ErrLineNotFound
}

func (s *MemoryStore) Clear(_ context.Context, owner string) error {
	if owner == "" {
		return ErrNoOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lines, owner)
	return nil
}

func (s *MemoryStore) RemoveLines(_ context.Context, owner string, checkedOut []models.CheckedOutLine) error {
	if owner == "" {
		return ErrNoOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	lines := s.lines[owner]
	kept := lines[:0:0]
	for _, line := range lines {
		for _, co := range checkedOut {
			if co.LineID == line.ID && co.ProductID == line.ProductID {
				line.Quantity -= co.Quantity
				line.UpdatedAt = now
			}
		}
		if line.Quantity > 0 {
			kept = append(kept, line)
		}
	}
	s.lines[owner] = kept
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, owner string, lines []LineInput) ([]models.CartLine, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	snapshot, err := normalizeSnapshot(lines)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	replaced := make([]models.CartLine, 0, len(snapshot))
	for _, l := range snapshot {
		replaced = append(replaced, s.newLine(owner, l.ProductID, l.Quantity, now))
	}
	s.lines[owner] = replaced
	return append([]models.CartLine(nil), replaced...), nil
}

func (s *MemoryStore) newLine(owner, productID string, quantity int, now time.Time) models.CartLine {
	s.nextID++
	return models.CartLine{
		ID:        s.nextID,
		UserID:    owner,
		ProductID: productID,
		Quantity:  quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
