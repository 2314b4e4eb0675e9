package orders

import (
	"context"
	"sync"
	"time"
)

// NewInMemoryStore constructs an in-memory order store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Order),
	}
}

// InMemoryStore keeps order records in a mutex-guarded map. It backs tests
// and DSN-less runs; writes use the same check-and-set semantics as the
// Postgres store.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Order
	now     func() time.Time
}

func (s *InMemoryStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *InMemoryStore) Create(ctx context.Context, ord Order) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[ord.ID]; ok {
		return false, nil
	}
	ord.LastUpdated = s.clock()
	s.records[ord.ID] = ord
	return true, nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, orderID string, status Status, payment PaymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.records[orderID]
	if !ok {
		return ErrNotFound
	}
	if !Advances(ord.Status, status) {
		return ErrStatusRegression
	}
	ord.Status = status
	if payment != "" {
		ord.PaymentStatus = payment
	}
	ord.LastUpdated = s.clock()
	s.records[orderID] = ord
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, orderID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.records[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return ord, nil
}
