package status

import (
	"context"

	"orderline/internal/orders"
)

// Service is the read-only pull path for order status. It returns whatever
// is currently persisted, which may already be stale by the time the engine
// writes the next step.
type Service struct {
	store orders.Store
}

// NewService constructs a Service over the order store.
func NewService(store orders.Store) *Service {
	return &Service{store: store}
}

// GetStatus returns the current record snapshot, or orders.ErrNotFound for
// an unknown id.
func (s *Service) GetStatus(ctx context.Context, orderID string) (orders.Order, error) {
	if orderID == "" {
		return orders.Order{}, orders.ErrNotFound
	}
	return s.store.Get(ctx, orderID)
}
