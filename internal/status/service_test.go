package status

import (
	"context"
	"errors"
	"testing"

	"orderline/internal/orders"
)

func TestService_GetStatus(t *testing.T) {
	t.Parallel()

	store := orders.NewInMemoryStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, orders.Order{
		ID:            "S1",
		Payload:       []byte(`{"item":"book"}`),
		Status:        orders.StatusReceived,
		PaymentStatus: orders.PaymentPending,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	svc := NewService(store)
	ord, err := svc.GetStatus(ctx, "S1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if ord.ID != "S1" || ord.Status != orders.StatusReceived {
		t.Fatalf("unexpected record: %+v", ord)
	}
}

func TestService_GetStatus_NotFound(t *testing.T) {
	t.Parallel()

	svc := NewService(orders.NewInMemoryStore())
	if _, err := svc.GetStatus(context.Background(), "missing"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_GetStatus_EmptyID(t *testing.T) {
	t.Parallel()

	svc := NewService(orders.NewInMemoryStore())
	if _, err := svc.GetStatus(context.Background(), ""); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
