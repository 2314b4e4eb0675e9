package steps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"orderline/internal/orders"
)

// Step names in the order-processing saga.
const (
	ProcessPayment = "process-payment"
	SendOrder      = "send-order"
	PaymentFailure = "payment-failure"
	UpdateOrder    = "update-order"
)

// Output is what a business step reports back to the engine. PaymentStatus
// is only meaningful from the payment step.
type Output struct {
	PaymentStatus orders.PaymentStatus
	Detail        string
}

// Func executes one business step against the current order record.
type Func func(ctx context.Context, ord orders.Order) (Output, error)

// Invoker dispatches a named business step. The step's internal logic is
// opaque to callers; only the input/output contract matters.
type Invoker interface {
	Invoke(ctx context.Context, name string, ord orders.Order) (Output, error)
}

// ErrUnknownStep signals a step name with no registered implementation.
var ErrUnknownStep = errors.New("unknown step")

// Registry maps step names to implementations.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Func
}

// NewRegistry constructs an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Func)}
}

// Register binds a step name to its implementation, replacing any previous
// binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = fn
}

// Invoke runs the named step.
func (r *Registry) Invoke(ctx context.Context, name string, ord orders.Order) (Output, error) {
	r.mu.RLock()
	fn, ok := r.steps[name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return fn(ctx, ord)
}
