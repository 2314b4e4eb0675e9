package steps

import (
	"context"
	"sync"

	"orderline/internal/orders"
)

// PaymentProcessor charges the payment for an order and reports the payment
// signal. Retrying a charge is the processor's own responsibility; callers
// never re-invoke it.
type PaymentProcessor interface {
	Process(ctx context.Context, ord orders.Order) (orders.PaymentStatus, error)
}

// Dispatcher hands a paid order over for fulfilment.
type Dispatcher interface {
	Dispatch(ctx context.Context, ord orders.Order) error
}

// FailureHandler runs compensation for an order whose payment failed.
type FailureHandler interface {
	Compensate(ctx context.Context, ord orders.Order) error
}

// Finalizer performs the closing bookkeeping for an order on either branch.
type Finalizer interface {
	Finalize(ctx context.Context, ord orders.Order) error
}

// NewDefaultRegistry wires the four saga steps to the given business clients.
func NewDefaultRegistry(payments PaymentProcessor, dispatcher Dispatcher, failures FailureHandler, finalizer Finalizer) *Registry {
	reg := NewRegistry()
	reg.Register(ProcessPayment, func(ctx context.Context, ord orders.Order) (Output, error) {
		status, err := payments.Process(ctx, ord)
		if err != nil {
			return Output{}, err
		}
		return Output{PaymentStatus: status}, nil
	})
	reg.Register(SendOrder, func(ctx context.Context, ord orders.Order) (Output, error) {
		return Output{}, dispatcher.Dispatch(ctx, ord)
	})
	reg.Register(PaymentFailure, func(ctx context.Context, ord orders.Order) (Output, error) {
		return Output{}, failures.Compensate(ctx, ord)
	})
	reg.Register(UpdateOrder, func(ctx context.Context, ord orders.Order) (Output, error) {
		return Output{}, finalizer.Finalize(ctx, ord)
	})
	return reg
}

// NewInMemoryPaymentProcessor constructs an in-memory payment processor that
// approves every charge unless told otherwise.
func NewInMemoryPaymentProcessor() *InMemoryPaymentProcessor {
	return &InMemoryPaymentProcessor{
		results: make(map[string]orders.PaymentStatus),
		charged: make(map[string]int),
	}
}

// InMemoryPaymentProcessor tracks charges in memory.
type InMemoryPaymentProcessor struct {
	mu      sync.Mutex
	results map[string]orders.PaymentStatus
	charged map[string]int
	err     error
}

func (p *InMemoryPaymentProcessor) Process(ctx context.Context, ord orders.Order) (orders.PaymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charged[ord.ID]++
	if p.err != nil {
		return "", p.err
	}
	if status, ok := p.results[ord.ID]; ok {
		return status, nil
	}
	return orders.PaymentSucceeded, nil
}

// SetResult fixes the payment signal returned for an order id.
func (p *InMemoryPaymentProcessor) SetResult(orderID string, status orders.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[orderID] = status
}

// Fail makes every subsequent charge return the given error.
func (p *InMemoryPaymentProcessor) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Charges returns how many times an order was charged (for testing/inspection).
func (p *InMemoryPaymentProcessor) Charges(orderID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charged[orderID]
}

// NewInMemoryDispatcher constructs an in-memory dispatcher.
func NewInMemoryDispatcher() *InMemoryDispatcher {
	return &InMemoryDispatcher{dispatched: make(map[string]int)}
}

// InMemoryDispatcher tracks dispatched orders in memory.
type InMemoryDispatcher struct {
	mu         sync.Mutex
	dispatched map[string]int
	err        error
}

func (d *InMemoryDispatcher) Dispatch(ctx context.Context, ord orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dispatched[ord.ID]++
	return nil
}

// Fail makes every subsequent dispatch return the given error.
func (d *InMemoryDispatcher) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dispatched returns how many times an order was dispatched (for testing/inspection).
func (d *InMemoryDispatcher) Dispatched(orderID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched[orderID]
}

// NewInMemoryFailureHandler constructs an in-memory failure handler.
func NewInMemoryFailureHandler() *InMemoryFailureHandler {
	return &InMemoryFailureHandler{compensated: make(map[string]int)}
}

// InMemoryFailureHandler tracks compensations in memory.
type InMemoryFailureHandler struct {
	mu          sync.Mutex
	compensated map[string]int
}

func (h *InMemoryFailureHandler) Compensate(ctx context.Context, ord orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.compensated[ord.ID]++
	return nil
}

// Compensated returns how many times an order was compensated (for testing/inspection).
func (h *InMemoryFailureHandler) Compensated(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compensated[orderID]
}

// NewInMemoryFinalizer constructs an in-memory finalizer.
func NewInMemoryFinalizer() *InMemoryFinalizer {
	return &InMemoryFinalizer{finalized: make(map[string]int)}
}

// InMemoryFinalizer tracks finalized orders in memory.
type InMemoryFinalizer struct {
	mu        sync.Mutex
	finalized map[string]int
}

func (f *InMemoryFinalizer) Finalize(ctx context.Context, ord orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[ord.ID]++
	return nil
}

// Finalized returns how many times an order was finalized (for testing/inspection).
func (f *InMemoryFinalizer) Finalized(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized[orderID]
}
