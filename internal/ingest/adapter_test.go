package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderline/internal/orders"
	"orderline/internal/orders/saga"
	"orderline/internal/steps"
)

type adapterHarness struct {
	adapter  *Adapter
	store    *orders.InMemoryStore
	execs    *saga.InMemoryExecutionStore
	payments *steps.InMemoryPaymentProcessor
}

func newAdapterHarness(t *testing.T) *adapterHarness {
	t.Helper()

	store := orders.NewInMemoryStore()
	execs := saga.NewInMemoryExecutionStore()
	payments := steps.NewInMemoryPaymentProcessor()
	registry := steps.NewDefaultRegistry(
		payments,
		steps.NewInMemoryDispatcher(),
		steps.NewInMemoryFailureHandler(),
		steps.NewInMemoryFinalizer(),
	)
	engine := saga.NewEngine(store, execs, registry, saga.EngineConfig{
		Timeout: time.Minute,
		Logf:    t.Logf,
	})
	return &adapterHarness{
		adapter:  NewAdapter(execs, engine, nil, t.Logf),
		store:    store,
		execs:    execs,
		payments: payments,
	}
}

func TestAdapter_SingleDelivery(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	ack, err := h.adapter.OnMessage(context.Background(), Message{ID: "M1", Body: []byte(`{"item":"book"}`)})
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if !ack {
		t.Fatalf("expected ack")
	}

	ord, err := h.store.Get(context.Background(), "M1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ord.Status != orders.StatusUpdated || ord.PaymentStatus != orders.PaymentSucceeded {
		t.Fatalf("unexpected record: %+v", ord)
	}
}

func TestAdapter_DuplicateDeliveryRunsOnce(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	msg := Message{ID: "M2", Body: []byte(`{"item":"book"}`)}

	for i := 0; i < 3; i++ {
		ack, err := h.adapter.OnMessage(context.Background(), msg)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if !ack {
			t.Fatalf("delivery %d: every delivery is consumed", i)
		}
	}

	if got := h.payments.Charges("M2"); got != 1 {
		t.Fatalf("expected exactly one charge, got %d", got)
	}
	ord, _ := h.store.Get(context.Background(), "M2")
	if ord.Status != orders.StatusUpdated {
		t.Fatalf("unexpected record: %+v", ord)
	}
}

func TestAdapter_MissingIDNotAcked(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	ack, err := h.adapter.OnMessage(context.Background(), Message{Body: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected error")
	}
	if ack {
		t.Fatalf("a message without an id must not be acked")
	}
}

func TestAdapter_MalformedBodyNotAcked(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	ack, err := h.adapter.OnMessage(context.Background(), Message{ID: "M3", Body: []byte(`{"broken`)})
	if err == nil {
		t.Fatalf("expected error")
	}
	if ack {
		t.Fatalf("a malformed submission is left for redelivery")
	}
	if h.payments.Charges("M3") != 0 {
		t.Fatalf("malformed submission must not start an execution")
	}
}

func TestAdapter_ResumesAbandonedExecution(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	ctx := context.Background()

	// A prior attempt claimed the execution, wrote the early statuses, then
	// died. Its deadline is long past by the time redelivery happens.
	started := time.Now().Add(-time.Hour)
	if _, _, err := h.execs.Begin(ctx, "M4", started, started.Add(time.Minute)); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	if _, err := h.store.Create(ctx, orders.Order{ID: "M4", Payload: []byte(`{}`), Status: orders.StatusReceived, PaymentStatus: orders.PaymentPending}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := h.store.UpdateStatus(ctx, "M4", orders.StatusSaved, ""); err != nil {
		t.Fatalf("seed status: %v", err)
	}

	ack, err := h.adapter.OnMessage(ctx, Message{ID: "M4", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if !ack {
		t.Fatalf("expected ack")
	}

	ord, _ := h.store.Get(ctx, "M4")
	if ord.Status != orders.StatusUpdated {
		t.Fatalf("resumed execution should converge: %+v", ord)
	}
	exec, _ := h.execs.Lookup("M4")
	if exec.Outcome != saga.OutcomeSucceeded {
		t.Fatalf("unexpected outcome: %+v", exec)
	}
}

func TestAdapter_UnexpiredRunningExecutionAbsorbsDuplicate(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	ctx := context.Background()

	now := time.Now()
	if _, _, err := h.execs.Begin(ctx, "M5", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("seed execution: %v", err)
	}

	ack, err := h.adapter.OnMessage(ctx, Message{ID: "M5", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("OnMessage: %v", err)
	}
	if !ack {
		t.Fatalf("an in-flight duplicate is dropped with an ack")
	}
	if h.payments.Charges("M5") != 0 {
		t.Fatalf("duplicate must not run the engine")
	}
}

type blockingPaymentProcessor struct {
	cancel context.CancelFunc
	calls  int
}

func (p *blockingPaymentProcessor) Process(ctx context.Context, ord orders.Order) (orders.PaymentStatus, error) {
	p.calls++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		<-ctx.Done()
		return "", ctx.Err()
	}
	return orders.PaymentSucceeded, nil
}

func TestAdapter_ShutdownDeliveryRedeliveredAndResumed(t *testing.T) {
	t.Parallel()

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	store := orders.NewInMemoryStore()
	execs := saga.NewInMemoryExecutionStore()
	payments := &blockingPaymentProcessor{cancel: shutdown}
	registry := steps.NewDefaultRegistry(
		payments,
		steps.NewInMemoryDispatcher(),
		steps.NewInMemoryFailureHandler(),
		steps.NewInMemoryFinalizer(),
	)
	engine := saga.NewEngine(store, execs, registry, saga.EngineConfig{
		Timeout: 50 * time.Millisecond,
		Logf:    t.Logf,
	})
	adapter := NewAdapter(execs, engine, nil, t.Logf)
	msg := Message{ID: "M7", Body: []byte(`{}`)}

	// Shutdown arrives while the payment step is in flight.
	ack, err := adapter.OnMessage(shutdownCtx, msg)
	if err == nil {
		t.Fatalf("expected error")
	}
	if ack {
		t.Fatalf("an interrupted delivery must stay pending")
	}
	exec, _ := execs.Lookup("M7")
	if exec.Outcome != saga.OutcomeRunning {
		t.Fatalf("execution must stay running: %+v", exec)
	}

	// Redelivery after the abandoned deadline restarts the execution; the
	// interrupted charge resolves through the failure path.
	time.Sleep(60 * time.Millisecond)
	ack, err = adapter.OnMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !ack {
		t.Fatalf("expected ack")
	}
	ord, _ := store.Get(context.Background(), "M7")
	if ord.Status != orders.StatusUpdated || ord.PaymentStatus != orders.PaymentFailed {
		t.Fatalf("redelivered execution should converge: %+v", ord)
	}
	if payments.calls != 1 {
		t.Fatalf("the charge must never be re-invoked, got %d calls", payments.calls)
	}
	exec, _ = execs.Lookup("M7")
	if exec.Outcome != saga.OutcomeSucceeded {
		t.Fatalf("unexpected outcome: %+v", exec)
	}
}

type failingExecStore struct {
	saga.ExecutionStore
}

func (f *failingExecStore) Begin(ctx context.Context, orderID string, startedAt, deadline time.Time) (saga.Execution, bool, error) {
	return saga.Execution{}, false, errors.New("index unavailable")
}

func TestAdapter_ClaimErrorNotAcked(t *testing.T) {
	t.Parallel()

	h := newAdapterHarness(t)
	engine := saga.NewEngine(h.store, h.execs, steps.NewRegistry(), saga.EngineConfig{Logf: t.Logf})
	broken := NewAdapter(&failingExecStore{h.execs}, engine, nil, t.Logf)

	ack, err := broken.OnMessage(context.Background(), Message{ID: "M6", Body: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected error")
	}
	if ack {
		t.Fatalf("an unclaimed delivery is left for redelivery")
	}
}
