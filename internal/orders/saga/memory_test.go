package saga

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInMemoryExecutionStore_BeginClaimsOnce(t *testing.T) {
	t.Parallel()

	store := NewInMemoryExecutionStore()
	ctx := context.Background()
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	exec, created, err := store.Begin(ctx, "order-1", started, started.Add(time.Minute))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !created {
		t.Fatalf("expected first begin to claim")
	}
	if exec.Outcome != OutcomeRunning {
		t.Fatalf("expected running outcome, got %s", exec.Outcome)
	}

	_, created, err = store.Begin(ctx, "order-1", started.Add(time.Second), started.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("duplicate begin: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate begin to observe the existing execution")
	}
}

func TestInMemoryExecutionStore_ConcurrentBeginHasOneWinner(t *testing.T) {
	t.Parallel()

	store := NewInMemoryExecutionStore()
	started := time.Now()

	const goroutines = 16
	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.Begin(context.Background(), "order-race", started, started.Add(time.Minute))
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			wins <- created
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestInMemoryExecutionStore_RestartOnlyAfterDeadline(t *testing.T) {
	t.Parallel()

	store := NewInMemoryExecutionStore()
	ctx := context.Background()
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	deadline := started.Add(time.Minute)

	if _, _, err := store.Begin(ctx, "order-1", started, deadline); err != nil {
		t.Fatalf("begin: %v", err)
	}

	won, err := store.Restart(ctx, "order-1", started.Add(30*time.Second), deadline.Add(time.Minute))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if won {
		t.Fatalf("restart before deadline should not win")
	}

	won, err = store.Restart(ctx, "order-1", deadline.Add(time.Second), deadline.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !won {
		t.Fatalf("restart after deadline should win")
	}

	if err := store.Finish(ctx, "order-1", OutcomeSucceeded); err != nil {
		t.Fatalf("finish: %v", err)
	}
	won, err = store.Restart(ctx, "order-1", deadline.Add(time.Hour), deadline.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if won {
		t.Fatalf("terminal execution must not restart")
	}

	if _, err := store.Restart(ctx, "missing", started, deadline); err != ErrExecutionNotFound {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestInMemoryExecutionStore_TracksStepsAndOutcome(t *testing.T) {
	t.Parallel()

	store := NewInMemoryExecutionStore()
	ctx := context.Background()
	started := time.Now()

	if _, _, err := store.Begin(ctx, "order-1", started, started.Add(time.Minute)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.UpdateStep(ctx, "order-1", "process-payment"); err != nil {
		t.Fatalf("update step: %v", err)
	}
	if err := store.RecordStep(ctx, "order-1", "process-payment", "completed", "SUCCEEDED"); err != nil {
		t.Fatalf("record step: %v", err)
	}
	if err := store.Finish(ctx, "order-1", OutcomeSucceeded); err != nil {
		t.Fatalf("finish: %v", err)
	}

	exec, ok := store.Lookup("order-1")
	if !ok {
		t.Fatalf("expected execution")
	}
	if exec.CurrentStep != "process-payment" || exec.Outcome != OutcomeSucceeded {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	audit := store.Audit()
	if len(audit) != 1 || audit[0].Step != "process-payment" || audit[0].Status != "completed" {
		t.Fatalf("unexpected audit: %+v", audit)
	}
}
