package saga

import (
	"context"
	"sync"
	"time"
)

// NewInMemoryExecutionStore constructs an in-memory execution index.
func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{
		execs: make(map[string]Execution),
	}
}

// InMemoryExecutionStore keeps executions in a mutex-guarded map with the
// same claim semantics as the Postgres index.
type InMemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]Execution
	steps []AuditEntry
}

// AuditEntry is one recorded step transition (for testing/inspection).
type AuditEntry struct {
	OrderID string
	Step    string
	Status  string
	Detail  string
}

func (s *InMemoryExecutionStore) Begin(ctx context.Context, orderID string, startedAt, deadline time.Time) (Execution, bool, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec, ok := s.execs[orderID]; ok {
		return exec, false, nil
	}
	exec := Execution{
		OrderID:   orderID,
		StartedAt: startedAt,
		Deadline:  deadline,
		Outcome:   OutcomeRunning,
	}
	s.execs[orderID] = exec
	return exec, true, nil
}

func (s *InMemoryExecutionStore) Restart(ctx context.Context, orderID string, startedAt, deadline time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return false, ErrExecutionNotFound
	}
	if exec.Outcome != OutcomeRunning || startedAt.Before(exec.Deadline) {
		return false, nil
	}
	exec.StartedAt = startedAt
	exec.Deadline = deadline
	s.execs[orderID] = exec
	return true, nil
}

func (s *InMemoryExecutionStore) UpdateStep(ctx context.Context, orderID, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.CurrentStep = step
	s.execs[orderID] = exec
	return nil
}

func (s *InMemoryExecutionStore) Finish(ctx context.Context, orderID string, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Outcome = outcome
	s.execs[orderID] = exec
	return nil
}

func (s *InMemoryExecutionStore) RecordStep(ctx context.Context, orderID, step, status, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, AuditEntry{OrderID: orderID, Step: step, Status: status, Detail: detail})
	return nil
}

// Lookup returns the stored execution, if any (for testing/inspection).
func (s *InMemoryExecutionStore) Lookup(orderID string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	return exec, ok
}

// Audit returns a copy of the recorded step entries (for testing/inspection).
func (s *InMemoryExecutionStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.steps))
	copy(out, s.steps)
	return out
}
