package saga

import (
	"context"
	"errors"
	"time"
)

// Outcome captures the terminal state of a saga execution.
type Outcome string

const (
	OutcomeRunning   Outcome = "RUNNING"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
)

// Terminal reports whether no further saga-driven transition occurs.
func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeTimedOut
}

// Execution is a stored saga execution entry, keyed by order id.
type Execution struct {
	OrderID     string
	CurrentStep string
	StartedAt   time.Time
	Deadline    time.Time
	Outcome     Outcome
}

// ExecutionStore persists the saga execution index. Begin must be an atomic
// insert-if-absent so concurrent duplicate triggers resolve to exactly one
// winner.
type ExecutionStore interface {
	// Begin claims the execution for an order id. When no execution exists
	// one is created with OutcomeRunning and created is true; otherwise the
	// existing execution is returned untouched and created is false.
	Begin(ctx context.Context, orderID string, startedAt, deadline time.Time) (exec Execution, created bool, err error)
	// Restart re-arms a running execution whose deadline has passed so a
	// redelivered trigger can resume it. It reports whether the caller won
	// the restart.
	Restart(ctx context.Context, orderID string, startedAt, deadline time.Time) (bool, error)
	// UpdateStep records the step the execution is currently on.
	UpdateStep(ctx context.Context, orderID, step string) error
	// Finish writes the terminal outcome.
	Finish(ctx context.Context, orderID string, outcome Outcome) error
	// RecordStep appends an audit entry for a completed or failed step.
	RecordStep(ctx context.Context, orderID, step, status, detail string) error
}

// ErrExecutionNotFound signals an update against an unknown execution.
var ErrExecutionNotFound = errors.New("saga execution not found")
