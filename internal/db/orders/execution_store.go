package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderline/internal/orders/saga"
)

// ExecutionStore persists the saga execution index in Postgres. The claim in
// Begin relies on ON CONFLICT DO NOTHING so exactly one of two concurrent
// duplicate triggers wins.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore constructs an ExecutionStore backed by Postgres.
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// NewExecutionStoreWithSchema initializes the schema then returns the store.
func NewExecutionStoreWithSchema(ctx context.Context, db *sql.DB) (*ExecutionStore, error) {
	store := NewExecutionStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the execution tables if they do not exist.
func (s *ExecutionStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_executions (
			order_id TEXT PRIMARY KEY,
			current_step TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS saga_execution_steps (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (order_id) REFERENCES saga_executions(order_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Begin claims the execution for an order id, or returns the existing one.
func (s *ExecutionStore) Begin(ctx context.Context, orderID string, startedAt, deadline time.Time) (saga.Execution, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_executions (order_id, outcome, started_at, deadline)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, saga.OutcomeRunning, startedAt, deadline,
	)
	if err != nil {
		return saga.Execution{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Execution{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, current_step, outcome, started_at, deadline
		FROM saga_executions
		WHERE order_id = $1`,
		orderID,
	)

	var exec saga.Execution
	var outcome string
	if err := row.Scan(&exec.OrderID, &exec.CurrentStep, &outcome, &exec.StartedAt, &exec.Deadline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Execution{}, false, fmt.Errorf("execution not found after insert")
		}
		return saga.Execution{}, false, err
	}
	exec.Outcome = saga.Outcome(outcome)

	return exec, affected == 1, nil
}

// Restart re-arms a running execution whose deadline has passed.
func (s *ExecutionStore) Restart(ctx context.Context, orderID string, startedAt, deadline time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_executions
		SET started_at = $2, deadline = $3, updated_at = NOW()
		WHERE order_id = $1 AND outcome = $4 AND deadline <= $2`,
		orderID, startedAt, deadline, saga.OutcomeRunning,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateStep records the step the execution is currently on.
func (s *ExecutionStore) UpdateStep(ctx context.Context, orderID, step string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_executions
		SET current_step = $2, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, step,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrExecutionNotFound
	}
	return nil
}

// Finish writes the terminal outcome.
func (s *ExecutionStore) Finish(ctx context.Context, orderID string, outcome saga.Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_executions
		SET outcome = $2, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, outcome,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrExecutionNotFound
	}
	return nil
}

// RecordStep appends an execution step audit row.
func (s *ExecutionStore) RecordStep(ctx context.Context, orderID, step, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_execution_steps (order_id, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		orderID, step, status, detail,
	)
	return err
}
