package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"orderline/internal/observability"
	"orderline/internal/orders"
	"orderline/internal/orders/saga"
)

// Message is one queued order submission. ID is the queue-assigned message
// id, which doubles as the order id and idempotency key. Body is the
// client's submission payload, verbatim.
type Message struct {
	ID   string
	Body []byte
}

// Adapter turns at-least-once queue deliveries into effectively-once saga
// executions. It claims the execution index entry for the message's order id
// before running the engine; losers of the claim drop their delivery.
type Adapter struct {
	execs   saga.ExecutionStore
	engine  *saga.Engine
	metrics *observability.Metrics
	logf    func(format string, args ...any)
	now     func() time.Time
}

// NewAdapter constructs an ingestion Adapter over the execution index and
// engine.
func NewAdapter(execs saga.ExecutionStore, engine *saga.Engine, metrics *observability.Metrics, logf func(format string, args ...any)) *Adapter {
	if logf == nil {
		logf = log.Printf
	}
	return &Adapter{
		execs:   execs,
		engine:  engine,
		metrics: metrics,
		logf:    logf,
		now:     time.Now,
	}
}

// OnMessage handles one delivery. It reports whether the message should be
// acked; a false return leaves the message for queue-level redelivery or
// dead-lettering.
func (a *Adapter) OnMessage(ctx context.Context, msg Message) (bool, error) {
	if msg.ID == "" {
		return false, errors.New("message without id")
	}

	payload, err := orders.ParseSubmission(msg.Body)
	if err != nil {
		// Malformed submissions are not acked; the queue's own redelivery
		// and dead-letter policy deals with them.
		return false, fmt.Errorf("message %s: %w", msg.ID, err)
	}

	now := a.now()
	deadline := now.Add(a.engine.Timeout())

	exec, created, err := a.execs.Begin(ctx, msg.ID, now, deadline)
	if err != nil {
		// The claim never happened, so this attempt is indistinguishable
		// from "not yet started" and safe to leave for redelivery.
		return false, fmt.Errorf("claim execution %s: %w", msg.ID, err)
	}

	if !created {
		resume, err := a.shouldResume(ctx, exec, now, deadline)
		if err != nil {
			return false, err
		}
		if !resume {
			a.metrics.AddDuplicate()
			a.logf("ingest %s: duplicate delivery dropped (execution %s)", msg.ID, exec.Outcome)
			return true, nil
		}
		a.logf("ingest %s: resuming execution abandoned at step %q", msg.ID, exec.CurrentStep)
	}

	outcome, err := a.engine.Execute(ctx, msg.ID, payload)
	if err != nil {
		a.logf("ingest %s: execution finished %s: %v", msg.ID, outcome, err)
	}
	if outcome == saga.OutcomeRunning {
		// Shutdown interrupted the run before any terminal outcome. The
		// execution stays claimed and RUNNING; the unacked delivery comes
		// back and restarts it once the deadline passes.
		return false, err
	}
	// A terminal outcome is recorded either way; the delivery is consumed.
	return true, nil
}

// shouldResume decides what to do with a delivery whose execution already
// exists. Terminal and in-flight executions absorb the duplicate; a running
// execution whose deadline has passed was abandoned by a dead attempt and
// may be taken over by whoever wins the restart.
func (a *Adapter) shouldResume(ctx context.Context, exec saga.Execution, now, deadline time.Time) (bool, error) {
	if exec.Outcome != saga.OutcomeRunning {
		return false, nil
	}
	if now.Before(exec.Deadline) {
		return false, nil
	}
	won, err := a.execs.Restart(ctx, exec.OrderID, now, deadline)
	if err != nil {
		return false, fmt.Errorf("restart execution %s: %w", exec.OrderID, err)
	}
	return won, nil
}
