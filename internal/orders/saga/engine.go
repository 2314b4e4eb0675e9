package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"orderline/internal/observability"
	"orderline/internal/orders"
	"orderline/internal/steps"
)

// Notifier receives the final order record once an execution converges.
type Notifier interface {
	OnStatusChange(orderID string, ord orders.Order)
}

// EngineConfig holds the optional knobs of an Engine.
type EngineConfig struct {
	// Timeout bounds a whole execution. Defaults to one minute.
	Timeout  time.Duration
	Notifier Notifier
	Metrics  *observability.Metrics
	Logf     func(format string, args ...any)
	Now      func() time.Time
}

// DefaultTimeout bounds a saga execution when no timeout is configured.
const DefaultTimeout = time.Minute

// Engine drives an order through the processing saga: save, charge payment,
// branch on the payment signal, converge on a final update. Each step's
// status is persisted before the next step is invoked, so an interrupted
// execution resumes at a well-defined point and no completed step re-runs.
type Engine struct {
	store    orders.Store
	execs    ExecutionStore
	invoker  steps.Invoker
	notifier Notifier
	metrics  *observability.Metrics
	timeout  time.Duration
	logf     func(format string, args ...any)
	now      func() time.Time
}

// NewEngine constructs an Engine over the given stores and step invoker.
func NewEngine(store orders.Store, execs ExecutionStore, invoker steps.Invoker, cfg EngineConfig) *Engine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    store,
		execs:    execs,
		invoker:  invoker,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		timeout:  timeout,
		logf:     logf,
		now:      now,
	}
}

// Timeout returns the configured whole-execution deadline.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Execute runs the saga for an order and reports the outcome. The caller
// must already hold the execution claim for the order id. On
// OutcomeTimedOut the record is left at its last written status. When the
// caller's context is canceled mid-run (shutdown) the execution keeps
// OutcomeRunning and no terminal outcome is recorded, so a later delivery
// can restart it once its deadline passes.
func (e *Engine) Execute(ctx context.Context, orderID string, payload json.RawMessage) (Outcome, error) {
	if orderID == "" {
		return OutcomeFailed, errors.New("order id required")
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outcome, err := e.run(runCtx, orderID, payload)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		// The deadline can also surface through a store write after an
		// overrunning step; either way the execution timed out.
		outcome = OutcomeTimedOut
	case err != nil && errors.Is(err, context.Canceled):
		e.logf("saga %s: run interrupted, leaving execution running: %v", orderID, err)
		return OutcomeRunning, err
	}
	if outcome == OutcomeRunning {
		// run never leaves an execution running; treat it as a bug.
		outcome = OutcomeFailed
	}

	// Bookkeeping survives the expired run deadline.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer finishCancel()
	if finishErr := e.execs.Finish(finishCtx, orderID, outcome); finishErr != nil {
		e.logf("saga %s: record outcome %s: %v", orderID, outcome, finishErr)
	}
	e.metrics.AddOutcome(string(outcome))
	return outcome, err
}

func (e *Engine) run(ctx context.Context, orderID string, payload json.RawMessage) (Outcome, error) {
	cur, outcome, err := e.saveOrder(ctx, orderID, payload)
	if err != nil {
		return outcome, err
	}

	cur, pay, outcome, err := e.processPayment(ctx, cur)
	if err != nil {
		return outcome, err
	}

	cur, outcome, err = e.runBranch(ctx, cur, pay)
	if err != nil {
		return outcome, err
	}

	cur, outcome, err = e.updateOrder(ctx, cur)
	if err != nil {
		return outcome, err
	}

	if e.notifier != nil {
		e.notifier.OnStatusChange(orderID, cur)
	}
	return OutcomeSucceeded, nil
}

// saveOrder persists the submission. Failure here is fatal to the execution.
func (e *Engine) saveOrder(ctx context.Context, orderID string, payload json.RawMessage) (orders.Order, Outcome, error) {
	const step = "save-order"

	if outcome, err := e.deadlineCheck(ctx, orderID, step); err != nil {
		return orders.Order{}, outcome, err
	}
	e.stepStarted(ctx, orderID, step)

	if _, err := e.store.Create(ctx, orders.Order{
		ID:            orderID,
		Payload:       payload,
		Status:        orders.StatusReceived,
		PaymentStatus: orders.PaymentPending,
	}); err != nil {
		e.stepFailed(ctx, orderID, step, err)
		return orders.Order{}, OutcomeFailed, fmt.Errorf("save order %s: %w", orderID, err)
	}

	cur, err := e.store.Get(ctx, orderID)
	if err != nil {
		e.stepFailed(ctx, orderID, step, err)
		return orders.Order{}, OutcomeFailed, fmt.Errorf("save order %s: %w", orderID, err)
	}

	if orders.Reached(cur.Status, orders.StatusSaved) {
		return cur, OutcomeRunning, nil
	}

	if err := e.store.UpdateStatus(ctx, orderID, orders.StatusSaved, ""); err != nil {
		e.stepFailed(ctx, orderID, step, err)
		return orders.Order{}, OutcomeFailed, fmt.Errorf("save order %s: %w", orderID, err)
	}
	cur.Status = orders.StatusSaved
	e.stepDone(ctx, orderID, step, "")
	return cur, OutcomeRunning, nil
}

// processPayment invokes the payment step and captures the payment signal
// from its output, never from the engine's own judgment. A step error means
// a failed payment; the charge is never re-invoked.
func (e *Engine) processPayment(ctx context.Context, cur orders.Order) (orders.Order, orders.PaymentStatus, Outcome, error) {
	step := steps.ProcessPayment

	// Resumed execution past the payment decision: reuse the persisted signal.
	if orders.Reached(cur.Status, orders.StatusPaymentSucceeded) {
		return cur, cur.PaymentStatus, OutcomeRunning, nil
	}

	if outcome, err := e.deadlineCheck(ctx, cur.ID, step); err != nil {
		return cur, "", outcome, err
	}

	var pay orders.PaymentStatus
	if cur.Status == orders.StatusPaymentInProgress {
		// A previous attempt died after invoking the charge. Whether it went
		// through is unknowable here, so the order takes the failure path for
		// out-of-band reconciliation instead of risking a second charge.
		e.logf("saga %s: payment in progress from interrupted attempt, routing to failure path", cur.ID)
		pay = orders.PaymentFailed
		e.stepFailed(ctx, cur.ID, step, errors.New("interrupted payment attempt"))
	} else {
		e.stepStarted(ctx, cur.ID, step)
		if err := e.store.UpdateStatus(ctx, cur.ID, orders.StatusPaymentInProgress, ""); err != nil {
			return cur, "", OutcomeFailed, fmt.Errorf("mark payment in progress %s: %w", cur.ID, err)
		}
		cur.Status = orders.StatusPaymentInProgress

		out, err := e.invokeStep(ctx, step, cur)
		if err != nil {
			if outcome, derr := e.deadlineCheck(ctx, cur.ID, step); derr != nil {
				return cur, "", outcome, derr
			}
			e.logf("saga %s: payment step failed: %v", cur.ID, err)
			e.stepFailed(ctx, cur.ID, step, err)
			pay = orders.PaymentFailed
		} else {
			switch out.PaymentStatus {
			case orders.PaymentSucceeded, orders.PaymentFailed:
				pay = out.PaymentStatus
				e.stepDone(ctx, cur.ID, step, string(pay))
			default:
				// Unexpected branch signal: anomaly, routed to the failure path.
				e.logf("saga %s: unexpected payment signal %q, routing to failure path", cur.ID, out.PaymentStatus)
				e.stepFailed(ctx, cur.ID, step, fmt.Errorf("unexpected payment signal %q", out.PaymentStatus))
				pay = orders.PaymentFailed
			}
		}
	}

	status := orders.StatusPaymentFailed
	if pay == orders.PaymentSucceeded {
		status = orders.StatusPaymentSucceeded
	}
	if err := e.store.UpdateStatus(ctx, cur.ID, status, pay); err != nil {
		return cur, "", OutcomeFailed, fmt.Errorf("record payment status %s: %w", cur.ID, err)
	}
	cur.Status = status
	cur.PaymentStatus = pay
	return cur, pay, OutcomeRunning, nil
}

// runBranch dispatches the order on payment success or compensates on
// payment failure. Both branches converge in updateOrder.
func (e *Engine) runBranch(ctx context.Context, cur orders.Order, pay orders.PaymentStatus) (orders.Order, Outcome, error) {
	if orders.Reached(cur.Status, orders.StatusDispatched) {
		return cur, OutcomeRunning, nil
	}

	step := steps.PaymentFailure
	status := orders.StatusFailed
	if pay == orders.PaymentSucceeded {
		step = steps.SendOrder
		status = orders.StatusDispatched
	}

	if outcome, err := e.deadlineCheck(ctx, cur.ID, step); err != nil {
		return cur, outcome, err
	}
	e.stepStarted(ctx, cur.ID, step)

	if _, err := e.invokeStep(ctx, step, cur); err != nil {
		if outcome, derr := e.deadlineCheck(ctx, cur.ID, step); derr != nil {
			return cur, outcome, derr
		}
		e.logf("saga %s: step %s failed: %v", cur.ID, step, err)
		e.stepFailed(ctx, cur.ID, step, err)
		if step == steps.SendOrder {
			// Dispatch failure takes the compensation path before converging.
			status = orders.StatusFailed
			e.stepStarted(ctx, cur.ID, steps.PaymentFailure)
			if _, cerr := e.invokeStep(ctx, steps.PaymentFailure, cur); cerr != nil {
				e.logf("saga %s: compensation failed: %v", cur.ID, cerr)
				e.stepFailed(ctx, cur.ID, steps.PaymentFailure, cerr)
			} else {
				e.stepDone(ctx, cur.ID, steps.PaymentFailure, "")
			}
		}
	} else {
		e.stepDone(ctx, cur.ID, step, "")
	}

	if err := e.store.UpdateStatus(ctx, cur.ID, status, ""); err != nil {
		return cur, OutcomeFailed, fmt.Errorf("record branch status %s: %w", cur.ID, err)
	}
	cur.Status = status
	return cur, OutcomeRunning, nil
}

// updateOrder is the convergence point reached on both branches.
func (e *Engine) updateOrder(ctx context.Context, cur orders.Order) (orders.Order, Outcome, error) {
	step := steps.UpdateOrder

	if orders.Reached(cur.Status, orders.StatusUpdated) {
		return cur, OutcomeRunning, nil
	}

	if outcome, err := e.deadlineCheck(ctx, cur.ID, step); err != nil {
		return cur, outcome, err
	}
	e.stepStarted(ctx, cur.ID, step)

	if _, err := e.invokeStep(ctx, step, cur); err != nil {
		if outcome, derr := e.deadlineCheck(ctx, cur.ID, step); derr != nil {
			return cur, outcome, derr
		}
		// Final bookkeeping is best-effort; the record still converges.
		e.logf("saga %s: update step failed: %v", cur.ID, err)
		e.stepFailed(ctx, cur.ID, step, err)
	} else {
		e.stepDone(ctx, cur.ID, step, "")
	}

	if err := e.store.UpdateStatus(ctx, cur.ID, orders.StatusUpdated, ""); err != nil {
		return cur, OutcomeFailed, fmt.Errorf("record final status %s: %w", cur.ID, err)
	}
	cur.Status = orders.StatusUpdated
	return cur, OutcomeRunning, nil
}

func (e *Engine) invokeStep(ctx context.Context, name string, ord orders.Order) (steps.Output, error) {
	span := e.metrics.StartStep(name)
	out, err := e.invoker.Invoke(ctx, name, ord)
	span.End(err)
	return out, err
}

// deadlineCheck maps an expired run context to OutcomeTimedOut before the
// next step is entered. Cancellation is not terminal: the execution stays
// running for a later restart.
func (e *Engine) deadlineCheck(ctx context.Context, orderID, step string) (Outcome, error) {
	err := ctx.Err()
	if err == nil {
		return OutcomeRunning, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.logf("saga %s: deadline exceeded at step %s", orderID, step)
		return OutcomeTimedOut, fmt.Errorf("saga %s timed out at step %s: %w", orderID, step, err)
	}
	return OutcomeRunning, fmt.Errorf("saga %s canceled at step %s: %w", orderID, step, err)
}

func (e *Engine) stepStarted(ctx context.Context, orderID, step string) {
	if err := e.execs.UpdateStep(ctx, orderID, step); err != nil {
		e.logf("saga %s: track step %s: %v", orderID, step, err)
	}
}

func (e *Engine) stepDone(ctx context.Context, orderID, step, detail string) {
	if err := e.execs.RecordStep(ctx, orderID, step, "completed", detail); err != nil {
		e.logf("saga %s: audit step %s: %v", orderID, step, err)
	}
}

func (e *Engine) stepFailed(ctx context.Context, orderID, step string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := e.execs.RecordStep(ctx, orderID, step, "failed", detail); err != nil {
		e.logf("saga %s: audit step %s: %v", orderID, step, err)
	}
}
