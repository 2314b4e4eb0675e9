package steps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderline/internal/orders"
)

func noJitter(d time.Duration) time.Duration { return d }

func recordedSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryPolicy_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Jitter:      noJitter,
		Sleep:       recordedSleep(&delays),
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff delays: %v", delays)
	}
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   5 * time.Millisecond,
		Jitter:      noJitter,
		Sleep:       recordedSleep(&delays),
	}

	wantErr := errors.New("still down")
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryPolicy_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Jitter:      noJitter,
		Sleep: func(ctx context.Context, d time.Duration) error {
			t.Fatalf("must not sleep for non-retryable errors")
			return nil
		},
	}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return ErrCircuitOpen
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryPolicy_MaxDelayCaps(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Jitter:      noJitter,
		Sleep:       recordedSleep(&delays),
	}

	calls := 0
	_ = policy.Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	})
	if len(delays) != 3 {
		t.Fatalf("expected 3 sleeps, got %d", len(delays))
	}
	if delays[0] != 10*time.Millisecond || delays[1] != 15*time.Millisecond || delays[2] != 15*time.Millisecond {
		t.Fatalf("unexpected capped delays: %v", delays)
	}
}

func TestRetryPolicy_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryPolicy{MaxAttempts: 3}.Do(ctx, func() error {
		t.Fatalf("must not run on a dead context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return clock },
	})

	boom := errors.New("boom")
	fail := func() error { return boom }

	if err := breaker.Execute(fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := breaker.Execute(fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := breaker.Execute(fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return clock },
	})

	boom := errors.New("boom")
	if err := breaker.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit before reset, got %v", err)
	}

	clock = clock.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should close the circuit: %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("closed circuit should pass calls: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return clock },
	})

	boom := errors.New("boom")
	_ = breaker.Execute(func() error { return boom })

	clock = clock.Add(2 * time.Second)
	if err := breaker.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom on the probe, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("failed probe must reopen the circuit, got %v", err)
	}
}

func TestRateLimiter_BurstThenWait(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	var waited []time.Duration
	limiter := NewRateLimiter(100*time.Millisecond, 2)
	limiter.now = func() time.Time { return clock }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waited = append(waited, d)
		clock = clock.Add(d)
		return nil
	}
	limiter.last = clock

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("burst token %d: %v", i, err)
		}
	}
	if len(waited) != 0 {
		t.Fatalf("burst tokens must not wait: %v", waited)
	}

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(waited) == 0 {
		t.Fatalf("the third call must wait for a refill")
	}
}

func TestRateLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(time.Hour, 1)
	ctx := context.Background()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first token: %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := limiter.Wait(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWrapReliable_RetriesDispatch(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	fn := Func(func(ctx context.Context, ord orders.Order) (Output, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return Output{}, errors.New("transient")
		}
		return Output{Detail: "ok"}, nil
	})

	var delays []time.Duration
	wrapped := WrapReliable(fn, nil, nil, RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      noJitter,
		Sleep:       recordedSleep(&delays),
	})

	out, err := wrapped(context.Background(), orders.Order{ID: "R1"})
	if err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	if out.Detail != "ok" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWrapReliable_OpenCircuitStopsRetrying(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Now:          func() time.Time { return clock },
	})

	calls := 0
	fn := Func(func(ctx context.Context, ord orders.Order) (Output, error) {
		calls++
		return Output{}, errors.New("down")
	})

	wrapped := WrapReliable(fn, nil, breaker, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Jitter:      noJitter,
		Sleep:       recordedSleep(new([]time.Duration)),
	})

	_, err := wrapped(context.Background(), orders.Order{ID: "R2"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("open circuit must stop further attempts, got %d calls", calls)
	}
}
