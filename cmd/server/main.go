package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderline/cmd/server/config"
	"orderline/internal/api"
	"orderline/internal/ingest"
	"orderline/internal/observability"
	"orderline/internal/orders"
	"orderline/internal/orders/saga"
	"orderline/internal/realtime"
	"orderline/internal/status"
	"orderline/internal/steps"

	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	metrics := observability.NewMetrics()

	store, execs, cleanupStores, err := buildStores(ctx, log.Printf)
	if err != nil {
		return err
	}
	defer cleanupStores()

	queue, cleanupQueue, err := buildQueue(ctx)
	if err != nil {
		return err
	}
	defer cleanupQueue()

	hub := realtime.NewHub()
	go hub.Run()
	defer hub.Stop()
	fanout := realtime.NewFanout(hub, log.Printf)

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	engine := saga.NewEngine(store, execs, buildStepRegistry(), saga.EngineConfig{
		Timeout:  sagaCfg.Timeout,
		Notifier: fanout,
		Metrics:  metrics,
		Logf:     log.Printf,
	})
	adapter := ingest.NewAdapter(execs, engine, metrics, log.Printf)

	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	apiServer := api.NewServer(queue, status.NewService(store), hub, log.Printf)
	srv := &http.Server{
		Addr:    httpCfg.Addr,
		Handler: apiServer.Router(),
	}

	obsSrv, err := startObservabilityServer(metrics)
	if err != nil {
		return err
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- queue.Run(consumerCtx, adapter.OnMessage)
	}()

	log.Printf("API server running on %s", httpCfg.Addr)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		metrics.MarkShutdown(int64(metrics.Snapshot().InFlight))
		stopConsumer()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if obsSrv != nil {
			_ = obsSrv.Shutdown(shutdownCtx)
		}
		<-consumerErr
		return nil
	case err := <-consumerErr:
		return err
	case err := <-srvErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildStepRegistry wires the business steps. The payment step runs bare;
// a charge must never be auto-retried. The dispatch step gets the
// reliability wrapper.
func buildStepRegistry() *steps.Registry {
	payments := steps.NewInMemoryPaymentProcessor()
	dispatcher := steps.NewInMemoryDispatcher()
	failures := steps.NewInMemoryFailureHandler()
	finalizer := steps.NewInMemoryFinalizer()

	registry := steps.NewDefaultRegistry(payments, dispatcher, failures, finalizer)

	dispatchCfg, err := config.LoadDispatch()
	if err != nil {
		log.Printf("dispatch reliability config: %v (running dispatch unwrapped)", err)
		return registry
	}

	var limiter *steps.RateLimiter
	if dispatchCfg.RateLimitInterval != nil && dispatchCfg.RateLimitBurst != nil {
		limiter = steps.NewRateLimiter(*dispatchCfg.RateLimitInterval, *dispatchCfg.RateLimitBurst)
	}
	var breaker *steps.CircuitBreaker
	if dispatchCfg.BreakerMaxFailures != nil {
		breakerCfg := steps.CircuitBreakerConfig{MaxFailures: *dispatchCfg.BreakerMaxFailures}
		if dispatchCfg.BreakerResetTimeout != nil {
			breakerCfg.ResetTimeout = *dispatchCfg.BreakerResetTimeout
		}
		breaker = steps.NewCircuitBreaker(breakerCfg)
	}
	retry := steps.RetryPolicy{}
	if dispatchCfg.RetryMaxAttempts != nil {
		retry.MaxAttempts = *dispatchCfg.RetryMaxAttempts
	}
	if dispatchCfg.RetryBaseDelay != nil {
		retry.BaseDelay = *dispatchCfg.RetryBaseDelay
	}
	if dispatchCfg.RetryMaxDelay != nil {
		retry.MaxDelay = *dispatchCfg.RetryMaxDelay
	}

	if limiter != nil || breaker != nil || retry.MaxAttempts > 1 {
		dispatchStep := func(ctx context.Context, ord orders.Order) (steps.Output, error) {
			return steps.Output{}, dispatcher.Dispatch(ctx, ord)
		}
		registry.Register(steps.SendOrder, steps.WrapReliable(dispatchStep, limiter, breaker, retry))
	}
	return registry
}

func startObservabilityServer(metrics *observability.Metrics) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv, nil
}
