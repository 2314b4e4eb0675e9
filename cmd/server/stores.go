package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	ordersdb "orderline/internal/db/orders"
	"orderline/internal/orders"
	"orderline/internal/orders/saga"
)

var openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStores wires the order record store and the saga execution index from
// DATABASE_URL. Without a DSN, or when Postgres initialization fails, both
// fall back to in-memory stores.
func buildStores(ctx context.Context, logf func(format string, args ...any)) (orders.Store, saga.ExecutionStore, func(), error) {
	if logf == nil {
		logf = log.Printf
	}

	cleanup := func() {}
	var store orders.Store = orders.NewInMemoryStore()
	var execs saga.ExecutionStore = saga.NewInMemoryExecutionStore()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logf("DATABASE_URL unset, using in-memory stores")
		return store, execs, cleanup, nil
	}

	db, err := openOrdersDB("pgx", dsn)
	if err != nil {
		logf("postgres open failed, falling back to in-memory stores: %v", err)
		return store, execs, cleanup, nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	orderStore, err := ordersdb.NewOrderStoreWithSchema(setupCtx, db)
	if err != nil {
		logf("postgres init failed, falling back to in-memory stores: %v", err)
		_ = db.Close()
		return store, execs, cleanup, nil
	}
	execStore, err := ordersdb.NewExecutionStoreWithSchema(setupCtx, db)
	if err != nil {
		logf("postgres init failed, falling back to in-memory stores: %v", err)
		_ = db.Close()
		return store, execs, cleanup, nil
	}

	logf("postgres stores enabled")
	cleanup = func() {
		if err := db.Close(); err != nil {
			logf("close postgres: %v", err)
		}
	}
	return orderStore, execStore, cleanup, nil
}
