package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderline/internal/orders"
)

// OrderStore persists order records in Postgres.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_records (
			order_id TEXT PRIMARY KEY,
			payload JSONB,
			status TEXT NOT NULL,
			status_rank INT NOT NULL,
			payment_status TEXT NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Create inserts the record if none exists for its id.
func (s *OrderStore) Create(ctx context.Context, ord orders.Order) (bool, error) {
	if ord.ID == "" {
		return false, fmt.Errorf("order id required")
	}
	if ord.Status == "" {
		ord.Status = orders.StatusReceived
	}
	if ord.PaymentStatus == "" {
		ord.PaymentStatus = orders.PaymentPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_records (order_id, payload, status, status_rank, payment_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		ord.ID, []byte(ord.Payload), ord.Status, orders.Rank(ord.Status), ord.PaymentStatus,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateStatus advances the record's status. The stored rank guards the
// write so a duplicate or late attempt can never move a record backwards.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, status orders.Status, payment orders.PaymentStatus) error {
	if orderID == "" {
		return fmt.Errorf("order id required")
	}
	rank := orders.Rank(status)
	if rank < 0 {
		return fmt.Errorf("unknown order status %q", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE order_records
		SET status = $2,
			status_rank = $3,
			payment_status = CASE WHEN $4 = '' THEN payment_status ELSE $4 END,
			last_updated = NOW()
		WHERE order_id = $1 AND status_rank < $3`,
		orderID, status, rank, string(payment),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	row := s.db.QueryRowContext(ctx, `SELECT TRUE FROM order_records WHERE order_id = $1`, orderID)
	switch scanErr := row.Scan(&exists); {
	case scanErr == nil:
		return orders.ErrStatusRegression
	case errors.Is(scanErr, sql.ErrNoRows):
		return orders.ErrNotFound
	default:
		return scanErr
	}
}

// Get returns the current record snapshot.
func (s *OrderStore) Get(ctx context.Context, orderID string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, payload, status, payment_status, last_updated
		FROM order_records
		WHERE order_id = $1`,
		orderID,
	)

	var ord orders.Order
	var payload []byte
	var status, payment string
	if err := row.Scan(&ord.ID, &payload, &status, &payment, &ord.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, orders.ErrNotFound
		}
		return orders.Order{}, err
	}
	ord.Payload = payload
	ord.Status = orders.Status(status)
	ord.PaymentStatus = orders.PaymentStatus(payment)
	return ord, nil
}
