package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status captures where an order sits in its processing lifecycle.
type Status string

const (
	StatusReceived          Status = "RECEIVED"
	StatusSaved             Status = "SAVED"
	StatusPaymentInProgress Status = "PAYMENT_IN_PROGRESS"
	StatusPaymentSucceeded  Status = "PAYMENT_SUCCEEDED"
	StatusPaymentFailed     Status = "PAYMENT_FAILED"
	StatusDispatched        Status = "DISPATCHED"
	StatusFailed            Status = "FAILED"
	StatusUpdated           Status = "UPDATED"
)

// PaymentStatus is the payment signal captured from the payment step output.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Order is the persisted record for a single order submission.
type Order struct {
	ID            string          `json:"orderId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	LastUpdated   time.Time       `json:"lastUpdated"`
}

// statusRank orders statuses along the saga's step sequence. The two
// branch statuses share ranks with their counterparts so a record never
// moves between branches.
var statusRank = map[Status]int{
	StatusReceived:          0,
	StatusSaved:             1,
	StatusPaymentInProgress: 2,
	StatusPaymentSucceeded:  3,
	StatusPaymentFailed:     3,
	StatusDispatched:        4,
	StatusFailed:            4,
	StatusUpdated:           5,
}

// Rank returns the status position in the saga sequence, or -1 for an
// unknown status.
func Rank(s Status) int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Advances reports whether moving from one status to another goes strictly
// forward in the saga sequence.
func Advances(from, to Status) bool {
	fr, tr := Rank(from), Rank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}

// Reached reports whether the current status is at or past the given
// milestone.
func Reached(current, milestone Status) bool {
	cr, mr := Rank(current), Rank(milestone)
	if cr < 0 || mr < 0 {
		return false
	}
	return cr >= mr
}

// ErrNotFound signals an unknown order id.
var ErrNotFound = errors.New("order not found")

// ErrStatusRegression signals a status write that would move backwards.
var ErrStatusRegression = errors.New("order status would regress")

// Store persists order records keyed by order id.
type Store interface {
	// Create inserts the record if no record exists for its id. It reports
	// whether the insert happened; an existing record is left untouched.
	Create(ctx context.Context, ord Order) (bool, error)
	// UpdateStatus advances the record's status, and payment status when the
	// given value is non-empty. Writes that would regress return
	// ErrStatusRegression.
	UpdateStatus(ctx context.Context, orderID string, status Status, payment PaymentStatus) error
	// Get returns the current record snapshot or ErrNotFound.
	Get(ctx context.Context, orderID string) (Order, error)
}

// ErrEmptySubmission signals a submission with no body.
var ErrEmptySubmission = errors.New("empty order submission")

// ErrInvalidSubmission signals a submission body that is not valid JSON.
var ErrInvalidSubmission = errors.New("order submission is not valid JSON")

// ParseSubmission validates a raw submission body. The body is kept verbatim
// as the order payload; only JSON well-formedness is checked here.
func ParseSubmission(body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return nil, ErrEmptySubmission
	}
	if !json.Valid(body) {
		return nil, ErrInvalidSubmission
	}
	return json.RawMessage(body), nil
}
