package realtime

import (
	"encoding/json"
	"log"
	"time"

	"orderline/internal/orders"
)

// Fanout pushes order status changes to the hub's subscribers. There is no
// queued retry: a client that is not connected falls back to polling.
type Fanout struct {
	hub  *Hub
	logf func(format string, args ...any)
}

// NewFanout constructs a Fanout over the hub.
func NewFanout(hub *Hub, logf func(format string, args ...any)) *Fanout {
	if logf == nil {
		logf = log.Printf
	}
	return &Fanout{hub: hub, logf: logf}
}

// OnStatusChange pushes the record to any live subscriber of the order.
func (f *Fanout) OnStatusChange(orderID string, ord orders.Order) {
	payload := struct {
		Type          string               `json:"type"`
		OrderID       string               `json:"orderId"`
		Status        orders.Status        `json:"status"`
		PaymentStatus orders.PaymentStatus `json:"paymentStatus"`
		LastUpdated   time.Time            `json:"lastUpdated"`
	}{
		Type:          "order_status",
		OrderID:       orderID,
		Status:        ord.Status,
		PaymentStatus: ord.PaymentStatus,
		LastUpdated:   ord.LastUpdated,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		f.logf("fanout %s: marshal: %v", orderID, err)
		return
	}

	f.hub.Push(orderID, data)
}
