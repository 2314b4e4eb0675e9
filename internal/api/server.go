package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"orderline/internal/orders"
	"orderline/internal/realtime"
	"orderline/internal/status"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// DefaultMaxBodyBytes caps an order submission body.
const DefaultMaxBodyBytes = 64 << 10

// Enqueuer forwards a raw submission to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
}

// Server is the HTTP boundary: order submission, status polling, and the
// websocket subscribe endpoint for the push path.
type Server struct {
	queue    Enqueuer
	status   *status.Service
	hub      *realtime.Hub
	logf     func(format string, args ...any)
	maxBody  int64
	upgrader websocket.Upgrader
}

// NewServer constructs the HTTP server over the queue, the status service,
// and the push hub.
func NewServer(queue Enqueuer, statusSvc *status.Service, hub *realtime.Hub, logf func(format string, args ...any)) *Server {
	if logf == nil {
		logf = log.Printf
	}
	return &Server{
		queue:   queue,
		status:  statusSvc,
		hub:     hub,
		logf:    logf,
		maxBody: DefaultMaxBodyBytes,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/orders", s.submitOrder)
	r.Get("/v1/orders/{orderID}/status", s.getStatus)
	r.Get("/v1/orders/{orderID}/subscribe", s.subscribe)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// submitOrder accepts an arbitrary JSON body and forwards it verbatim to
// the queue. The queue-assigned message id doubles as the order id.
func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if _, err := orders.ParseSubmission(body); err != nil {
		http.Error(w, "invalid order submission", http.StatusBadRequest)
		return
	}

	messageID, err := s.queue.Enqueue(r.Context(), body)
	if err != nil {
		s.logf("enqueue order: %v", err)
		http.Error(w, "order queue unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"messageId": messageID})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	ord, err := s.status.GetStatus(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		s.logf("get status %s: %v", orderID, err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ord)
}

// subscribe upgrades the connection and registers it for pushes on the
// order id. The read loop only watches for the client going away.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "order id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("websocket upgrade %s: %v", orderID, err)
		return
	}

	s.hub.Register <- realtime.Subscription{Conn: conn, OrderID: orderID}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister <- conn
				return
			}
		}
	}()
}
