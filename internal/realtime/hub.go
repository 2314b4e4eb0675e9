package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Subscription associates an open WebSocket connection with the order it
// wants updates for.
type Subscription struct {
	Conn         *websocket.Conn
	OrderID      string
	ConnectionID string
	ConnectedAt  time.Time
}

type notification struct {
	orderID string
	payload []byte
}

// Hub is the connection registry for the push path. Connections register
// against an order id; pushes to orders with no live subscriber are dropped,
// the polling path being the fallback of record.
type Hub struct {
	byConn     map[*websocket.Conn]Subscription
	byOrder    map[string]map[*websocket.Conn]struct{}
	Register   chan Subscription
	Unregister chan *websocket.Conn
	notify     chan notification
	done       chan struct{}
	stop       sync.Once
	mu         sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		byConn:     make(map[*websocket.Conn]Subscription),
		byOrder:    make(map[string]map[*websocket.Conn]struct{}),
		Register:   make(chan Subscription),
		Unregister: make(chan *websocket.Conn),
		notify:     make(chan notification),
		done:       make(chan struct{}),
	}
}

// Push delivers a payload to the live subscribers of an order, best-effort.
// After Stop the payload is dropped.
func (h *Hub) Push(orderID string, payload []byte) {
	select {
	case h.notify <- notification{orderID: orderID, payload: payload}:
	case <-h.done:
	}
}

// Run processes register/unregister/push events until Stop.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.Register:
			h.add(sub)
		case conn := <-h.Unregister:
			h.remove(conn)
			conn.Close()
		case note := <-h.notify:
			h.push(note)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop ends the Run loop and closes every registered connection.
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.byConn {
		conn.Close()
	}
	h.byConn = make(map[*websocket.Conn]Subscription)
	h.byOrder = make(map[string]map[*websocket.Conn]struct{})
}

func (h *Hub) add(sub Subscription) {
	if sub.ConnectionID == "" {
		sub.ConnectionID = uuid.NewString()
	}
	if sub.ConnectedAt.IsZero() {
		sub.ConnectedAt = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byConn[sub.Conn] = sub
	conns, ok := h.byOrder[sub.OrderID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		h.byOrder[sub.OrderID] = conns
	}
	conns[sub.Conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *Hub) removeLocked(conn *websocket.Conn) {
	sub, ok := h.byConn[conn]
	if !ok {
		return
	}
	delete(h.byConn, conn)
	if conns, ok := h.byOrder[sub.OrderID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.byOrder, sub.OrderID)
		}
	}
}

func (h *Hub) push(note notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.byOrder[note.orderID] {
		if err := conn.WriteMessage(websocket.TextMessage, note.payload); err != nil {
			conn.Close()
			h.removeLocked(conn)
		}
	}
}

// Subscribers reports how many live connections watch an order
// (for testing/inspection).
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byOrder[orderID])
}
