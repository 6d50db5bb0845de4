package main

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/fleetconsole/console/observability"
	"github.com/itskum47/fleetconsole/console/store"
)

const (
	writeWait     = 5 * time.Second
	changeBacklog = 1024
)

// ChangeHub fans store change notifications out to view stream clients.
// A single goroutine owns every write, so connections never see
// concurrent writers.
type ChangeHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	changes    chan store.Change
	done       chan struct{}
	maxConns   int
	overflow   atomic.Bool
	mu         sync.RWMutex
}

func NewChangeHub(maxConns int) *ChangeHub {
	if maxConns <= 0 {
		maxConns = 100
	}
	return &ChangeHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		changes:    make(chan store.Change, changeBacklog),
		done:       make(chan struct{}),
		maxConns:   maxConns,
	}
}

// Publish queues a change. It runs inside store listeners and never blocks;
// when the backlog is full clients are told to re-read every kind instead.
func (h *ChangeHub) Publish(c store.Change) {
	select {
	case h.changes <- c:
	default:
		h.overflow.Store(true)
	}
}

// Run starts the hub's main loop.
func (h *ChangeHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= h.maxConns {
				h.mu.Unlock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many stream clients"),
					time.Now().Add(writeWait))
				conn.Close()
				log.Printf("[STREAM] Connection rejected: max connections (%d) reached", h.maxConns)
				continue
			}
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			observability.ViewStreamClients.Set(float64(n))
			log.Printf("[STREAM] Client registered. Total: %d", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case c := <-h.changes:
			h.broadcast(c)

		case <-ticker.C:
			if h.overflow.Swap(false) {
				log.Printf("[STREAM] Change backlog overflowed, asking clients to re-read")
				for _, k := range store.Kinds {
					h.broadcast(store.Change{Kind: k, Op: store.OpReplace})
				}
			}
		}
	}
}

func (h *ChangeHub) broadcast(c store.Change) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(c); err != nil {
			log.Printf("[STREAM] Write error: %v", err)
			h.drop(conn)
		}
	}
}

func (h *ChangeHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	observability.ViewStreamClients.Set(float64(n))
}

// shutdown gracefully closes all client connections.
func (h *ChangeHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[STREAM] Shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.ViewStreamClients.Set(0)
}

// Register adds a new client connection.
func (h *ChangeHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *ChangeHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *ChangeHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
