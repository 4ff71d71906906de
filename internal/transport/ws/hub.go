// Package ws is the live drift-event push channel alongside the polled
// `GET drift/statistics` endpoint and the refresh pub/sub bus: every
// drift status transition an operator applies through internal/drift is
// broadcast to connected WebSocket clients, for a dashboard that wants
// to update without polling. It is a pure fan-out layer — it never
// reads or writes drift state itself.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/configplane/controlplane/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DriftEvent is the wire shape pushed to every connected client.
type DriftEvent struct {
	ServiceID  string             `json:"serviceId"`
	InstanceID string             `json:"instanceId"`
	Status     domain.DriftStatus `json:"status"`
	Severity   domain.DriftSeverity `json:"severity"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Hub fans out drift transitions to every registered WebSocket client.
// It implements drift.Notifier.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan DriftEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub constructs a Hub. Call Start(ctx) once to run its event loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan DriftEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
	}
}

// Start runs the hub's event loop until ctx is canceled.
func (h *Hub) Start(ctx context.Context) {
	h.logger.Info("drift ws hub starting")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				go h.send(conn, evt)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, evt DriftEvent) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(evt); err != nil {
		h.logger.Warn("drift ws send failed", "error", err)
		select {
		case h.unregister <- conn:
		default:
		}
	}
}

// NotifyDriftTransition implements drift.Notifier by queueing evt for
// broadcast. Never blocks: a full queue drops the event, since this is
// a convenience push channel, not the system of record.
func (h *Hub) NotifyDriftTransition(evt *domain.DriftEvent) {
	wire := DriftEvent{
		ServiceID:  evt.ServiceID,
		InstanceID: evt.InstanceID,
		Status:     evt.Status,
		Severity:   evt.Severity,
		Timestamp:  time.Now(),
	}
	select {
	case h.broadcast <- wire:
	default:
		h.logger.Warn("drift ws broadcast queue full, dropping event", "service_id", evt.ServiceID)
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it for broadcast. Connected clients are never expected to send
// application messages; the read pump only services ping/pong keepalive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	h.register <- conn
	go h.readPump(conn)
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer func() { h.unregister <- conn }()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// MarshalEvent is exposed for tests that want to assert on wire shape
// without a live connection.
func MarshalEvent(evt DriftEvent) ([]byte, error) {
	return json.Marshal(evt)
}
