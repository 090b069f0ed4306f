package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control plane shares the HTTP surface's origin; cross-origin
	// screening is left to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns every control-plane connection and the thread bindings that
// route notifications. It also serves as the HTTP handler mounted on the
// A2A server's control route.
type Hub struct {
	controller Controller
	logger     *slog.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	threads map[string]map[*Client]bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger overrides the default logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub creates a hub dispatching control frames to the controller.
func NewHub(controller Controller, opts ...HubOption) *Hub {
	h := &Hub{
		controller: controller,
		logger:     slog.Default(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		threads:    make(map[string]map[*Client]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes client registration until the context is canceled, then
// closes every connection. Call as a goroutine before serving.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client connected", "client_id", client.ID)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, h)
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Bind subscribes the client to a thread's notifications.
func (h *Hub) Bind(client *Client, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.threads[threadID]; !ok {
		h.threads[threadID] = make(map[*Client]bool)
	}
	h.threads[threadID][client] = true
	client.threads[threadID] = true

	h.logger.Debug("Client bound to thread",
		"client_id", client.ID, "thread_id", threadID)
}

// NotifyThread pushes a notification frame to every client bound to the
// thread. Best effort: slow clients drop frames.
func (h *Hub) NotifyThread(threadID, event string, payload map[string]any) {
	body := map[string]any{"event": event}
	for k, v := range payload {
		body[k] = v
	}
	frame, err := NewFrame(TypeNotification, "", body)
	if err != nil {
		h.logger.Error("Failed to build notification", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.threads[threadID]))
	for client := range h.threads[threadID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.sendFrame(frame)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ThreadClientCount returns the number of clients bound to a thread.
func (h *Hub) ThreadClientCount(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.threads[threadID])
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.threads = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.closeSend()

	for threadID := range client.threads {
		if clients, ok := h.threads[threadID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.threads, threadID)
			}
		}
	}
	h.logger.Debug("Client disconnected", "client_id", client.ID)
}
