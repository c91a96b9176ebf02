// Package ws streams run events to WebSocket clients.
//
// Clients connect, optionally send a subscribe message naming the agents
// they care about, and receive every matching run event as it happens.
// No subscription means everything.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// subscribeRequest is the only client-to-server message understood.
type subscribeRequest struct {
	Type   string   `json:"type"`
	Agents []string `json:"agents"`
}

// conn wraps a single WebSocket connection and its subscription filter.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	agents map[string]struct{} // empty means all agents
}

// wants reports whether this connection subscribed to the agent.
func (c *conn) wants(agentName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.agents) == 0 {
		return true
	}
	_, ok := c.agents[agentName]
	return ok
}

func (c *conn) subscribe(agents []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = make(map[string]struct{}, len(agents))
	for _, a := range agents {
		c.agents[a] = struct{}{}
	}
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS returns an http.HandlerFunc that upgrades connections to WebSocket.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	// Read loop: consumes pings, handles subscribe messages, detects
	// disconnects.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var req subscribeRequest
			if err := json.Unmarshal(data, &req); err == nil && req.Type == "subscribe" {
				c.subscribe(req.Agents)
			}
		}
	}()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.broadcast(ctx, "", msg)
}

// broadcast sends a message to clients subscribed to agentName; an empty
// name matches every client.
func (h *Hub) broadcast(ctx context.Context, agentName string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if agentName != "" && !c.wants(agentName) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
