package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Stream event types.
const (
	EventFlagged  = "flagged"
	EventResolved = "resolved"
)

// maxStreamClients bounds concurrent review stream connections.
const maxStreamClients = 1000

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// StreamEvent is one message on the review stream.
type StreamEvent struct {
	Type      string             `json:"type"`
	TenantID  string             `json:"tenantId"`
	Timestamp time.Time          `json:"timestamp"`
	Item      *domain.ReviewItem `json:"item"`
}

// StreamFilter is sent by a client to narrow its feed. Empty fields match all.
type StreamFilter struct {
	Types      []string          `json:"types"`
	Severities []domain.Severity `json:"severities"`
}

type streamClient struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID string
	send     chan []byte

	mu     sync.RWMutex
	filter StreamFilter
}

// Hub fans flagged and resolved review items out to WebSocket clients of
// the same tenant.
type Hub struct {
	clients    map[*streamClient]struct{}
	broadcast  chan *StreamEvent
	register   chan *streamClient
	unregister chan *streamClient
	mu         sync.RWMutex
	done       chan struct{}
	maxClients int

	subMu sync.Mutex
	subs  []domain.Subscription
}

// NewHub creates a hub. Call Run before serving clients.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*streamClient]struct{}),
		broadcast:  make(chan *StreamEvent, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
		maxClients: maxStreamClients,
	}
}

// Subscribe feeds the hub from review events of every tenant on bus.
func (h *Hub) Subscribe(ctx context.Context, bus domain.EventBus) error {
	topics := map[string]string{
		domain.TopicReviewFlagged:  EventFlagged,
		domain.TopicReviewResolved: EventResolved,
	}
	for topic, kind := range topics {
		sub, err := bus.Subscribe(ctx, domain.AllTenants, topic, func(ctx context.Context, msg *domain.Message) error {
			var item domain.ReviewItem
			if err := json.Unmarshal(msg.Payload, &item); err != nil {
				return fmt.Errorf("decode review item: %w", err)
			}
			h.Broadcast(&StreamEvent{
				Type:      kind,
				TenantID:  msg.TenantID,
				Timestamp: time.Now().UTC(),
				Item:      &item,
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		h.subMu.Lock()
		h.subs = append(h.subs, sub)
		h.subMu.Unlock()
	}
	return nil
}

// Run dispatches events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.subMu.Lock()
			for _, sub := range h.subs {
				_ = sub.Unsubscribe()
			}
			h.subs = nil
			h.subMu.Unlock()

			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))
			slog.Debug("stream client connected", "tenant_id", client.tenantID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("failed to marshal stream event", "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*streamClient
			for client := range h.clients {
				if !client.wants(event) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveStreamClients.Set(float64(n))
			}
		}
	}
}

// Broadcast queues an event, dropping it when the hub is saturated.
func (h *Hub) Broadcast(event *StreamEvent) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("stream broadcast channel full, dropping event", "tenant_id", event.TenantID, "type", event.Type)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// streamTenant reads the tenant of a stream request. Browsers cannot set
// headers on upgrade, so the tenant may also come from ?tenant=.
func streamTenant(r *http.Request) string {
	if tenantID := r.Header.Get(TenantIDHeader); tenantID != "" {
		return tenantID
	}
	return r.URL.Query().Get("tenant")
}

// HandleStream upgrades to a WebSocket bound to one tenant.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := streamTenant(r)
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "X-Tenant-ID header is required"})
		return
	}

	select {
	case <-h.done:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "server shutting down"})
		return
	default:
	}
	if h.Clients() >= h.maxClients {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "too many stream connections"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		hub:      h,
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan []byte, 64),
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *streamClient) wants(event *StreamEvent) bool {
	if event.TenantID != c.tenantID {
		return false
	}
	c.mu.RLock()
	f := c.filter
	c.mu.RUnlock()
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	if len(f.Severities) > 0 && (event.Item == nil || !slices.Contains(f.Severities, event.Item.Severity)) {
		return false
	}
	return true
}

// readPump applies filter updates and notices disconnects.
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				slog.Debug("stream read error", "tenant_id", c.tenantID, "error", err)
			}
			return
		}
		var f StreamFilter
		if err := json.Unmarshal(message, &f); err == nil {
			c.mu.Lock()
			c.filter = f
			c.mu.Unlock()
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("stream write error", "tenant_id", c.tenantID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
