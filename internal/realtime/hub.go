// Package realtime pushes dispute events to WebSocket clients.
//
// A client connects to /ws?dispute_id=... and only ever receives events of
// the disputes it was authorized to watch. Services publish through
// PublishDisputeEvent; when a Bridge is attached the event goes through Redis
// first so every server instance fans it out to its own sockets.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/mediation/internal/auth"
	"github.com/mbd888/mediation/internal/metrics"
	"github.com/mbd888/mediation/internal/participant"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// MaxDisputesPerClient bounds one socket's subscriptions.
	MaxDisputesPerClient = 20

	publishTimeout = 2 * time.Second
)

// Event is one dispute event as it goes over the wire.
type Event struct {
	Type      string    `json:"type"`
	DisputeID string    `json:"dispute_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Authorizer decides whether a user may watch a dispute.
type Authorizer interface {
	AuthorizeViewer(ctx context.Context, disputeID, userID string) error
}

// Relay forwards events to the other server instances.
type Relay interface {
	Publish(ctx context.Context, ev *Event) error
}

// Command is a message a client sends to change its subscriptions.
type Command struct {
	Action    string `json:"action"` // subscribe | unsubscribe
	DisputeID string `json:"dispute_id"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu       sync.RWMutex
	disputes map[string]bool
}

func (c *Client) watching(disputeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disputes[disputeID]
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	authz Authorizer
	relay Relay

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(authz Authorizer, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		authz:      authz,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithAllowedOrigins accepts browser origins beyond the serving host.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		return sameHost(r) || allowed[r.Header.Get("Origin")] || allowed["*"]
	}
	return h
}

// WithRelay routes published events through a cross-instance relay.
func (h *Hub) WithRelay(r Relay) *Hub {
	h.relay = r
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("realtime: unserializable event dropped", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.watching(event.DisputeID) {
			continue
		}
		select {
		case client.send <- payload:
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
		h.mu.Unlock()
	}
}

// Broadcast queues an event for local fan-out.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		metrics.RealtimeDroppedTotal.Inc()
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type, "dispute_id", event.DisputeID)
	}
}

// PublishDisputeEvent delivers an event to every socket watching the
// dispute, on every instance when a relay is attached.
func (h *Hub) PublishDisputeEvent(disputeID, eventType string, data any) {
	ev := &Event{Type: eventType, DisputeID: disputeID, Timestamp: time.Now().UTC(), Data: data}
	if h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := h.relay.Publish(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		h.logger.Warn("realtime relay publish failed, delivering locally", "type", eventType, "dispute_id", disputeID, "error", err)
	}
	metrics.RealtimeEventsTotal.WithLabelValues("local").Inc()
	h.Broadcast(ev)
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterProtectedRoutes mounts the socket endpoint behind authentication.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket handles GET /ws?dispute_id=... and upgrades to WebSocket
// once the caller is authorized for every requested dispute.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "server shutting down"})
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "too many connections"})
		return
	}

	userID := auth.UserID(c)
	ids := c.QueryArray("dispute_id")
	if len(ids) == 0 || len(ids) > MaxDisputesPerClient {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "dispute_id is required"})
		return
	}
	disputes := make(map[string]bool, len(ids))
	for _, id := range ids {
		if err := h.authz.AuthorizeViewer(c.Request.Context(), id, userID); err != nil {
			h.deny(c, id, err)
			return
		}
		disputes[id] = true
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		disputes: disputes,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) deny(c *gin.Context, disputeID string, err error) {
	if errors.Is(err, participant.ErrNotParticipant) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "you are not a participant in this dispute"})
		return
	}
	// Unknown disputes and lookup failures look the same to the caller.
	h.logger.Debug("websocket subscription rejected", "dispute_id", disputeID, "error", err)
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "dispute not found"})
}

// apply handles a subscription command from the socket.
func (c *Client) apply(ctx context.Context, cmd Command) {
	switch cmd.Action {
	case "subscribe":
		c.mu.RLock()
		full := len(c.disputes) >= MaxDisputesPerClient
		c.mu.RUnlock()
		if full || cmd.DisputeID == "" {
			return
		}
		if err := c.hub.authz.AuthorizeViewer(ctx, cmd.DisputeID, c.userID); err != nil {
			c.hub.logger.Debug("websocket subscribe rejected", "dispute_id", cmd.DisputeID, "user_id", c.userID, "error", err)
			return
		}
		c.mu.Lock()
		c.disputes[cmd.DisputeID] = true
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		delete(c.disputes, cmd.DisputeID)
		c.mu.Unlock()
	}
}

// readPump reads subscription commands and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.apply(ctx, cmd)
			cancel()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
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
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
