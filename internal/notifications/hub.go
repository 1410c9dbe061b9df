// Package notifications implements the realtime gateway: connection
// bookkeeping, room fan-out, presence and the websocket event protocol.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	defaultMaxConnsPerUser = 12
	defaultMaxTotalConns   = 10000
)

var (
	// ErrUserConnLimit is returned when a user already has the maximum
	// number of connections.
	ErrUserConnLimit = errors.New("user connection limit reached")
	// ErrServerConnLimit is returned when the instance is full.
	ErrServerConnLimit = errors.New("server connection limit reached")
)

// HubConfig bounds the number of connections a hub accepts.
type HubConfig struct {
	MaxConnsPerUser int
	MaxTotalConns   int
}

// Hub maps users and rooms to live clients on this instance. When a
// Notifier is attached, room broadcasts are relayed to other instances.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	totalConns int

	maxPerUser int
	maxTotal   int

	bus    *Notifier
	logger *observability.WSLogger
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxConnsPerUser <= 0 {
		cfg.MaxConnsPerUser = defaultMaxConnsPerUser
	}
	if cfg.MaxTotalConns <= 0 {
		cfg.MaxTotalConns = defaultMaxTotalConns
	}
	return &Hub{
		conns:      make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		maxPerUser: cfg.MaxConnsPerUser,
		maxTotal:   cfg.MaxTotalConns,
		logger:     observability.NewWSLogger("gateway"),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "gateway" }

// Register adds a connection for userID, enforcing the per-user and
// instance caps.
func (h *Hub) Register(userID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= h.maxTotal {
		return nil, models.NewUnavailableError("Server connection limit reached", ErrServerConnLimit)
	}
	m, ok := h.conns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[userID] = m
	}
	if len(m) >= h.maxPerUser {
		if len(m) == 0 {
			delete(h.conns, userID)
		}
		return nil, models.NewRateLimitedError("Too many connections for this user")
	}

	client := NewClient(h, conn, userID)
	m[client] = struct{}{}
	h.totalConns++
	observability.WebSocketConnectionsTotal.Inc()
	return client, nil
}

// UnregisterClient removes the client from the hub and all of its rooms
// and closes its send channel. It reports whether the client was
// registered.
func (h *Hub) UnregisterClient(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true

	if m, ok := h.conns[c.UserID]; ok {
		delete(m, c)
		if len(m) == 0 {
			delete(h.conns, c.UserID)
		}
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	h.totalConns--
	observability.WebSocketConnectionsTotal.Dec()
	close(c.Send)
	return true
}

// ConnectionCount returns how many live connections userID has here.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// TotalConnections returns the number of live connections on this instance.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// Join subscribes the client to room.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Leave unsubscribes the client from room.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// InRoom reports whether the client is subscribed to room.
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// BroadcastRoom delivers frame to every client in room except the given
// one, and relays it to other instances.
func (h *Hub) BroadcastRoom(ctx context.Context, room string, frame []byte, except *Client) {
	h.deliverRoom(room, frame, except)
	h.relay(ctx, room, frame)
}

// BroadcastAll delivers frame to every connection on every instance.
func (h *Hub) BroadcastAll(ctx context.Context, frame []byte) {
	h.deliverAll(frame)
	h.relay(ctx, allRoom, frame)
}

func (h *Hub) deliverRoom(room string, frame []byte, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c != except {
			c.TrySend(frame)
		}
	}
}

func (h *Hub) deliverAll(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.conns {
		for c := range clients {
			c.TrySend(frame)
		}
	}
}

func (h *Hub) relay(ctx context.Context, room string, frame []byte) {
	h.mu.RLock()
	bus := h.bus
	h.mu.RUnlock()
	if bus == nil {
		return
	}
	if err := bus.PublishRoom(ctx, room, frame); err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
		h.logger.LogError(ctx, "", room, err, "relay")
	}
}

// StartRelay attaches n to the hub: local broadcasts are published through
// it and broadcasts from other instances are delivered to local rooms.
func (h *Hub) StartRelay(ctx context.Context, n *Notifier) error {
	if n == nil || !n.Enabled() {
		return nil
	}
	if err := n.StartRoomSubscriber(ctx, func(room string, frame []byte) {
		if room == allRoom {
			h.deliverAll(frame)
			return
		}
		h.deliverRoom(room, frame, nil)
	}); err != nil {
		return err
	}
	h.mu.Lock()
	h.bus = n
	h.mu.Unlock()
	return nil
}

// Shutdown closes every websocket connection with a going-away frame.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*Client, 0, h.totalConns)
	for _, userConns := range h.conns {
		for c := range userConns {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.Conn == nil {
			continue
		}
		if err := c.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
			middleware.Logger.DebugContext(ctx, "close frame not delivered",
				slog.String("user_id", c.UserID),
				slog.String("error", err.Error()),
			)
		}
		_ = c.Conn.Close()
	}
	h.logger.LogLifecycle(ctx, "shutdown", slog.Int("connections", len(clients)))
	return nil
}
