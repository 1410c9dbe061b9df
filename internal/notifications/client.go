package notifications

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"lectern/internal/middleware"
	"lectern/internal/observability"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 64 << 10
	sendBufferSize = 256
)

// Why a socket's read loop ended.
const (
	CloseReasonClient  = "client_closed"
	CloseReasonTimeout = "heartbeat_timeout"
	CloseReasonTooBig  = "frame_too_large"
	CloseReasonError   = "read_error"
)

// WSHub is the part of a hub a client reports back to.
type WSHub interface {
	UnregisterClient(c *Client) bool
	Name() string
}

// Client is one authenticated socket. Outbound frames are queued on Send
// and written by WritePump; inbound frames are handed to IncomingHandler
// one at a time by ReadPump.
type Client struct {
	ID     string
	UserID string
	Hub    WSHub

	// Conn is nil for in-process clients in tests.
	Conn *websocket.Conn
	Send chan []byte

	IncomingHandler func(*Client, []byte)
	// OnActivity runs on every inbound frame and pong.
	OnActivity func(*Client)

	// guarded by the hub's mutex
	rooms  map[string]struct{}
	closed bool
}

// NewClient returns a client with an empty room set and a buffered queue.
func NewClient(hub WSHub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) activity() {
	if c.OnActivity != nil {
		c.OnActivity(c)
	}
}

func (c *Client) extendReadDeadline() {
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
}

// ReadPump delivers inbound frames until the socket fails, then closes it
// and returns one of the CloseReason values.
func (c *Client) ReadPump() string {
	defer func() { _ = c.Conn.Close() }()

	c.Conn.SetReadLimit(maxFrameBytes)
	c.extendReadDeadline()
	c.Conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		c.activity()
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			reason := closeReason(err)
			if reason == CloseReasonError {
				middleware.Logger.Warn("socket read failed",
					slog.String("user_id", c.UserID),
					slog.String("conn_id", c.ID),
					slog.String("error", err.Error()),
				)
			}
			return reason
		}
		c.extendReadDeadline()
		c.activity()
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, frame)
		}
	}
}

func closeReason(err error) string {
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return CloseReasonClient
	case errors.Is(err, fastws.ErrReadLimit), websocket.IsCloseError(err, websocket.CloseMessageTooBig):
		return CloseReasonTooBig
	case errors.As(err, &netErr) && netErr.Timeout():
		return CloseReasonTimeout
	default:
		return CloseReasonError
	}
}

// WritePump writes queued frames and pings until Send is closed or a
// write fails. Frames already queued are flushed under one deadline.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !c.writeQueued(frame) {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeQueued writes frame and then whatever else is already waiting.
func (c *Client) writeQueued(frame []byte) bool {
	for {
		if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
		select {
		case next, ok := <-c.Send:
			if !ok {
				return false
			}
			frame = next
		default:
			return true
		}
	}
}

// WriteDirect writes one frame synchronously, outside the pumps. It is
// used for handshake errors before a client exists.
func WriteDirect(conn *websocket.Conn, frame []byte) {
	if conn == nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

// TrySend queues frame without blocking and reports whether it was
// queued. When the queue is full the frame is dropped and a
// messages:dropped notice is attempted so the client knows to re-fetch.
func (c *Client) TrySend(frame []byte) (queued bool) {
	// Send may already be closed by the hub.
	defer func() {
		if recover() != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
			queued = false
		}
	}()

	select {
	case c.Send <- frame:
		return true
	default:
	}

	observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
	middleware.Logger.WarnContext(context.Background(), "send queue full, frame dropped",
		slog.String("user_id", c.UserID),
		slog.String("conn_id", c.ID),
	)
	select {
	case c.Send <- EncodeFrame(EventMessagesDropped, map[string]string{"reason": "buffer_full"}):
	default:
	}
	return false
}
