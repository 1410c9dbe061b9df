package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/repository"
	"lectern/internal/service"
	"lectern/internal/validation"

	"github.com/gofiber/websocket/v2"
)

// ConversationDirectory is what the gateway needs from the conversation
// service.
type ConversationDirectory interface {
	EnsureMember(ctx context.Context, conversationID, userID string) (*models.Membership, error)
	MarkRead(ctx context.Context, conversationID, userID string, at *time.Time) (*models.ReadResult, error)
}

// MessageLog is what the gateway needs from the message service.
type MessageLog interface {
	Send(ctx context.Context, in service.SendMessageInput) (*models.MessageView, error)
	MarkRead(ctx context.Context, conversationID, userID string, at *time.Time) (int64, error)
}

// GatewayOptions wires a Gateway.
type GatewayOptions struct {
	Hub           *Hub
	Presence      *Presence
	Verifier      *middleware.TokenVerifier
	Users         repository.UserRepository
	Conversations ConversationDirectory
	Messages      MessageLog
	Limiter       middleware.Limiter
	Throttle      Throttle
	Names         *NameCache
}

// Gateway implements the websocket event protocol on top of the hub.
type Gateway struct {
	hub      *Hub
	presence *Presence
	verifier *middleware.TokenVerifier
	users    repository.UserRepository
	convs    ConversationDirectory
	msgs     MessageLog
	limiter  middleware.Limiter
	throttle Throttle
	names    *NameCache
	logger   *observability.WSLogger
}

// NewGateway creates a Gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	return &Gateway{
		hub:      opts.Hub,
		presence: opts.Presence,
		verifier: opts.Verifier,
		users:    opts.Users,
		convs:    opts.Conversations,
		msgs:     opts.Messages,
		limiter:  opts.Limiter,
		throttle: opts.Throttle,
		names:    opts.Names,
		logger:   observability.NewWSLogger("gateway"),
	}
}

// Hub returns the gateway's hub.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Authenticate verifies the handshake token and returns the user id.
func (g *Gateway) Authenticate(token string) (string, error) {
	return g.verifier.Verify(token)
}

// Attach registers an authenticated connection: it joins the personal
// room, checks the user exists, clears lastSeenAt and announces the user
// online. On error the connection is not registered and the caller should
// write a connection:error frame and close.
func (g *Gateway) Attach(ctx context.Context, userID string, conn *websocket.Conn) (*Client, error) {
	client, err := g.hub.Register(userID, conn)
	if err != nil {
		return nil, err
	}
	g.hub.Join(client, UserRoom(userID))

	exists, err := g.users.Exists(ctx, userID)
	if err != nil || !exists {
		g.hub.UnregisterClient(client)
		return nil, &models.AppError{Code: models.CodeUnauthorized, Message: "Unknown user", Err: err}
	}

	if err := g.users.SetLastSeen(ctx, userID, nil); err != nil {
		g.logger.LogError(ctx, userID, "", err, "clear_last_seen")
	}

	ctx = middleware.WithConnID(ctx, client.ID)
	client.IncomingHandler = func(c *Client, raw []byte) {
		g.HandleEvent(ctx, c, raw)
	}
	client.OnActivity = func(c *Client) {
		g.presence.Touch(ctx, c.UserID)
	}

	client.TrySend(EncodeFrame(EventConnectionOK, ConnectionOK{UserID: userID}))
	if g.presence.SetOnline(ctx, userID) {
		g.hub.BroadcastAll(ctx, EncodeFrame(EventPresenceUpdate, PresenceUpdate{UserID: userID, Online: true}))
	}
	g.logger.LogConnect(ctx, userID, client.ID)
	return client, nil
}

// Disconnect unregisters the client. When it was the user's last
// connection here, lastSeenAt is persisted and the user announced offline.
func (g *Gateway) Disconnect(ctx context.Context, c *Client, reason string) {
	if !g.hub.UnregisterClient(c) {
		return
	}
	g.logger.LogDisconnect(ctx, c.UserID, c.ID, reason)
	if g.presence.SetOffline(ctx, c.UserID) {
		g.hub.BroadcastAll(ctx, EncodeFrame(EventPresenceUpdate, PresenceUpdate{UserID: c.UserID, Online: false}))
	}
}

// HandleEvent dispatches one inbound frame. Handler panics are recovered
// and reported to the client.
func (g *Gateway) HandleEvent(ctx context.Context, c *Client, raw []byte) {
	var frame Frame
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketEventsTotal.WithLabelValues(frame.Event, "panic").Inc()
			middleware.Logger.ErrorContext(ctx, "panic in gateway handler",
				slog.String("event", frame.Event),
				slog.String("user_id", c.UserID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			c.TrySend(ErrorFrame(EventErrorMessage, models.NewInternalError(fmt.Errorf("panic: %v", r))))
		}
	}()

	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		observability.WebSocketEventsTotal.WithLabelValues("invalid", "rejected").Inc()
		c.TrySend(ErrorFrame(EventErrorMessage, models.NewValidationError("Malformed frame")))
		return
	}

	span, ctx := observability.NewEventSpan(ctx, frame.Event, c.UserID)
	defer span.End()

	var err error
	switch frame.Event {
	case EventConversationJoin:
		err = g.handleJoin(ctx, c, frame.Data)
	case EventMessageSend:
		err = g.handleSend(ctx, c, frame.Data)
	case EventTyping:
		err = g.handleTyping(ctx, c, frame.Data)
	case EventMessageRead:
		err = g.handleRead(ctx, c, frame.Data)
	default:
		observability.WebSocketEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		c.TrySend(ErrorFrame(EventErrorMessage, models.NewValidationError("Unknown event "+frame.Event)))
		return
	}

	if err != nil {
		observability.WebSocketEventsTotal.WithLabelValues(frame.Event, "error").Inc()
		appErr := models.AsAppError(err)
		span.SetErrorCode(appErr.Code)
		if appErr.Code == models.CodeInternal {
			span.SetError(err)
			g.logger.LogError(ctx, c.UserID, "", err, frame.Event)
		}
		event := EventErrorMessage
		if frame.Event == EventConversationJoin {
			event = EventErrorConversation
		}
		c.TrySend(ErrorFrame(event, appErr))
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(frame.Event, "ok").Inc()
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return models.NewValidationIssues([]models.Issue{{Path: "data", Message: "is required"}})
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.NewValidationIssues([]models.Issue{{Path: "data", Message: "is malformed"}})
	}
	return nil
}

func conversationIDIssue(id string) error {
	if validation.IsIdentifier(id) {
		return nil
	}
	return models.NewValidationIssues([]models.Issue{{Path: "conversationId", Message: "must match ^[A-Za-z0-9_-]{1,64}$"}})
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	var in ConversationRef
	if err := decodePayload(data, &in); err != nil {
		return err
	}
	if err := conversationIDIssue(in.ConversationID); err != nil {
		return err
	}
	if _, err := g.convs.EnsureMember(ctx, in.ConversationID, c.UserID); err != nil {
		return err
	}

	room := ConversationRoom(in.ConversationID)
	g.hub.Join(c, room)
	c.TrySend(EncodeFrame(EventConversationJoined, in))
	g.hub.BroadcastRoom(ctx, room, EncodeFrame(EventPresenceUpdate, PresenceUpdate{UserID: c.UserID, Online: true}), nil)
	return nil
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, data json.RawMessage) error {
	var in SendPayload
	if err := decodePayload(data, &in); err != nil {
		return err
	}
	var issues []models.Issue
	if !validation.IsIdentifier(in.ConversationID) {
		issues = append(issues, models.Issue{Path: "conversationId", Message: "must match ^[A-Za-z0-9_-]{1,64}$"})
	}
	if in.Kind == "" {
		in.Kind = models.KindText
	}
	if !in.Kind.Valid() {
		issues = append(issues, models.Issue{Path: "kind", Message: "must be one of TEXT, IMAGE, VIDEO, FILE, AUDIO"})
	}
	if len(in.Content) == 0 || string(in.Content) == "null" {
		issues = append(issues, models.Issue{Path: "content", Message: "is required"})
	}
	if len(issues) > 0 {
		return models.NewValidationIssues(issues)
	}

	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, c.UserID)
		if err != nil {
			g.logger.LogError(ctx, c.UserID, "", err, "rate_limit")
		} else if !allowed {
			observability.RateLimitRejections.WithLabelValues("message_send").Inc()
			return models.NewRateLimitedError("Too many messages, slow down")
		}
	}

	view, err := g.msgs.Send(ctx, service.SendMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       c.UserID,
		Kind:           in.Kind,
		Content:        in.Content,
	})
	if err != nil {
		return err
	}

	frame := EncodeFrame(EventMessageNew, view)
	g.hub.BroadcastRoom(ctx, ConversationRoom(in.ConversationID), frame, c)
	c.TrySend(frame)
	c.TrySend(EncodeFrame(EventMessageAck, MessageAck{MessageID: view.ID}))
	return nil
}

func (g *Gateway) handleTyping(ctx context.Context, c *Client, data json.RawMessage) error {
	var in TypingPayload
	if err := decodePayload(data, &in); err != nil {
		return err
	}
	if err := conversationIDIssue(in.ConversationID); err != nil {
		return err
	}
	if _, err := g.convs.EnsureMember(ctx, in.ConversationID, c.UserID); err != nil {
		return err
	}
	if g.throttle != nil && !g.throttle.Allow(ctx, c.UserID, in.ConversationID) {
		observability.TypingDrops.Inc()
		return nil
	}

	name := c.UserID
	if g.names != nil {
		name = g.names.Get(ctx, c.UserID)
	}
	g.hub.BroadcastRoom(ctx, ConversationRoom(in.ConversationID), EncodeFrame(EventTyping, TypingBroadcast{
		ConversationID: in.ConversationID,
		UserID:         c.UserID,
		UserName:       name,
		On:             in.On,
	}), c)
	return nil
}

func (g *Gateway) handleRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var in ReadPayload
	if err := decodePayload(data, &in); err != nil {
		return err
	}
	if err := conversationIDIssue(in.ConversationID); err != nil {
		return err
	}
	var at *time.Time
	if in.At != "" {
		parsed, err := time.Parse(time.RFC3339Nano, in.At)
		if err != nil {
			return models.NewValidationIssues([]models.Issue{{Path: "at", Message: "must be an RFC3339 timestamp"}})
		}
		at = &parsed
	}

	if _, err := g.msgs.MarkRead(ctx, in.ConversationID, c.UserID, at); err != nil {
		return err
	}
	res, err := g.convs.MarkRead(ctx, in.ConversationID, c.UserID, at)
	if err != nil {
		return err
	}
	g.PublishRead(ctx, in.ConversationID, c.UserID, res.LastReadAt, c)
	return nil
}

// PublishMessage fans a message sent outside the gateway out to its room.
func (g *Gateway) PublishMessage(ctx context.Context, view *models.MessageView) {
	g.hub.BroadcastRoom(ctx, ConversationRoom(view.ConversationID), EncodeFrame(EventMessageNew, view), nil)
}

// PublishDeleted announces a soft-deleted message to its room.
func (g *Gateway) PublishDeleted(ctx context.Context, conversationID, messageID string) {
	g.hub.BroadcastRoom(ctx, ConversationRoom(conversationID), EncodeFrame(EventMessageDeleted, MessageDeleted{
		ConversationID: conversationID,
		MessageID:      messageID,
	}), nil)
}

// PublishRead announces a read cursor to the whole room. A reader that has
// not joined the room still receives its own receipt.
func (g *Gateway) PublishRead(ctx context.Context, conversationID, userID string, at time.Time, reader *Client) {
	room := ConversationRoom(conversationID)
	frame := EncodeFrame(EventMessageRead, ReadReceipt{ConversationID: conversationID, UserID: userID, At: at})
	g.hub.BroadcastRoom(ctx, room, frame, nil)
	if reader != nil && !g.hub.InRoom(reader, room) {
		reader.TrySend(frame)
	}
}
