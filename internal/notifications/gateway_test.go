package notifications

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"lectern/internal/database"
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/repository"
	"lectern/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret-with-32-bytes!!"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type gatewayEnv struct {
	gateway  *Gateway
	hub      *Hub
	presence *Presence
	users    repository.UserRepository
	convs    *service.ConversationService
	msgs     *service.MessageService
	clock    *fakeClock
}

func newGatewayEnv(t *testing.T, limit int) *gatewayEnv {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)

	users := repository.NewUserRepository(db)
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	blocks := repository.NewBlockRepository(db)
	for id, name := range map[string]string{"ana": "Ana Ortiz", "ben": "Ben Okafor", "cy": "Cy Laine"} {
		require.NoError(t, users.Create(context.Background(), &models.User{ID: id, DisplayName: name}))
	}

	convs := service.NewConversationService(convRepo, msgRepo, users, blocks)
	msgs := service.NewMessageService(convs, convRepo, msgRepo, blocks, nil, nil, 0)

	clock := &fakeClock{now: time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)}
	limiter := middleware.NewSlidingWindow(limit, 10*time.Second)
	limiter.SetClock(clock.Now)
	throttle := NewMemoryThrottle(1500 * time.Millisecond)
	throttle.SetClock(clock.Now)

	hub := NewHub(HubConfig{MaxConnsPerUser: 3, MaxTotalConns: 100})
	presence := NewPresence(nil, users, convRepo)
	env := &gatewayEnv{
		hub:      hub,
		presence: presence,
		users:    users,
		convs:    convs,
		msgs:     msgs,
		clock:    clock,
	}
	env.gateway = NewGateway(GatewayOptions{
		Hub:           hub,
		Presence:      presence,
		Verifier:      middleware.NewTokenVerifier(testSecret, "", ""),
		Users:         users,
		Conversations: convs,
		Messages:      msgs,
		Limiter:       limiter,
		Throttle:      throttle,
		Names:         NewNameCache(users, time.Minute),
	})
	return env
}

func (e *gatewayEnv) attach(t *testing.T, userID string) *Client {
	t.Helper()
	c, err := e.gateway.Attach(context.Background(), userID, nil)
	require.NoError(t, err)
	return c
}

func (e *gatewayEnv) send(c *Client, event string, data any) {
	raw, _ := json.Marshal(map[string]any{"event": event, "data": data})
	e.gateway.HandleEvent(context.Background(), c, raw)
}

// drain returns every frame queued for c.
func drain(t *testing.T, c *Client) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case raw, ok := <-c.Send:
			if !ok {
				return out
			}
			var f Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func events(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func find(t *testing.T, frames []Frame, event string, v any) {
	t.Helper()
	for _, f := range frames {
		if f.Event == event {
			require.NoError(t, json.Unmarshal(f.Data, v))
			return
		}
	}
	t.Fatalf("no %s frame in %v", event, events(frames))
}

func mintToken(t *testing.T, sub string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(ttl).Unix(),
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestGateway_Authenticate(t *testing.T) {
	env := newGatewayEnv(t, 30)

	id, err := env.gateway.Authenticate(mintToken(t, "ana", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "ana", id)

	_, err = env.gateway.Authenticate(mintToken(t, "ana", -time.Minute))
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	_, err = env.gateway.Authenticate("")
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))
}

func TestGateway_AttachUnknownUser(t *testing.T) {
	env := newGatewayEnv(t, 30)

	_, err := env.gateway.Attach(context.Background(), "ghost", nil)
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))
	assert.Equal(t, 0, env.hub.TotalConnections())
	assert.False(t, env.presence.IsOnline(context.Background(), "ghost"))
}

func TestGateway_ConnectAnnouncesPresenceOnce(t *testing.T) {
	env := newGatewayEnv(t, 30)
	ctx := context.Background()

	ben := env.attach(t, "ben")
	drain(t, ben)

	ana1 := env.attach(t, "ana")
	frames := drain(t, ana1)
	var ok ConnectionOK
	find(t, frames, EventConnectionOK, &ok)
	assert.Equal(t, "ana", ok.UserID)

	var update PresenceUpdate
	find(t, drain(t, ben), EventPresenceUpdate, &update)
	assert.Equal(t, PresenceUpdate{UserID: "ana", Online: true}, update)

	ana2 := env.attach(t, "ana")
	assert.NotContains(t, events(drain(t, ben)), EventPresenceUpdate)

	env.gateway.Disconnect(ctx, ana1, "test")
	assert.Empty(t, drain(t, ben))
	assert.True(t, env.presence.IsOnline(ctx, "ana"))

	env.gateway.Disconnect(ctx, ana2, "test")
	find(t, drain(t, ben), EventPresenceUpdate, &update)
	assert.Equal(t, PresenceUpdate{UserID: "ana", Online: false}, update)
	assert.False(t, env.presence.IsOnline(ctx, "ana"))

	u, err := env.users.GetByID(ctx, "ana")
	require.NoError(t, err)
	assert.NotNil(t, u.LastSeenAt)

	// A second disconnect of the same client is a no-op.
	env.gateway.Disconnect(ctx, ana2, "test")
	assert.Empty(t, drain(t, ben))
}

func TestGateway_ConnectionCap(t *testing.T) {
	env := newGatewayEnv(t, 30)
	for i := 0; i < 3; i++ {
		env.attach(t, "ana")
	}
	_, err := env.gateway.Attach(context.Background(), "ana", nil)
	assert.True(t, models.IsCode(err, models.CodeRateLimited))
	assert.Equal(t, 3, env.hub.ConnectionCount("ana"))
}

func TestGateway_DirectMessageEndToEnd(t *testing.T) {
	env := newGatewayEnv(t, 30)
	ctx := context.Background()

	conv, err := env.convs.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)

	ana := env.attach(t, "ana")
	ben := env.attach(t, "ben")
	env.send(ana, EventConversationJoin, ConversationRef{ConversationID: conv.ID})
	env.send(ben, EventConversationJoin, ConversationRef{ConversationID: conv.ID})

	var joined ConversationRef
	find(t, drain(t, ana), EventConversationJoined, &joined)
	assert.Equal(t, conv.ID, joined.ConversationID)
	drain(t, ben)

	env.send(ana, EventMessageSend, map[string]any{"conversationId": conv.ID, "content": map[string]string{"text": "hello ben"}})

	var received models.MessageView
	find(t, drain(t, ben), EventMessageNew, &received)
	assert.Equal(t, "ana", received.SenderID)
	assert.Equal(t, models.KindText, received.Kind)
	assert.JSONEq(t, `{"text":"hello ben"}`, string(received.Content))

	senderFrames := drain(t, ana)
	assert.Equal(t, []string{EventMessageNew, EventMessageAck}, events(senderFrames))
	var ack MessageAck
	find(t, senderFrames, EventMessageAck, &ack)
	assert.Equal(t, received.ID, ack.MessageID)

	unread, err := env.convs.UnreadFor(ctx, conv.ID, "ben")
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread.Unread)

	env.send(ben, EventMessageRead, ReadPayload{ConversationID: conv.ID})
	var receipt ReadReceipt
	find(t, drain(t, ana), EventMessageRead, &receipt)
	assert.Equal(t, "ben", receipt.UserID)
	find(t, drain(t, ben), EventMessageRead, &receipt)

	unread, err = env.convs.UnreadFor(ctx, conv.ID, "ben")
	require.NoError(t, err)
	assert.EqualValues(t, 0, unread.Unread)
}

func TestGateway_SendRateLimitBoundary(t *testing.T) {
	env := newGatewayEnv(t, 3)
	ctx := context.Background()
	conv, err := env.convs.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)
	ana := env.attach(t, "ana")
	drain(t, ana)

	sendOne := func() []Frame {
		env.send(ana, EventMessageSend, SendPayload{ConversationID: conv.ID, Content: json.RawMessage(`"hi"`)})
		return drain(t, ana)
	}

	for i := 0; i < 3; i++ {
		assert.Contains(t, events(sendOne()), EventMessageAck)
	}

	var rejected ErrorPayload
	find(t, sendOne(), EventErrorMessage, &rejected)
	assert.Equal(t, models.CodeRateLimited, rejected.Code)

	page, err := env.msgs.List(ctx, conv.ID, "ana", "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)

	env.clock.Advance(10 * time.Second)
	assert.Contains(t, events(sendOne()), EventMessageAck)
}

func TestGateway_SendValidation(t *testing.T) {
	env := newGatewayEnv(t, 30)
	ana := env.attach(t, "ana")
	drain(t, ana)

	env.send(ana, EventMessageSend, map[string]any{"conversationId": "bad id!", "kind": "STICKER"})
	var payload ErrorPayload
	find(t, drain(t, ana), EventErrorMessage, &payload)
	assert.Equal(t, models.CodeValidation, payload.Code)
	paths := []string{}
	for _, issue := range payload.Issues {
		paths = append(paths, issue.Path)
	}
	assert.ElementsMatch(t, []string{"conversationId", "kind", "content"}, paths)

	env.gateway.HandleEvent(context.Background(), ana, []byte(`not json`))
	find(t, drain(t, ana), EventErrorMessage, &payload)
	assert.Equal(t, models.CodeValidation, payload.Code)

	env.send(ana, "conversation:leave", ConversationRef{ConversationID: "x"})
	find(t, drain(t, ana), EventErrorMessage, &payload)
	assert.Equal(t, models.CodeValidation, payload.Code)
}

func TestGateway_JoinRequiresMembership(t *testing.T) {
	env := newGatewayEnv(t, 30)
	conv, err := env.convs.CreateDirect(context.Background(), "ana", "ben")
	require.NoError(t, err)
	cy := env.attach(t, "cy")
	drain(t, cy)

	env.send(cy, EventConversationJoin, ConversationRef{ConversationID: conv.ID})
	var payload ErrorPayload
	find(t, drain(t, cy), EventErrorConversation, &payload)
	assert.Equal(t, models.CodeForbiddenNotMember, payload.Code)
	assert.False(t, env.hub.InRoom(cy, ConversationRoom(conv.ID)))
}

func TestGateway_TypingThrottle(t *testing.T) {
	env := newGatewayEnv(t, 30)
	conv, err := env.convs.CreateDirect(context.Background(), "ana", "ben")
	require.NoError(t, err)
	ana := env.attach(t, "ana")
	ben := env.attach(t, "ben")
	env.send(ana, EventConversationJoin, ConversationRef{ConversationID: conv.ID})
	env.send(ben, EventConversationJoin, ConversationRef{ConversationID: conv.ID})
	drain(t, ana)
	drain(t, ben)

	env.send(ana, EventTyping, TypingPayload{ConversationID: conv.ID, On: true})
	env.send(ana, EventTyping, TypingPayload{ConversationID: conv.ID, On: true})

	frames := drain(t, ben)
	require.Equal(t, []string{EventTyping}, events(frames))
	var typing TypingBroadcast
	find(t, frames, EventTyping, &typing)
	assert.Equal(t, TypingBroadcast{ConversationID: conv.ID, UserID: "ana", UserName: "Ana Ortiz", On: true}, typing)
	assert.Empty(t, drain(t, ana))

	env.clock.Advance(1500 * time.Millisecond)
	env.send(ana, EventTyping, TypingPayload{ConversationID: conv.ID, On: false})
	find(t, drain(t, ben), EventTyping, &typing)
	assert.False(t, typing.On)
}

type panickingLog struct{}

func (panickingLog) Send(context.Context, service.SendMessageInput) (*models.MessageView, error) {
	panic("boom")
}

func (panickingLog) MarkRead(context.Context, string, string, *time.Time) (int64, error) {
	return 0, nil
}

func TestGateway_RecoversHandlerPanic(t *testing.T) {
	env := newGatewayEnv(t, 30)
	conv, err := env.convs.CreateDirect(context.Background(), "ana", "ben")
	require.NoError(t, err)
	env.gateway.msgs = panickingLog{}

	ana := env.attach(t, "ana")
	drain(t, ana)
	env.send(ana, EventMessageSend, SendPayload{ConversationID: conv.ID, Content: json.RawMessage(`"hi"`)})

	var payload ErrorPayload
	find(t, drain(t, ana), EventErrorMessage, &payload)
	assert.Equal(t, models.CodeInternal, payload.Code)
	assert.Equal(t, "Internal server error", payload.Message)
}

func TestGateway_PublishFromRest(t *testing.T) {
	env := newGatewayEnv(t, 30)
	ctx := context.Background()
	conv, err := env.convs.CreateDirect(ctx, "ana", "ben")
	require.NoError(t, err)
	ben := env.attach(t, "ben")
	env.send(ben, EventConversationJoin, ConversationRef{ConversationID: conv.ID})
	drain(t, ben)

	view := &models.MessageView{ID: "m1", ConversationID: conv.ID, SenderID: "ana", Kind: models.KindText, Content: json.RawMessage(`{"text":"x"}`)}
	env.gateway.PublishMessage(ctx, view)
	env.gateway.PublishDeleted(ctx, conv.ID, "m1")

	frames := drain(t, ben)
	assert.Equal(t, []string{EventMessageNew, EventMessageDeleted}, events(frames))
	var deleted MessageDeleted
	find(t, frames, EventMessageDeleted, &deleted)
	assert.Equal(t, MessageDeleted{ConversationID: conv.ID, MessageID: "m1"}, deleted)
}
