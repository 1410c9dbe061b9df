package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"lectern/internal/database"
	"lectern/internal/featureflags"
	"lectern/internal/models"
	"lectern/internal/repository"
	"lectern/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testEnv struct {
	db     *gorm.DB
	clock  *testClock
	convs  repository.ConversationRepository
	msgs   repository.MessageRepository
	users  repository.UserRepository
	blocks repository.BlockRepository
	calls  repository.CallRepository

	conversations *ConversationService
	messages      *MessageService
}

func newTestEnv(t *testing.T, store storage.Storage, flags *featureflags.Manager) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)

	env := &testEnv{
		db:     db,
		clock:  newTestClock(),
		convs:  repository.NewConversationRepository(db),
		msgs:   repository.NewMessageRepository(db),
		users:  repository.NewUserRepository(db),
		blocks: repository.NewBlockRepository(db),
		calls:  repository.NewCallRepository(db),
	}
	env.conversations = NewConversationService(env.convs, env.msgs, env.users, env.blocks)
	env.conversations.SetClock(env.clock.Now)
	env.messages = NewMessageService(env.conversations, env.convs, env.msgs, env.blocks, store, flags, 1<<20)
	env.messages.SetClock(env.clock.Now)
	return env
}

func (e *testEnv) seedUsers(t *testing.T, names map[string]string) {
	t.Helper()
	for id, name := range names {
		require.NoError(t, e.users.Create(context.Background(), &models.User{ID: id, DisplayName: name}))
	}
}

func (e *testEnv) sendText(t *testing.T, convID, sender, text string) *models.MessageView {
	t.Helper()
	view, err := e.messages.Send(context.Background(), SendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Kind:           models.KindText,
		Content:        []byte(`{"text":"` + text + `"}`),
	})
	require.NoError(t, err)
	return view
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	appErr := models.AsAppError(err)
	require.NotNil(t, appErr, "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
}
