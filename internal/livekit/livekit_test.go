package livekit

import (
	"context"
	"errors"
	"testing"
	"time"

	"lectern/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "livekit-secret-that-is-long-enough-000"

func configured() *config.Config {
	return &config.Config{
		LiveKitURL:             "wss://media.example.com",
		LiveKitAPIKey:          "APIkey",
		LiveKitAPISecret:       testSecret,
		LiveKitTokenTTLMinutes: 30,
	}
}

func TestIssueToken_Claims(t *testing.T) {
	p := NewProvider(configured())

	raw, err := p.IssueToken("algebra-1a2b3c4d", "user-1", "Ada")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "APIkey", claims["iss"])
	assert.Equal(t, "Ada", claims["name"])

	video, ok := claims["video"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "algebra-1a2b3c4d", video["room"])
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, true, video["canPublish"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), exp.Time, time.Minute)
}

func TestIssueToken_NotConfigured(t *testing.T) {
	cfg := configured()
	cfg.LiveKitAPISecret = ""
	p := NewProvider(cfg)

	_, err := p.IssueToken("room", "u", "n")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, p.DeleteRoom(context.Background(), "room"), ErrNotConfigured)

	h := p.Health()
	assert.False(t, h.Configured)
	assert.True(t, h.URLConfigured)
	assert.True(t, h.APIKeyConfigured)
	assert.False(t, h.APISecretConfigured)
}

type fakeRooms struct {
	deleted []string
	err     error
}

func (f *fakeRooms) DeleteRoom(_ context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error) {
	f.deleted = append(f.deleted, req.Room)
	return &livekit.DeleteRoomResponse{}, f.err
}

func TestDeleteRoom(t *testing.T) {
	p := NewProvider(configured())
	rooms := &fakeRooms{}
	p.rooms = rooms

	require.NoError(t, p.DeleteRoom(context.Background(), "r1"))
	assert.Equal(t, []string{"r1"}, rooms.deleted)

	rooms.err = errors.New("twirp error")
	assert.Error(t, p.DeleteRoom(context.Background(), "r2"))
}
