// Package livekit issues LiveKit access tokens and manages call rooms.
package livekit

import (
	"context"
	"errors"
	"time"

	"lectern/internal/config"
	"lectern/internal/models"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// ErrNotConfigured is returned when LIVEKIT_* settings are missing.
var ErrNotConfigured = errors.New("livekit is not configured")

type roomService interface {
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// Provider is the media-session capability backing calls.
type Provider struct {
	url       string
	apiKey    string
	apiSecret string
	ttl       time.Duration
	rooms     roomService
}

// NewProvider builds a provider from config. A partially configured
// provider reports itself unconfigured rather than failing startup.
func NewProvider(cfg *config.Config) *Provider {
	p := &Provider{
		url:       cfg.LiveKitURL,
		apiKey:    cfg.LiveKitAPIKey,
		apiSecret: cfg.LiveKitAPISecret,
		ttl:       cfg.LiveKitTokenTTL(),
	}
	if p.ttl <= 0 {
		p.ttl = time.Hour
	}
	if p.Configured() {
		p.rooms = lksdk.NewRoomServiceClient(p.url, p.apiKey, p.apiSecret)
	}
	return p
}

// Configured reports whether URL, key and secret are all present.
func (p *Provider) Configured() bool {
	return p.url != "" && p.apiKey != "" && p.apiSecret != ""
}

// URL is the address clients connect to.
func (p *Provider) URL() string {
	return p.url
}

// IssueToken creates an access token allowing identity to join room.
func (p *Provider) IssueToken(room, identity, name string) (string, error) {
	if !p.Configured() {
		return "", ErrNotConfigured
	}

	canPublish := true
	canSubscribe := true
	canPublishData := true

	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	at := auth.NewAccessToken(p.apiKey, p.apiSecret)
	at.AddGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(p.ttl)

	return at.ToJWT()
}

// DeleteRoom closes the room on the media server.
func (p *Provider) DeleteRoom(ctx context.Context, room string) error {
	if p.rooms == nil {
		return ErrNotConfigured
	}
	_, err := p.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room})
	return err
}

// Health reports configuration without contacting the server.
func (p *Provider) Health() models.CallHealth {
	return models.CallHealth{
		Configured:          p.Configured(),
		URLConfigured:       p.url != "",
		APIKeyConfigured:    p.apiKey != "",
		APISecretConfigured: p.apiSecret != "",
	}
}
