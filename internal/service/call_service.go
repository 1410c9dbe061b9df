package service

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/database"
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const maxRoomSlugLength = 40

// CallProvider is the external media-session capability.
type CallProvider interface {
	Configured() bool
	URL() string
	IssueToken(room, identity, name string) (string, error)
	DeleteRoom(ctx context.Context, room string) error
	Health() models.CallHealth
}

// CallService drives the per-conversation call lifecycle.
type CallService struct {
	members  MembershipChecker
	convs    repository.ConversationRepository
	users    repository.UserRepository
	calls    repository.CallRepository
	provider CallProvider
	now      func() time.Time
}

// NewCallService returns a new CallService.
func NewCallService(
	members MembershipChecker,
	convs repository.ConversationRepository,
	users repository.UserRepository,
	calls repository.CallRepository,
	provider CallProvider,
) *CallService {
	return &CallService{
		members:  members,
		convs:    convs,
		users:    users,
		calls:    calls,
		provider: provider,
		now:      database.Now,
	}
}

// SetClock replaces the time source.
func (s *CallService) SetClock(now func() time.Time) {
	s.now = now
}

// Active returns the conversation's active session, or nil.
func (s *CallService) Active(ctx context.Context, conversationID, userID string) (*models.CallSession, error) {
	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.calls.GetActive(ctx, conversationID)
}

// Start opens a call, or returns the one already active.
func (s *CallService) Start(ctx context.Context, conversationID, userID string, kind models.CallKind) (*models.CallStartResult, error) {
	span, ctx := observability.NewSpan(ctx, "CallService.Start")
	defer span.End()

	if kind == "" {
		kind = models.CallVideo
	}
	if !kind.Valid() {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "kind", Message: "must be AUDIO or VIDEO"}})
	}
	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	active, err := s.calls.GetActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &models.CallStartResult{Session: active, AlreadyActive: true}, nil
	}

	room, err := s.roomName(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	session := &models.CallSession{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           kind,
		RoomName:       room,
		StartedBy:      userID,
		StartedAt:      s.now(),
	}
	if err := s.calls.Create(ctx, session); err != nil {
		if repository.IsUniqueViolation(err) {
			winner, gerr := s.calls.GetActive(ctx, conversationID)
			if gerr != nil {
				return nil, gerr
			}
			if winner != nil {
				return &models.CallStartResult{Session: winner, AlreadyActive: true}, nil
			}
		}
		span.SetError(err)
		return nil, err
	}

	observability.CallsActive.Inc()
	observability.CallEvents.WithLabelValues("start").Inc()
	return &models.CallStartResult{Session: session}, nil
}

// Join adds the caller to the active call.
func (s *CallService) Join(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	session, err := s.calls.GetActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, &models.AppError{Code: models.CodeNotFound, Message: "No active call"}
	}
	return s.join(ctx, session, userID)
}

func (s *CallService) join(ctx context.Context, session *models.CallSession, userID string) (*models.CallActionResult, error) {
	p := &models.CallParticipant{
		CallID:     session.ID,
		UserID:     userID,
		Microphone: true,
		Camera:     session.Kind == models.CallVideo,
		JoinedAt:   s.now(),
	}
	if err := s.calls.UpsertParticipant(ctx, p); err != nil {
		return nil, err
	}
	observability.CallEvents.WithLabelValues("join").Inc()
	return &models.CallActionResult{OK: true, Participant: p, Session: session}, nil
}

// Leave removes the caller from the active call.
func (s *CallService) Leave(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	session, err := s.calls.GetActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &models.CallActionResult{OK: true, AlreadyEnded: true}, nil
	}
	if err := s.calls.DeleteParticipant(ctx, session.ID, userID); err != nil {
		return nil, err
	}
	observability.CallEvents.WithLabelValues("leave").Inc()
	return &models.CallActionResult{OK: true, Session: session}, nil
}

// Mute turns the caller's microphone off.
func (s *CallService) Mute(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	return s.setMedia(ctx, conversationID, userID, "microphone", false)
}

// Unmute turns the caller's microphone on.
func (s *CallService) Unmute(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	return s.setMedia(ctx, conversationID, userID, "microphone", true)
}

// CameraOff turns the caller's camera off.
func (s *CallService) CameraOff(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	return s.setMedia(ctx, conversationID, userID, "camera", false)
}

// CameraOn turns the caller's camera on.
func (s *CallService) CameraOn(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	return s.setMedia(ctx, conversationID, userID, "camera", true)
}

func (s *CallService) setMedia(ctx context.Context, conversationID, userID, column string, value bool) (*models.CallActionResult, error) {
	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	session, err := s.calls.GetActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &models.CallActionResult{OK: true, NoActiveCall: true}, nil
	}
	p, err := s.calls.UpdateParticipant(ctx, session.ID, userID, column, value)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &models.CallActionResult{OK: true, NotJoined: true, Session: session}, nil
	}
	return &models.CallActionResult{OK: true, Participant: p, Session: session}, nil
}

// End closes the active call and releases the media room.
func (s *CallService) End(ctx context.Context, conversationID, userID string) (*models.CallActionResult, error) {
	span, ctx := observability.NewSpan(ctx, "CallService.End")
	defer span.End()

	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	session, err := s.calls.GetActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &models.CallActionResult{OK: true, AlreadyEnded: true}, nil
	}

	endedAt := s.now()
	ended, err := s.calls.End(ctx, session.ID, endedAt)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if !ended {
		return &models.CallActionResult{OK: true, AlreadyEnded: true}, nil
	}
	session.EndedAt = &endedAt
	session.Participants = nil

	observability.CallsActive.Dec()
	observability.CallEvents.WithLabelValues("end").Inc()
	s.releaseRoom(ctx, session.RoomName)
	return &models.CallActionResult{OK: true, Session: session}, nil
}

func (s *CallService) releaseRoom(ctx context.Context, room string) {
	if s.provider == nil || !s.provider.Configured() || room == "" {
		return
	}
	if err := s.provider.DeleteRoom(ctx, room); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to delete media room",
			slog.String("room", room),
			slog.String("error", err.Error()),
		)
	}
}

// IssueToken returns a media-room credential for the caller, starting a
// VIDEO call and joining the caller as needed.
func (s *CallService) IssueToken(ctx context.Context, conversationID, userID string) (*models.CallToken, error) {
	span, ctx := observability.NewSpan(ctx, "CallService.IssueToken")
	defer span.End()

	if _, err := s.members.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if s.provider == nil || !s.provider.Configured() {
		return nil, models.NewUnavailableError("Calls are not configured", nil)
	}

	session, err := s.calls.GetActive(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		started, err := s.Start(ctx, conversationID, userID, models.CallVideo)
		if err != nil {
			return nil, err
		}
		session = started.Session
	}

	joined, err := s.calls.GetParticipant(ctx, session.ID, userID)
	if err != nil {
		return nil, err
	}
	if joined == nil {
		if _, err := s.join(ctx, session, userID); err != nil {
			return nil, err
		}
	}

	name := userID
	if u, err := s.users.GetByID(ctx, userID); err == nil && u.DisplayName != "" {
		name = u.DisplayName
	}
	token, err := s.provider.IssueToken(session.RoomName, userID, name)
	if err != nil {
		span.SetError(err)
		return nil, models.NewUnavailableError("Failed to issue call token", err)
	}
	return &models.CallToken{
		Token:              token,
		RoomName:           session.RoomName,
		URL:                s.provider.URL(),
		AudioOnlySuggested: session.Kind == models.CallAudio,
	}, nil
}

// Health reports the provider's configuration.
func (s *CallService) Health() models.CallHealth {
	if s.provider == nil {
		return models.CallHealth{}
	}
	return s.provider.Health()
}

func (s *CallService) roomName(ctx context.Context, conversationID string) (string, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return "", err
	}
	label := conv.Title
	if label == "" {
		members, err := s.convs.ListMemberships(ctx, conversationID)
		if err != nil {
			return "", err
		}
		var names []string
		for _, m := range members {
			if m.User != nil && m.User.DisplayName != "" {
				names = append(names, m.User.DisplayName)
			}
			if len(names) == 2 {
				break
			}
		}
		label = strings.Join(names, " ")
	}
	return RoomName(label, conversationID), nil
}

// RoomName derives a stable, human-readable media room name from a label
// and the conversation id.
func RoomName(label, conversationID string) string {
	sum := blake2b.Sum256([]byte(conversationID))
	return Slug(label) + "-" + hex.EncodeToString(sum[:])[:8]
}

// Slug lowercases label to ASCII letters and digits joined by single
// hyphens, at most 40 characters. An empty result becomes "call".
func Slug(label string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	out := b.String()
	if len(out) > maxRoomSlugLength {
		out = strings.TrimRight(out[:maxRoomSlugLength], "-")
	}
	if out == "" {
		return "call"
	}
	return out
}
