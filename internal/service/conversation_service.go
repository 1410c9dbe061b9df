// Package service provides the messaging business logic: conversations,
// the message log, and calls.
package service

import (
	"context"
	"time"

	"lectern/internal/database"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/repository"
	"lectern/internal/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultConversationTake = 20
	maxConversationTake     = 100
)

// ConversationService provides conversation and membership business logic.
type ConversationService struct {
	convs  repository.ConversationRepository
	msgs   repository.MessageRepository
	users  repository.UserRepository
	blocks repository.BlockRepository
	now    func() time.Time
}

// CreateGroupInput is the input for creating a group conversation.
type CreateGroupInput struct {
	CreatorID string
	Title     string
	MemberIDs []string
	Avatar    string
}

// ListConversationsInput filters a user's conversation listing.
type ListConversationsInput struct {
	Take       int
	Skip       int
	UnreadOnly bool
	Since      *time.Time
	Until      *time.Time
}

// NewConversationService returns a new ConversationService.
func NewConversationService(
	convs repository.ConversationRepository,
	msgs repository.MessageRepository,
	users repository.UserRepository,
	blocks repository.BlockRepository,
) *ConversationService {
	return &ConversationService{
		convs:  convs,
		msgs:   msgs,
		users:  users,
		blocks: blocks,
		now:    database.Now,
	}
}

// SetClock replaces the time source.
func (s *ConversationService) SetClock(now func() time.Time) {
	s.now = now
}

// EnsureMember returns the caller's membership or FORBIDDEN_NOT_MEMBER.
func (s *ConversationService) EnsureMember(ctx context.Context, conversationID, userID string) (*models.Membership, error) {
	m, err := s.convs.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, models.NewForbiddenError(models.CodeForbiddenNotMember, "Not a member of this conversation")
	}
	return m, nil
}

// RequireAdmin returns the caller's membership if it is an ADMIN.
func (s *ConversationService) RequireAdmin(ctx context.Context, conversationID, userID string) (*models.Membership, error) {
	m, err := s.EnsureMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if m.Role != models.RoleAdmin {
		return nil, models.NewForbiddenError(models.CodeForbiddenNotAdmin, "Admin role required")
	}
	return m, nil
}

// CreateDirect returns the DM between the two users, creating it on first use.
func (s *ConversationService) CreateDirect(ctx context.Context, userID, peerID string) (*models.Conversation, error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.CreateDirect")
	defer span.End()

	if err := validation.ValidateIdentifier("userId", peerID); err != nil {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "userId", Message: err.Error()}})
	}
	if peerID == userID {
		return nil, models.NewValidationError("Cannot start a conversation with yourself")
	}
	exists, err := s.users.Exists(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.NewNotFoundError("User", peerID)
	}
	blocked, err := s.blocks.IsBlockedEither(ctx, userID, peerID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, models.NewForbiddenError(models.CodeForbiddenBlocked, "Cannot start a conversation with this user")
	}

	key := models.DMKey(userID, peerID)
	existing, err := s.convs.FindByDMKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Type:      models.ConversationDM,
		DMKey:     &key,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	members := []models.Membership{
		{ConversationID: conv.ID, UserID: userID, Role: models.RoleMember, LastReadAt: now, JoinedAt: now},
		{ConversationID: conv.ID, UserID: peerID, Role: models.RoleMember, LastReadAt: now, JoinedAt: now},
	}
	if err := s.convs.Create(ctx, conv, members); err != nil {
		if repository.IsUniqueViolation(err) {
			// Lost the race to a concurrent create of the same pair.
			winner, ferr := s.convs.FindByDMKey(ctx, key)
			if ferr != nil {
				return nil, ferr
			}
			if winner != nil {
				return winner, nil
			}
		}
		span.SetError(err)
		return nil, err
	}
	return conv, nil
}

// CreateGroup creates a group with the creator as ADMIN.
func (s *ConversationService) CreateGroup(ctx context.Context, in CreateGroupInput) (*models.Conversation, error) {
	span, ctx := observability.NewSpan(ctx, "ConversationService.CreateGroup")
	defer span.End()

	title, err := validation.ValidateTitle(in.Title)
	if err != nil {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "title", Message: err.Error()}})
	}

	memberIDs, err := dedupeIDs("memberIds", in.MemberIDs, in.CreatorID)
	if err != nil {
		return nil, err
	}
	if err := s.requireUsers(ctx, memberIDs); err != nil {
		return nil, err
	}

	now := s.now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Type:      models.ConversationGroup,
		Title:     title,
		Avatar:    in.Avatar,
		CreatedBy: in.CreatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	members := make([]models.Membership, 0, len(memberIDs)+1)
	members = append(members, models.Membership{
		ConversationID: conv.ID, UserID: in.CreatorID, Role: models.RoleAdmin, LastReadAt: now, JoinedAt: now,
	})
	for _, id := range memberIDs {
		members = append(members, models.Membership{
			ConversationID: conv.ID, UserID: id, Role: models.RoleMember, LastReadAt: now, JoinedAt: now,
		})
	}
	if err := s.convs.Create(ctx, conv, members); err != nil {
		span.SetError(err)
		return nil, err
	}
	span.AddAttributes(attribute.Int("members", len(members)))
	return conv, nil
}

// Get returns a conversation with its members.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	if _, err := s.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convs.GetWithMembers(ctx, conversationID)
}

// ListForUser returns the caller's non-archived conversations, most
// recently active first.
func (s *ConversationService) ListForUser(ctx context.Context, userID string, in ListConversationsInput) ([]models.ConversationSummary, error) {
	take := in.Take
	if take <= 0 {
		take = defaultConversationTake
	}
	if take > maxConversationTake {
		take = maxConversationTake
	}
	return s.convs.ListForUser(ctx, userID, repository.ListOptions{
		Limit:      take,
		Offset:     max(in.Skip, 0),
		UnreadOnly: in.UnreadOnly,
		Since:      in.Since,
		Until:      in.Until,
	})
}

// UnreadFor counts other senders' live messages above the caller's floor.
func (s *ConversationService) UnreadFor(ctx context.Context, conversationID, userID string) (*models.UnreadCount, error) {
	m, err := s.EnsureMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	n, err := s.msgs.CountUnread(ctx, conversationID, userID, m.UnreadFloor())
	if err != nil {
		return nil, err
	}
	return &models.UnreadCount{ConversationID: conversationID, Unread: n}, nil
}

// MarkRead advances the caller's read cursor. Without at it reads up to
// the newest live message. The cursor never moves backward.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID string, at *time.Time) (*models.ReadResult, error) {
	if _, err := s.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	now := s.now()
	target := now
	if at != nil {
		target = at.UTC()
		if target.After(now) {
			target = now
		}
	} else {
		latest, err := s.msgs.LatestAt(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			target = *latest
		}
	}

	if err := s.convs.AdvanceLastRead(ctx, conversationID, userID, target); err != nil {
		return nil, err
	}
	m, err := s.EnsureMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	n, err := s.msgs.CountUnread(ctx, conversationID, userID, m.UnreadFloor())
	if err != nil {
		return nil, err
	}
	return &models.ReadResult{ConversationID: conversationID, LastReadAt: m.LastReadAt, Unread: n}, nil
}

// AddMembers adds users to a group. Ids that are already members are skipped.
func (s *ConversationService) AddMembers(ctx context.Context, conversationID, actorID string, userIDs []string) (*models.AddMembersResult, error) {
	if _, err := s.RequireAdmin(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != models.ConversationGroup {
		return nil, models.NewValidationError("Members can only be added to group conversations")
	}

	ids, err := dedupeIDs("userIds", userIDs, "")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "userIds", Message: "at least one user id is required"}})
	}

	current, err := s.convs.ListMemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(current))
	for _, id := range current {
		existing[id] = struct{}{}
	}
	var novel []string
	for _, id := range ids {
		if _, ok := existing[id]; !ok {
			novel = append(novel, id)
		}
	}
	if len(novel) == 0 {
		return &models.AddMembersResult{OK: false, Message: "All members already exist"}, nil
	}
	if err := s.requireUsers(ctx, novel); err != nil {
		return nil, err
	}

	now := s.now()
	rows := make([]models.Membership, 0, len(novel))
	for _, id := range novel {
		rows = append(rows, models.Membership{
			ConversationID: conversationID, UserID: id, Role: models.RoleMember, LastReadAt: now, JoinedAt: now,
		})
	}
	if err := s.convs.AddMembers(ctx, rows); err != nil {
		return nil, err
	}
	return &models.AddMembersResult{OK: true, Added: novel}, nil
}

// RemoveMember removes a member. Admins may remove anyone and members may
// remove themselves, but a group never loses its last admin while others
// remain.
func (s *ConversationService) RemoveMember(ctx context.Context, conversationID, actorID, userID string) error {
	actor, err := s.EnsureMember(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if actorID != userID && actor.Role != models.RoleAdmin {
		return models.NewForbiddenError(models.CodeForbiddenNotAdmin, "Admin role required")
	}
	target, err := s.convs.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if target == nil {
		return models.NewNotFoundError("Member", userID)
	}

	if target.Role == models.RoleAdmin {
		admins, err := s.convs.CountByRole(ctx, conversationID, models.RoleAdmin)
		if err != nil {
			return err
		}
		total, err := s.convs.CountMembers(ctx, conversationID)
		if err != nil {
			return err
		}
		if admins <= 1 && total > 1 {
			return models.NewConflictError("Promote another admin before removing the last one")
		}
	}
	return s.convs.RemoveMember(ctx, conversationID, userID)
}

// SetRole changes a member's role.
func (s *ConversationService) SetRole(ctx context.Context, conversationID, actorID, userID string, role models.Role) error {
	if !role.Valid() {
		return models.NewValidationIssues([]models.Issue{{Path: "role", Message: "must be ADMIN or MEMBER"}})
	}
	if _, err := s.RequireAdmin(ctx, conversationID, actorID); err != nil {
		return err
	}
	target, err := s.convs.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if target == nil {
		return models.NewNotFoundError("Member", userID)
	}
	if target.Role == role {
		return nil
	}
	if target.Role == models.RoleAdmin {
		admins, err := s.convs.CountByRole(ctx, conversationID, models.RoleAdmin)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return models.NewConflictError("A conversation needs at least one admin")
		}
	}
	return s.convs.SetRole(ctx, conversationID, userID, role)
}

// ClearForUser hides history up to upTo (default now) for the caller only.
func (s *ConversationService) ClearForUser(ctx context.Context, conversationID, userID string, upTo *time.Time) (*models.Membership, error) {
	if _, err := s.EnsureMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	target := s.now()
	if upTo != nil && upTo.UTC().Before(target) {
		target = upTo.UTC()
	}
	if err := s.convs.AdvanceCleared(ctx, conversationID, userID, target); err != nil {
		return nil, err
	}
	return s.convs.GetMembership(ctx, conversationID, userID)
}

// Archive hides the conversation from the caller's listing.
func (s *ConversationService) Archive(ctx context.Context, conversationID, userID string) error {
	if _, err := s.EnsureMember(ctx, conversationID, userID); err != nil {
		return err
	}
	now := s.now()
	return s.convs.SetArchived(ctx, conversationID, userID, &now)
}

// Unarchive restores the conversation to the caller's listing.
func (s *ConversationService) Unarchive(ctx context.Context, conversationID, userID string) error {
	if _, err := s.EnsureMember(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.convs.SetArchived(ctx, conversationID, userID, nil)
}

// Members returns the conversation's memberships with their users.
func (s *ConversationService) Members(ctx context.Context, conversationID string) ([]models.Membership, error) {
	return s.convs.ListMemberships(ctx, conversationID)
}

func (s *ConversationService) requireUsers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[string]struct{}, len(users))
	for _, u := range users {
		found[u.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return models.NewNotFoundError("User", id)
		}
	}
	return nil
}

// dedupeIDs validates ids, drops duplicates and the excluded id, and keeps
// first-seen order.
func dedupeIDs(field string, ids []string, exclude string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	var issues []models.Issue
	for _, id := range ids {
		if err := validation.ValidateIdentifier(field, id); err != nil {
			issues = append(issues, models.Issue{Path: field, Message: err.Error()})
			continue
		}
		if id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(issues) > 0 {
		return nil, models.NewValidationIssues(issues)
	}
	return out, nil
}
