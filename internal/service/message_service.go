package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"
	"time"

	"lectern/internal/database"
	"lectern/internal/featureflags"
	"lectern/internal/middleware"
	"lectern/internal/models"
	"lectern/internal/observability"
	"lectern/internal/repository"
	"lectern/internal/storage"
	"lectern/internal/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultMessageTake = 50
	maxMessageTake     = 100
	defaultSearchTake  = 20
)

// MembershipChecker is the slice of the conversation directory the message
// log depends on.
type MembershipChecker interface {
	EnsureMember(ctx context.Context, conversationID, userID string) (*models.Membership, error)
}

// Attachment is an uploaded file to store alongside a message.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Kind           models.MessageKind
	Content        json.RawMessage
	File           *Attachment
}

// SearchInput is the input for a message search.
type SearchInput struct {
	UserID         string
	Query          string
	ConversationID string
	Take           int
	Skip           int
}

// MessageService provides the message log business logic.
type MessageService struct {
	members   MembershipChecker
	convs     repository.ConversationRepository
	msgs      repository.MessageRepository
	blocks    repository.BlockRepository
	store     storage.Storage
	flags     *featureflags.Manager
	maxUpload int64
	now       func() time.Time
}

// NewMessageService returns a new MessageService. store may be nil, in
// which case attachments are rejected.
func NewMessageService(
	members MembershipChecker,
	convs repository.ConversationRepository,
	msgs repository.MessageRepository,
	blocks repository.BlockRepository,
	store storage.Storage,
	flags *featureflags.Manager,
	maxUpload int64,
) *MessageService {
	return &MessageService{
		members:   members,
		convs:     convs,
		msgs:      msgs,
		blocks:    blocks,
		store:     store,
		flags:     flags,
		maxUpload: maxUpload,
		now:       database.Now,
	}
}

// SetClock replaces the time source.
func (s *MessageService) SetClock(now func() time.Time) {
	s.now = now
}

// List returns one ascending page of messages above the caller's clear
// floor, starting strictly after cursor.
func (s *MessageService) List(ctx context.Context, conversationID, userID, cursor string, take int) (*models.MessagePage, error) {
	return s.list(ctx, conversationID, userID, cursor, take, nil, false)
}

// ListMedia pages through IMAGE and VIDEO messages.
func (s *MessageService) ListMedia(ctx context.Context, conversationID, userID, cursor string, take int) (*models.MessagePage, error) {
	return s.list(ctx, conversationID, userID, cursor, take, []models.MessageKind{models.KindImage, models.KindVideo}, true)
}

// ListFiles pages through FILE messages.
func (s *MessageService) ListFiles(ctx context.Context, conversationID, userID, cursor string, take int) (*models.MessagePage, error) {
	return s.list(ctx, conversationID, userID, cursor, take, []models.MessageKind{models.KindFile}, true)
}

func (s *MessageService) list(ctx context.Context, conversationID, userID, cursor string, take int, kinds []models.MessageKind, liveOnly bool) (*models.MessagePage, error) {
	m, err := s.members.EnsureMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if take <= 0 {
		take = defaultMessageTake
	}
	if take > maxMessageTake {
		take = maxMessageTake
	}

	q := repository.MessageQuery{
		ConversationID: conversationID,
		Floor:          m.Floor(),
		Kinds:          kinds,
		ExcludeDeleted: liveOnly,
		Limit:          take,
	}
	if cursor != "" {
		after, err := s.msgs.GetByID(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if after == nil || after.ConversationID != conversationID {
			return nil, models.NewValidationIssues([]models.Issue{{Path: "cursor", Message: "unknown cursor"}})
		}
		q.After = after
	}

	rows, err := s.msgs.List(ctx, q)
	if err != nil {
		return nil, err
	}
	page := &models.MessagePage{Items: make([]models.MessageView, 0, len(rows))}
	for i := range rows {
		page.Items = append(page.Items, rows[i].View())
	}
	if len(rows) == take {
		next := rows[len(rows)-1].ID
		page.NextCursor = &next
	}
	return page, nil
}

// Send validates, stores and returns a new message.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*models.MessageView, error) {
	span, ctx := observability.NewSpan(ctx, "MessageService.Send")
	defer span.End()

	if _, err := s.members.EnsureMember(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}
	if err := s.checkBlocked(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}

	kind := in.Kind
	if kind == "" {
		kind = models.KindText
		if in.File != nil {
			kind = models.KindForMIME(in.File.MIME)
		}
	}
	if in.File != nil && kind == models.KindText {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "kind", Message: "attachments need a media kind"}})
	}

	content, issues := models.DecodeContent(kind, in.Content, in.File != nil)
	if len(issues) > 0 {
		return nil, models.NewValidationIssues(issues)
	}

	id := uuid.NewString()
	var uploaded []string
	if in.File != nil {
		keys, err := s.upload(ctx, in, id, &content)
		if err != nil {
			span.SetError(err)
			return nil, err
		}
		uploaded = keys
	}

	encoded, err := content.Encode()
	if err != nil {
		s.cleanup(uploaded)
		return nil, models.NewInternalError(err)
	}
	msg := &models.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Kind:           kind,
		Content:        encoded,
		Body:           content.SearchBody(),
		CreatedAt:      s.now(),
	}
	if err := s.msgs.Create(ctx, msg); err != nil {
		s.cleanup(uploaded)
		span.SetError(err)
		return nil, err
	}

	observability.MessagesPersisted.WithLabelValues(string(kind)).Inc()
	span.AddAttributes(attribute.String("kind", string(kind)))
	view := msg.View()
	return &view, nil
}

func (s *MessageService) checkBlocked(ctx context.Context, conversationID, senderID string) error {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != models.ConversationDM {
		return nil
	}
	ids, err := s.convs.ListMemberIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, other := range ids {
		if other == senderID {
			continue
		}
		blocked, err := s.blocks.IsBlockedEither(ctx, senderID, other)
		if err != nil {
			return err
		}
		if blocked {
			return models.NewForbiddenError(models.CodeForbiddenBlocked, "Messaging is blocked between these users")
		}
	}
	return nil
}

// upload stores the attachment (and a thumbnail for images) and folds the
// results into content. It returns the keys written.
func (s *MessageService) upload(ctx context.Context, in SendMessageInput, messageID string, content *models.MessageContent) ([]string, error) {
	if s.store == nil {
		return nil, models.NewUnavailableError("Attachment storage is not configured", nil)
	}
	size := int64(len(in.File.Data))
	if s.maxUpload > 0 && size > s.maxUpload {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "file", Message: "file is too large"}})
	}

	name := safeFileName(in.File.Name)
	mime := in.File.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	key := path.Join("messages", in.ConversationID, messageID, name)
	url, err := s.store.Put(ctx, key, bytes.NewReader(in.File.Data), size, mime)
	if err != nil {
		return nil, models.NewUnavailableError("Failed to store attachment", err)
	}
	keys := []string{key}

	media := content.Media
	if media == nil {
		media = &models.MediaContent{}
		content.Media = media
	}
	media.URL = url
	media.Size = size
	media.MIME = mime
	if strings.TrimSpace(media.Name) == "" {
		media.Name = name
	}

	if content.Kind == models.KindImage && s.flags.Enabled(featureflags.ImageThumbnails, in.SenderID) {
		thumb, err := storage.Thumbnail(in.File.Data)
		if err != nil {
			middleware.Logger.WarnContext(ctx, "thumbnail generation failed", slog.String("key", key), slog.String("error", err.Error()))
			return keys, nil
		}
		thumbKey := path.Join("messages", in.ConversationID, messageID, "thumb.webp")
		thumbURL, err := s.store.Put(ctx, thumbKey, bytes.NewReader(thumb), int64(len(thumb)), "image/webp")
		if err != nil {
			middleware.Logger.WarnContext(ctx, "thumbnail upload failed", slog.String("key", thumbKey), slog.String("error", err.Error()))
			return keys, nil
		}
		media.ThumbnailURL = thumbURL
		keys = append(keys, thumbKey)
	}
	return keys, nil
}

func (s *MessageService) cleanup(keys []string) {
	if len(keys) == 0 || s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			middleware.Logger.Warn("attachment cleanup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

// MarkRead stamps readAt on other senders' messages up to at.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, userID string, at *time.Time) (int64, error) {
	m, err := s.members.EnsureMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return s.msgs.MarkRead(ctx, conversationID, userID, m.Floor(), at, s.now())
}

// Search finds TEXT messages containing the query, newest first.
func (s *MessageService) Search(ctx context.Context, in SearchInput) ([]models.MessageView, error) {
	q, err := validation.ValidateSearchQuery(in.Query)
	if err != nil {
		return nil, models.NewValidationIssues([]models.Issue{{Path: "q", Message: err.Error()}})
	}
	if in.ConversationID != "" {
		if _, err := s.members.EnsureMember(ctx, in.ConversationID, in.UserID); err != nil {
			return nil, err
		}
	}
	take := in.Take
	if take <= 0 {
		take = defaultSearchTake
	}
	rows, err := s.msgs.Search(ctx, repository.SearchQuery{
		UserID:         in.UserID,
		Query:          q,
		ConversationID: in.ConversationID,
		Limit:          min(take, maxMessageTake),
		Offset:         max(in.Skip, 0),
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.MessageView, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].View())
	}
	return out, nil
}

// Delete soft-deletes a message. A missing or already deleted message is
// a success; changed reports whether this call deleted it.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) (msg *models.Message, changed bool, err error) {
	msg, err = s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg == nil || msg.IsDeleted() {
		return msg, false, nil
	}
	if msg.SenderID != userID {
		m, err := s.convs.GetMembership(ctx, msg.ConversationID, userID)
		if err != nil {
			return nil, false, err
		}
		if m == nil || m.Role != models.RoleAdmin {
			return nil, false, models.NewForbiddenError(models.CodeForbiddenNotAdmin, "Only the sender or an admin can delete this message")
		}
	}
	changed, err = s.msgs.SoftDelete(ctx, messageID, userID, s.now())
	if err != nil {
		return nil, false, err
	}
	return msg, changed, nil
}

// Report files a member's report about a message.
func (s *MessageService) Report(ctx context.Context, messageID, userID, reason string) (*models.MessageReport, error) {
	msg, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, models.NewNotFoundError("Message", messageID)
	}
	if _, err := s.members.EnsureMember(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	report := &models.MessageReport{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		ReporterID: userID,
		Reason:     validation.NormalizeReportReason(reason),
		CreatedAt:  s.now(),
	}
	if err := s.msgs.CreateReport(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// safeFileName keeps the base name with only URL-safe characters.
func safeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}
