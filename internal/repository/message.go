package repository

import (
	"context"
	"errors"
	"time"

	"lectern/internal/models"
	"lectern/internal/observability"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageQuery selects one ascending page of a conversation's log.
type MessageQuery struct {
	ConversationID string
	Floor          time.Time
	After          *models.Message
	Kinds          []models.MessageKind
	ExcludeDeleted bool
	Limit          int
}

// SearchQuery selects TEXT messages whose body contains Query. Floors of
// the caller's memberships are applied in SQL.
type SearchQuery struct {
	UserID         string
	Query          string
	ConversationID string
	Limit          int
	Offset         int
}

// MessageRepository defines persistence operations for the message log.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	List(ctx context.Context, q MessageQuery) ([]models.Message, error)
	LatestAt(ctx context.Context, conversationID string) (*time.Time, error)
	CountUnread(ctx context.Context, conversationID, userID string, floor time.Time) (int64, error)
	MarkRead(ctx context.Context, conversationID, userID string, floor time.Time, upTo *time.Time, at time.Time) (int64, error)
	Search(ctx context.Context, q SearchQuery) ([]models.Message, error)
	SoftDelete(ctx context.Context, id, byUserID string, at time.Time) (bool, error)
	CreateReport(ctx context.Context, report *models.MessageReport) error
}

type messageRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db, log: observability.NewRepoLogger("messages")}
}

// Create persists msg and bumps the conversation's updated_at in one
// transaction.
func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	defer observability.TrackQuery("create", "messages")()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			UpdateColumn("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	return nil
}

// GetByID returns nil when the message does not exist.
func (r *messageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &msg, nil
}

func (r *messageRepository) List(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	defer observability.TrackQuery("list", "messages")()

	tx := readDB(r.db).WithContext(ctx).
		Where("conversation_id = ? AND created_at > ?", q.ConversationID, q.Floor)
	if q.After != nil {
		tx = tx.Where("(created_at > ? OR (created_at = ? AND id > ?))", q.After.CreatedAt, q.After.CreatedAt, q.After.ID)
	}
	if len(q.Kinds) > 0 {
		tx = tx.Where("kind IN ?", q.Kinds)
	}
	if q.ExcludeDeleted {
		tx = tx.Where("deleted_at IS NULL")
	}

	var messages []models.Message
	err := tx.Order("created_at ASC").Order("id ASC").
		Limit(clampLimit(q.Limit, 50, 100)).
		Find(&messages).Error
	if err != nil {
		r.log.LogError(ctx, err, "list")
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}

// LatestAt returns the newest live message's timestamp, or nil for an
// empty conversation.
func (r *messageRepository) LatestAt(ctx context.Context, conversationID string) (*time.Time, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Select("created_at").
		Where("conversation_id = ? AND deleted_at IS NULL", conversationID).
		Order("created_at DESC").
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0].CreatedAt, nil
}

func (r *messageRepository) CountUnread(ctx context.Context, conversationID, userID string, floor time.Time) (int64, error) {
	defer observability.TrackQuery("count_unread", "messages")()
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND deleted_at IS NULL AND created_at > ?", conversationID, userID, floor).
		Count(&count).Error
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

// MarkRead stamps read_at on other senders' messages in (floor, upTo].
// A later reader overwrites an earlier stamp.
func (r *messageRepository) MarkRead(ctx context.Context, conversationID, userID string, floor time.Time, upTo *time.Time, at time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND created_at > ?", conversationID, userID, floor)
	if upTo != nil {
		tx = tx.Where("created_at <= ?", *upTo)
	}
	res := tx.UpdateColumn("read_at", at)
	if res.Error != nil {
		return 0, models.NewInternalError(res.Error)
	}
	return res.RowsAffected, nil
}

func (r *messageRepository) Search(ctx context.Context, q SearchQuery) ([]models.Message, error) {
	defer observability.TrackQuery("search", "messages")()

	tx := readDB(r.db).WithContext(ctx).
		Table("messages").
		Select("messages.*").
		Joins("JOIN memberships m ON m.conversation_id = messages.conversation_id AND m.user_id = ?", q.UserID).
		Where("messages.kind = ? AND messages.deleted_at IS NULL", models.KindText).
		Where(`LOWER(messages.body) LIKE ? ESCAPE '\'`, containsPattern(q.Query)).
		Where("(m.cleared_at IS NULL OR messages.created_at > m.cleared_at)")
	if q.ConversationID != "" {
		tx = tx.Where("messages.conversation_id = ?", q.ConversationID)
	}

	var messages []models.Message
	err := tx.Order("messages.created_at DESC").Order("messages.id DESC").
		Limit(clampLimit(q.Limit, 20, 100)).
		Offset(max(q.Offset, 0)).
		Find(&messages).Error
	if err != nil {
		r.log.LogError(ctx, err, "search")
		return nil, models.NewInternalError(err)
	}
	return messages, nil
}

// SoftDelete tombstones a live message. It reports false when the message
// was already deleted or does not exist.
func (r *messageRepository) SoftDelete(ctx context.Context, id, byUserID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND deleted_at IS NULL", id).
		UpdateColumns(map[string]any{
			"deleted_at":    at,
			"deleted_by_id": byUserID,
			"content":       datatypes.JSON(`{}`),
			"body":          "",
		})
	if res.Error != nil {
		r.log.LogError(ctx, res.Error, "soft_delete")
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *messageRepository) CreateReport(ctx context.Context, report *models.MessageReport) error {
	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		r.log.LogError(ctx, err, "create_report")
		return models.NewInternalError(err)
	}
	return nil
}
