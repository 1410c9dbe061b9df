package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"lectern/internal/models"
	"lectern/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListOptions filters a user's conversation listing.
type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
	Since      *time.Time
	Until      *time.Time
}

// ConversationRepository defines the interface for conversation and
// membership data operations.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation, members []models.Membership) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	GetWithMembers(ctx context.Context, id string) (*models.Conversation, error)
	FindByDMKey(ctx context.Context, key string) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID string, opts ListOptions) ([]models.ConversationSummary, error)

	GetMembership(ctx context.Context, conversationID, userID string) (*models.Membership, error)
	ListMemberships(ctx context.Context, conversationID string) ([]models.Membership, error)
	ListMemberIDs(ctx context.Context, conversationID string) ([]string, error)
	AddMembers(ctx context.Context, members []models.Membership) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	CountByRole(ctx context.Context, conversationID string, role models.Role) (int64, error)
	CountMembers(ctx context.Context, conversationID string) (int64, error)
	SetRole(ctx context.Context, conversationID, userID string, role models.Role) error
	AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error
	AdvanceCleared(ctx context.Context, conversationID, userID string, at time.Time) error
	SetArchived(ctx context.Context, conversationID, userID string, at *time.Time) error
}

type conversationRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db, log: observability.NewRepoLogger("conversations")}
}

// Create inserts the conversation and its memberships in one transaction.
// A dmKey collision surfaces as an error satisfying IsUniqueViolation.
func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation, members []models.Membership) error {
	defer observability.TrackQuery("create", "conversations")()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(conv).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		if !IsUniqueViolation(err) {
			r.log.LogError(ctx, err, "create")
		}
		return models.NewInternalError(err)
	}
	conv.Members = members
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

func (r *conversationRepository) GetWithMembers(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := readDB(r.db).WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Preload("Members.User").
		First(&conv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

// FindByDMKey returns nil when no DM exists for the key.
func (r *conversationRepository) FindByDMKey(ctx context.Context, key string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).Where("dm_key = ?", key).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

type summaryRow struct {
	ID          string
	Type        models.ConversationType
	Title       string
	Avatar      string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Role        models.Role
	LastReadAt  time.Time
	ArchivedAt  *time.Time
	Unread      int64
	MemberCount int64
}

// unreadExpr counts other senders' live messages above the member's unread
// floor, max(last_read_at, cleared_at).
const unreadExpr = `(SELECT COUNT(*) FROM messages msg
	WHERE msg.conversation_id = c.id
	AND msg.sender_id <> m.user_id
	AND msg.deleted_at IS NULL
	AND msg.created_at > CASE WHEN m.cleared_at IS NOT NULL AND m.cleared_at > m.last_read_at
		THEN m.cleared_at ELSE m.last_read_at END)`

func (r *conversationRepository) ListForUser(ctx context.Context, userID string, opts ListOptions) ([]models.ConversationSummary, error) {
	defer observability.TrackQuery("list_for_user", "conversations")()

	var (
		where strings.Builder
		args  = []any{userID}
	)
	where.WriteString("m.user_id = ? AND m.archived_at IS NULL")
	if opts.Since != nil {
		where.WriteString(" AND c.updated_at >= ?")
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		where.WriteString(" AND c.updated_at <= ?")
		args = append(args, *opts.Until)
	}

	inner := `SELECT c.id, c.type, c.title, c.avatar, c.created_by, c.created_at, c.updated_at,
		m.role, m.last_read_at, m.archived_at,
		` + unreadExpr + ` AS unread,
		(SELECT COUNT(*) FROM memberships mc WHERE mc.conversation_id = c.id) AS member_count
		FROM conversations c
		JOIN memberships m ON m.conversation_id = c.id
		WHERE ` + where.String()

	query := "SELECT * FROM (" + inner + ") s"
	if opts.UnreadOnly {
		query += " WHERE s.unread > 0"
	}
	query += " ORDER BY s.updated_at DESC, s.id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(opts.Limit, 20, 100), max(opts.Offset, 0))

	var rows []summaryRow
	if err := readDB(r.db).WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		r.log.LogError(ctx, err, "list_for_user")
		return nil, models.NewInternalError(err)
	}

	out := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.ConversationSummary{
			Conversation: models.Conversation{
				ID:        row.ID,
				Type:      row.Type,
				Title:     row.Title,
				Avatar:    row.Avatar,
				CreatedBy: row.CreatedBy,
				CreatedAt: row.CreatedAt,
				UpdatedAt: row.UpdatedAt,
			},
			Role:        row.Role,
			Unread:      row.Unread,
			LastReadAt:  row.LastReadAt,
			ArchivedAt:  row.ArchivedAt,
			MemberCount: row.MemberCount,
		})
	}
	return out, nil
}

// GetMembership returns nil when the user is not a member.
func (r *conversationRepository) GetMembership(ctx context.Context, conversationID, userID string) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &m, nil
}

func (r *conversationRepository) ListMemberships(ctx context.Context, conversationID string) ([]models.Membership, error) {
	var members []models.Membership
	err := readDB(r.db).WithContext(ctx).
		Preload("User").
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Find(&members).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return members, nil
}

func (r *conversationRepository) ListMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}

// AddMembers inserts memberships, silently skipping existing ones.
func (r *conversationRepository) AddMembers(ctx context.Context, members []models.Membership) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error; err != nil {
		r.log.LogError(ctx, err, "add_members")
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) RemoveMember(ctx context.Context, conversationID, userID string) error {
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&models.Membership{}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) CountByRole(ctx context.Context, conversationID string, role models.Role) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("conversation_id = ? AND role = ?", conversationID, role).
		Count(&count).Error
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

func (r *conversationRepository) CountMembers(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

func (r *conversationRepository) SetRole(ctx context.Context, conversationID, userID string, role models.Role) error {
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("role", role).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// AdvanceLastRead moves last_read_at forward to at. The guard in the WHERE
// clause makes concurrent calls converge on the maximum.
func (r *conversationRepository) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	defer observability.TrackQuery("advance_last_read", "memberships")()
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_at < ?", conversationID, userID, at).
		UpdateColumn("last_read_at", at).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// AdvanceCleared moves both cleared_at and last_read_at forward to at.
func (r *conversationRepository) AdvanceCleared(ctx context.Context, conversationID, userID string, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Membership{}).
			Where("conversation_id = ? AND user_id = ? AND (cleared_at IS NULL OR cleared_at < ?)", conversationID, userID, at).
			UpdateColumn("cleared_at", at).Error; err != nil {
			return err
		}
		return tx.Model(&models.Membership{}).
			Where("conversation_id = ? AND user_id = ? AND last_read_at < ?", conversationID, userID, at).
			UpdateColumn("last_read_at", at).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *conversationRepository) SetArchived(ctx context.Context, conversationID, userID string, at *time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("archived_at", at).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
