package repository

import (
	"context"
	"errors"
	"time"

	"lectern/internal/models"
	"lectern/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CallRepository persists call sessions and their participants.
type CallRepository interface {
	GetActive(ctx context.Context, conversationID string) (*models.CallSession, error)
	Create(ctx context.Context, session *models.CallSession) error
	End(ctx context.Context, sessionID string, at time.Time) (bool, error)
	GetParticipant(ctx context.Context, callID, userID string) (*models.CallParticipant, error)
	UpsertParticipant(ctx context.Context, p *models.CallParticipant) error
	UpdateParticipant(ctx context.Context, callID, userID, column string, value bool) (*models.CallParticipant, error)
	DeleteParticipant(ctx context.Context, callID, userID string) error
}

type callRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewCallRepository creates a new call repository
func NewCallRepository(db *gorm.DB) CallRepository {
	return &callRepository{db: db, log: observability.NewRepoLogger("call_sessions")}
}

// GetActive returns the conversation's active session with participants,
// or nil when there is none.
func (r *callRepository) GetActive(ctx context.Context, conversationID string) (*models.CallSession, error) {
	var session models.CallSession
	err := r.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Where("conversation_id = ? AND ended_at IS NULL", conversationID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &session, nil
}

// Create inserts a session. A concurrent active session surfaces as an
// error satisfying IsUniqueViolation.
func (r *callRepository) Create(ctx context.Context, session *models.CallSession) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(session).Error; err != nil {
		if !IsUniqueViolation(err) {
			r.log.LogError(ctx, err, "create")
		}
		return models.NewInternalError(err)
	}
	return nil
}

// End closes the session and drops its participants. It reports false if
// another caller ended it first.
func (r *callRepository) End(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	ended := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CallSession{}).
			Where("id = ? AND ended_at IS NULL", sessionID).
			UpdateColumn("ended_at", at)
		if res.Error != nil {
			return res.Error
		}
		ended = res.RowsAffected > 0
		return tx.Where("call_id = ?", sessionID).Delete(&models.CallParticipant{}).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "end")
		return false, models.NewInternalError(err)
	}
	return ended, nil
}

// GetParticipant returns nil when the user has not joined.
func (r *callRepository) GetParticipant(ctx context.Context, callID, userID string) (*models.CallParticipant, error) {
	var p models.CallParticipant
	err := r.db.WithContext(ctx).Where("call_id = ? AND user_id = ?", callID, userID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &p, nil
}

// UpsertParticipant inserts p or resets an existing row's media flags.
func (r *callRepository) UpsertParticipant(ctx context.Context, p *models.CallParticipant) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"microphone", "camera"}),
	}).Create(p).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// UpdateParticipant sets one media flag on an existing participant and
// returns the updated row, or nil when the user is not in the call.
func (r *callRepository) UpdateParticipant(ctx context.Context, callID, userID, column string, value bool) (*models.CallParticipant, error) {
	var out models.CallParticipant
	found := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CallParticipant{}).
			Where("call_id = ? AND user_id = ?", callID, userID).
			UpdateColumn(column, value)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		found = true
		return tx.Where("call_id = ? AND user_id = ?", callID, userID).First(&out).Error
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (r *callRepository) DeleteParticipant(ctx context.Context, callID, userID string) error {
	err := r.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ?", callID, userID).
		Delete(&models.CallParticipant{}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
