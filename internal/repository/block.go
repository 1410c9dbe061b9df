package repository

import (
	"context"

	"lectern/internal/database"
	"lectern/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlockRepository stores user-to-user blocks.
type BlockRepository interface {
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	IsBlockedEither(ctx context.Context, a, b string) (bool, error)
	ListBlocked(ctx context.Context, blockerID string) ([]models.Block, error)
}

type blockRepository struct {
	db *gorm.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *gorm.DB) BlockRepository {
	return &blockRepository{db: db}
}

func (r *blockRepository) Block(ctx context.Context, blockerID, blockedID string) error {
	block := models.Block{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: database.Now()}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&block).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *blockRepository) Unblock(ctx context.Context, blockerID, blockedID string) error {
	err := r.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&models.Block{}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *blockRepository) IsBlockedEither(ctx context.Context, a, b string) (bool, error) {
	var count int64
	err := readDB(r.db).WithContext(ctx).Model(&models.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&count).Error
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *blockRepository) ListBlocked(ctx context.Context, blockerID string) ([]models.Block, error) {
	var blocks []models.Block
	err := readDB(r.db).WithContext(ctx).
		Where("blocker_id = ?", blockerID).
		Order("created_at DESC").
		Find(&blocks).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return blocks, nil
}
