package repository

import (
	"context"
	"errors"
	"time"

	"lectern/internal/cache"
	"lectern/internal/models"
	"lectern/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.User, error)
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
	SetLastSeen(ctx context.Context, id string, at *time.Time) error
	Create(ctx context.Context, user *models.User) error
}

type userRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewUserRepository returns a new UserRepository implementation.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db, log: observability.NewRepoLogger("users")}
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return cache.Aside(ctx, "user", cache.UserKey(id), cache.UserTTL, func(ctx context.Context) (*models.User, error) {
		var user models.User
		if err := readDB(r.db).WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, models.NewNotFoundError("User", id)
			}
			r.log.LogError(ctx, err, "get_by_id")
			return nil, models.NewInternalError(err)
		}
		return &user, nil
	})
}

// Exists bypasses the cache so a deleted account is noticed immediately.
func (r *userRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		r.log.LogError(ctx, err, "exists")
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *userRepository) ListByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	var users []models.User
	if len(ids) == 0 {
		return users, nil
	}
	if err := readDB(r.db).WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		r.log.LogError(ctx, err, "list_by_ids")
		return nil, models.NewInternalError(err)
	}
	return users, nil
}

func (r *userRepository) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	users, err := r.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.DisplayName
	}
	return names, nil
}

// SetLastSeen stores the offline-since marker; nil marks the user online.
// A missing user is not an error.
func (r *userRepository) SetLastSeen(ctx context.Context, id string, at *time.Time) error {
	defer observability.TrackQuery("update", "users")()
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		UpdateColumn("last_seen_at", at).Error
	if err != nil {
		r.log.LogError(ctx, err, "set_last_seen")
		return models.NewInternalError(err)
	}
	cache.InvalidateUser(ctx, id)
	return nil
}

// Create inserts a user, leaving an existing row untouched.
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(user).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	return nil
}
