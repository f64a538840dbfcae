package users

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db/models"
)

// Repository maintains the user_accounts lookup projection.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

func (r *Repository) Create(ctx context.Context, account *models.UserAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// FindByID returns nil when the account does not exist.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.UserAccount, error) {
	var account models.UserAccount
	if err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// FindConflicting returns an account other than excludeID that already holds
// username or email, or nil.
func (r *Repository) FindConflicting(ctx context.Context, username, email, excludeID string) (*models.UserAccount, error) {
	query := r.db.WithContext(ctx).Where("(username = ? OR email = ?)", username, email)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	var account models.UserAccount
	if err := query.First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// Apply overwrites the mutable columns of an account from a replayed state.
func (r *Repository) Apply(ctx context.Context, id string, version int64, state User) error {
	return r.db.WithContext(ctx).
		Model(&models.UserAccount{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"username":         state.Username,
			"email":            state.Email,
			"status":           string(state.Status),
			"device_quota":     state.DeviceQuota,
			"storage_quota_gb": state.StorageQuotaGB,
			"version":          version,
			"updated_at":       state.UpdatedAt,
		}).Error
}

// Delete drops the account so its username and email can be reused. The
// stream keeps the history.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.UserAccount{}).Error
}
