package models

import "time"

// UserAccount is the lookup projection of the user aggregate. It enforces
// unique usernames and emails; the event stream stays the source of truth.
type UserAccount struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Username       string    `gorm:"column:username;not null;uniqueIndex:ux_user_accounts_username"`
	Email          string    `gorm:"column:email;not null;uniqueIndex:ux_user_accounts_email"`
	Status         string    `gorm:"column:status;not null"`
	DeviceQuota    int       `gorm:"column:device_quota;not null;default:0"`
	StorageQuotaGB int       `gorm:"column:storage_quota_gb;not null;default:0"`
	Version        int64     `gorm:"column:version;not null"`
	SagaID         string    `gorm:"column:saga_id"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (UserAccount) TableName() string { return "user_accounts" }
