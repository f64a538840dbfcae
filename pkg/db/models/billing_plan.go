package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// BillingPlan is the catalog entry a purchase saga validates against.
type BillingPlan struct {
	ID           string          `gorm:"column:id;primaryKey"`
	Name         string          `gorm:"column:name;not null"`
	Active       bool            `gorm:"column:active;not null;default:true"`
	PriceAmount  decimal.Decimal `gorm:"column:price_amount;type:numeric(12,2);not null"`
	CurrencyCode string          `gorm:"column:currency_code;not null"`
	DeviceQuota  int             `gorm:"column:device_quota;not null;default:1"`
	DurationDays int             `gorm:"column:duration_days;not null;default:30"`
	Features     pq.StringArray  `gorm:"column:features;type:text"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (BillingPlan) TableName() string { return "billing_plans" }
