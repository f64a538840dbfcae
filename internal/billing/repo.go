package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/models"
)

// ErrPlanExists is returned by CreateBillingPlan when the id is taken.
var ErrPlanExists = errors.New("billing plan already exists")

// Repository stores the billing plan catalog. Orders are event-sourced and
// never stored here.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateBillingPlan(ctx context.Context, plan *models.BillingPlan) error
	ListBillingPlans(ctx context.Context, params ListBillingPlansQuery) ([]models.BillingPlan, error)
	FindBillingPlanByID(ctx context.Context, id string) (*models.BillingPlan, error)
}

// ListBillingPlansQuery filters the catalog. Zero values match everything.
type ListBillingPlansQuery struct {
	Active   *bool
	Currency string
}

type repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// CreateBillingPlan inserts plan. Two concurrent creates of the same id both
// pass the service's existence check; the primary key decides the winner.
func (r *repository) CreateBillingPlan(ctx context.Context, plan *models.BillingPlan) error {
	err := r.db.WithContext(ctx).Create(plan).Error
	if db.IsUniqueViolation(err, "billing_plans_pkey", "billing_plans.id") {
		return ErrPlanExists
	}
	return err
}

// ListBillingPlans orders cheapest first so clients can render the catalog
// as returned.
func (r *repository) ListBillingPlans(ctx context.Context, params ListBillingPlansQuery) ([]models.BillingPlan, error) {
	var plans []models.BillingPlan
	err := r.db.WithContext(ctx).
		Scopes(activeIs(params.Active), currencyIs(params.Currency)).
		Order("price_amount ASC").
		Order("name ASC").
		Find(&plans).Error
	return plans, err
}

// FindBillingPlanByID returns nil when the plan does not exist.
func (r *repository) FindBillingPlanByID(ctx context.Context, id string) (*models.BillingPlan, error) {
	if id == "" {
		return nil, nil
	}
	var plan models.BillingPlan
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func activeIs(active *bool) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if active == nil {
			return q
		}
		return q.Where("active = ?", *active)
	}
}

func currencyIs(code string) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if code == "" {
			return q
		}
		return q.Where("currency_code = ?", code)
	}
}
