package eventstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db/models"
)

type repository struct {
	db *gorm.DB
}

func newRepository(db *gorm.DB) *repository {
	return &repository{db: db}
}

func (r *repository) withTx(tx *gorm.DB) *repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) insert(ctx context.Context, rows []models.Event) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *repository) maxVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_id = ?", aggregateID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	return version, err
}

func (r *repository) maxVersionAt(ctx context.Context, aggregateID string, at time.Time) (int64, error) {
	var version int64
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_id = ? AND occurred_at <= ?", aggregateID, at).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	return version, err
}

func (r *repository) lastOccurredAt(ctx context.Context, aggregateID string, version int64) (time.Time, error) {
	var row models.Event
	err := r.db.WithContext(ctx).
		Select("occurred_at").
		Where("aggregate_id = ? AND version = ?", aggregateID, version).
		Take(&row).Error
	return row.OccurredAt, err
}

// page returns up to limit events with version > after. to == 0 means no
// upper bound; a non-zero at filters by occurred_at.
func (r *repository) page(ctx context.Context, aggregateID string, after, to int64, at time.Time, limit int) ([]models.Event, error) {
	query := r.db.WithContext(ctx).
		Where("aggregate_id = ? AND version > ?", aggregateID, after)
	if to > 0 {
		query = query.Where("version <= ?", to)
	}
	if !at.IsZero() {
		query = query.Where("occurred_at <= ?", at)
	}
	var rows []models.Event
	err := query.Order("version ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

type typeCount struct {
	EventType string
	Count     int64
}

func (r *repository) countByType(ctx context.Context, eventType string) ([]typeCount, error) {
	query := r.db.WithContext(ctx).Model(&models.Event{})
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	var rows []typeCount
	err := query.
		Select("event_type, COUNT(*) AS count").
		Group("event_type").
		Order("event_type ASC").
		Scan(&rows).Error
	return rows, err
}

func (r *repository) listByType(ctx context.Context, eventType string, limit int) ([]models.Event, error) {
	query := r.db.WithContext(ctx)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	var rows []models.Event
	err := query.
		Order("recorded_at DESC").
		Order("version DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ActiveAggregate is an aggregate with recent activity, used by snapshot
// maintenance.
type ActiveAggregate struct {
	AggregateID   string
	AggregateType string
	Version       int64
}

func (r *repository) recentlyActive(ctx context.Context, since time.Time, limit int) ([]ActiveAggregate, error) {
	var out []ActiveAggregate
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Select("aggregate_id, aggregate_type, MAX(version) AS version").
		Where("recorded_at >= ?", since).
		Group("aggregate_id, aggregate_type").
		Order("version DESC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}
