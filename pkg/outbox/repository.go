package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
)

// ErrLeaseLost means another worker owns the row now, usually because our
// lease expired mid-publish. The row will be retried by its new owner.
var ErrLeaseLost = errors.New("outbox lease lost")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, row *models.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(row).Error
}

// ClaimBatch leases up to limit due rows to owner until now+leaseTTL. On
// Postgres candidates are read FOR UPDATE SKIP LOCKED; the conditional update
// is what makes the lease exclusive on every dialect.
func (r *Repository) ClaimBatch(ctx context.Context, owner string, limit int, leaseTTL time.Duration, now time.Time) ([]models.OutboxMessage, error) {
	if owner == "" {
		return nil, errors.New("lease owner required")
	}
	if limit <= 0 {
		return nil, nil
	}
	until := now.Add(leaseTTL)
	var claimed []models.OutboxMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.OutboxMessage
		query := tx
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := query.
			Where("status = ? AND next_attempt_at <= ?", enums.OutboxStatusPending, now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("created_at ASC").
			Order("id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		for _, candidate := range candidates {
			res := tx.Model(&models.OutboxMessage{}).
				Where("id = ? AND status = ?", candidate.ID, enums.OutboxStatusPending).
				Where("(locked_until IS NULL OR locked_until < ?)", now).
				Updates(map[string]any{
					"locked_by":    owner,
					"locked_until": until,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				continue
			}
			lockedBy := owner
			lockedUntil := until
			candidate.LockedBy = &lockedBy
			candidate.LockedUntil = &lockedUntil
			claimed = append(claimed, candidate)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSent records a successful relay and releases the lease.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return r.updateLeased(r.db.WithContext(ctx), id, owner, map[string]any{
		"status":       enums.OutboxStatusSent,
		"sent_at":      now,
		"last_error":   nil,
		"locked_by":    nil,
		"locked_until": nil,
	})
}

// MarkRetry records a failed attempt and schedules the next one.
func (r *Repository) MarkRetry(ctx context.Context, id uuid.UUID, owner string, attempts int, nextAttemptAt time.Time, cause string) error {
	return r.updateLeased(r.db.WithContext(ctx), id, owner, map[string]any{
		"attempts":        attempts,
		"next_attempt_at": nextAttemptAt,
		"last_error":      cause,
		"locked_by":       nil,
		"locked_until":    nil,
	})
}

// Release gives the row back without counting an attempt, e.g. while the
// transport circuit is open.
func (r *Repository) Release(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time) error {
	return r.updateLeased(r.db.WithContext(ctx), id, owner, map[string]any{
		"next_attempt_at": nextAttemptAt,
		"locked_by":       nil,
		"locked_until":    nil,
	})
}

// MarkFailedTx moves a leased row to FAILED. Callers insert the matching DLQ
// row in the same transaction.
func (r *Repository) MarkFailedTx(tx *gorm.DB, id uuid.UUID, owner string, attempts int, cause string) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return r.updateLeased(tx, id, owner, map[string]any{
		"status":       enums.OutboxStatusFailed,
		"attempts":     attempts,
		"last_error":   cause,
		"locked_by":    nil,
		"locked_until": nil,
	})
}

func (r *Repository) updateLeased(conn *gorm.DB, id uuid.UUID, owner string, updates map[string]any) error {
	res := conn.Model(&models.OutboxMessage{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, owner, enums.OutboxStatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueTx resets a FAILED row to PENDING with a fresh attempt budget.
func (r *Repository) RequeueTx(tx *gorm.DB, id uuid.UUID, now time.Time) (bool, error) {
	res := tx.Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusFailed).
		Updates(map[string]any{
			"status":          enums.OutboxStatusPending,
			"attempts":        0,
			"next_attempt_at": now,
			"last_error":      nil,
		})
	return res.RowsAffected == 1, res.Error
}

// CountByStatus feeds the backlog gauge.
func (r *Repository) CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error) {
	var rows []struct {
		Status enums.OutboxStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

// ArchiveSentBefore moves up to limit SENT rows delivered before cutoff into
// outbox_messages_archive. PENDING and FAILED rows are never touched.
func (r *Repository) ArchiveSentBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int, now time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	var rows []models.OutboxMessage
	err := tx.WithContext(ctx).
		Where("status = ? AND sent_at < ?", enums.OutboxStatusSent, cutoff).
		Order("sent_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return 0, err
	}

	archive := make([]models.OutboxArchive, 0, len(rows))
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		archive = append(archive, models.OutboxArchive{
			ID:               row.ID,
			EventID:          row.EventID,
			AggregateID:      row.AggregateID,
			AggregateType:    row.AggregateType,
			EventType:        row.EventType,
			DestinationTopic: row.DestinationTopic,
			Payload:          row.Payload,
			IdempotencyKey:   row.IdempotencyKey,
			Attempts:         row.Attempts,
			CreatedAt:        row.CreatedAt,
			SentAt:           row.SentAt,
			ArchivedAt:       now,
		})
		ids = append(ids, row.ID)
	}
	if err := tx.Create(&archive).Error; err != nil {
		return 0, err
	}
	res := tx.Where("id IN ? AND status = ?", ids, enums.OutboxStatusSent).Delete(&models.OutboxMessage{})
	return res.RowsAffected, res.Error
}
