package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

const (
	maxDLQErrorLen  = 1024
	defaultDLQLimit = 50
	maxDLQListLimit = 500
)

// DLQQuery filters dead letters. Zero values match everything.
type DLQQuery struct {
	Topic  string
	Reason enums.OutboxDLQErrorReason
	Limit  int
}

// DLQRepository stores messages the publisher gave up on and lets an
// operator send them back through the outbox.
type DLQRepository struct {
	db     *gorm.DB
	outbox *Repository
	now    func() time.Time
}

func NewDLQRepository(db *gorm.DB, outbox *Repository) *DLQRepository {
	return &DLQRepository{db: db, outbox: outbox, now: Now}
}

// InsertTx records a dead letter inside the publisher's failure transaction.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ErrorMessage != nil && len(*entry.ErrorMessage) > maxDLQErrorLen {
		msg := (*entry.ErrorMessage)[:maxDLQErrorLen]
		entry.ErrorMessage = &msg
	}
	return tx.Create(&entry).Error
}

// List returns the newest dead letters first.
func (r *DLQRepository) List(ctx context.Context, q DLQQuery) ([]models.OutboxDLQ, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultDLQLimit
	case q.Limit > maxDLQListLimit:
		q.Limit = maxDLQListLimit
	}
	query := r.db.WithContext(ctx)
	if q.Topic != "" {
		query = query.Where("destination_topic = ?", q.Topic)
	}
	if q.Reason != "" {
		query = query.Where("error_reason = ?", q.Reason)
	}
	var rows []models.OutboxDLQ
	err := query.Order("failed_at DESC").Limit(q.Limit).Find(&rows).Error
	return rows, err
}

// Requeue returns the dead letter's outbox row to PENDING with a fresh
// attempt budget and removes the dead letter, in one transaction. The event
// id is unchanged, so consumers still deduplicate a message that did get
// through before the failure was recorded.
func (r *DLQRepository) Requeue(ctx context.Context, id uuid.UUID) (*models.OutboxDLQ, error) {
	if r.outbox == nil {
		return nil, errors.New("outbox repository is required to requeue")
	}
	var entry models.OutboxDLQ
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found")
			}
			return err
		}
		ok, err := r.outbox.RequeueTx(tx, entry.OutboxID, r.now())
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "outbox message is not FAILED").
				WithDetails(map[string]any{"outboxId": entry.OutboxID.String()})
		}
		return tx.Delete(&models.OutboxDLQ{}, "id = ?", entry.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
