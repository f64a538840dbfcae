package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

// Store persists saga instances with an optimistic row_version guard.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Save inserts a new instance (RowVersion 0) or updates an existing one only
// if nobody else has written it since it was loaded. On success
// inst.RowVersion is the stored version.
func (s *Store) Save(ctx context.Context, tx *gorm.DB, inst *Instance) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	tx = tx.WithContext(ctx)
	row := inst.toModel()

	if inst.RowVersion == 0 {
		row.RowVersion = 1
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		records := make([]models.SagaStepRecord, 0, len(inst.Steps))
		for _, step := range inst.Steps {
			records = append(records, stepRecord(inst.SagaID, step))
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}
		inst.RowVersion = 1
		return nil
	}

	res := tx.Model(&models.SagaInstance{}).
		Where("saga_id = ? AND row_version = ?", inst.SagaID, inst.RowVersion).
		Updates(map[string]any{
			"current_step":   row.CurrentStep,
			"status":         row.Status,
			"context_data":   row.ContextData,
			"failure_reason": row.FailureReason,
			"row_version":    inst.RowVersion + 1,
			"next_retry_at":  row.NextRetryAt,
			"updated_at":     row.UpdatedAt,
			"completed_at":   row.CompletedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(
			pkgerrors.CodeConcurrencyConflict,
			fmt.Sprintf("saga %s was modified concurrently", inst.SagaID),
		).WithDetails(map[string]any{"sagaId": inst.SagaID, "rowVersion": inst.RowVersion})
	}

	for _, step := range inst.Steps {
		var lastError *string
		if step.LastError != "" {
			msg := step.LastError
			lastError = &msg
		}
		err := tx.Model(&models.SagaStepRecord{}).
			Where("saga_id = ? AND step_index = ?", inst.SagaID, step.Index).
			Updates(map[string]any{
				"status":               step.Status,
				"attempt":              step.Attempt,
				"compensation_attempt": step.CompensationAttempt,
				"last_error":           lastError,
				"updated_at":           step.UpdatedAt,
			}).Error
		if err != nil {
			return err
		}
	}
	inst.RowVersion++
	return nil
}

func stepRecord(sagaID string, step StepState) models.SagaStepRecord {
	rec := models.SagaStepRecord{
		ID:                  uuid.New(),
		SagaID:              sagaID,
		StepIndex:           step.Index,
		StepName:            step.Name,
		Status:              step.Status,
		Attempt:             step.Attempt,
		CompensationAttempt: step.CompensationAttempt,
		UpdatedAt:           step.UpdatedAt,
	}
	if step.LastError != "" {
		msg := step.LastError
		rec.LastError = &msg
	}
	return rec
}

// Load returns the instance with its steps, or a NOT_FOUND error.
func (s *Store) Load(ctx context.Context, sagaID string) (*Instance, error) {
	return s.LoadTx(ctx, s.db, sagaID)
}

func (s *Store) LoadTx(ctx context.Context, tx *gorm.DB, sagaID string) (*Instance, error) {
	var row models.SagaInstance
	err := tx.WithContext(ctx).Where("saga_id = ?", sagaID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("saga %s not found", sagaID))
		}
		return nil, err
	}
	var steps []models.SagaStepRecord
	err = tx.WithContext(ctx).
		Where("saga_id = ?", sagaID).
		Order("step_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return fromModel(row, steps)
}

// FindTimedOut lists RUNNING sagas whose deadline is before the given time.
func (s *Store) FindTimedOut(ctx context.Context, before time.Time, limit int) ([]Instance, error) {
	return s.find(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ? AND timeout_at < ?", enums.SagaStatusRunning, before).Order("timeout_at ASC")
	})
}

func (s *Store) FindByStatus(ctx context.Context, status enums.SagaStatus, limit int) ([]Instance, error) {
	return s.find(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("status = ?", status).Order("updated_at DESC")
	})
}

// FindDue lists active sagas whose retry or redelivery time has come.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]Instance, error) {
	return s.find(ctx, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("status IN ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			[]enums.SagaStatus{enums.SagaStatusRunning, enums.SagaStatusCompensating}, now).
			Order("next_retry_at ASC")
	})
}

func (s *Store) find(ctx context.Context, limit int, scope func(*gorm.DB) *gorm.DB) ([]Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.SagaInstance
	if err := scope(s.db.WithContext(ctx)).Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.SagaID)
	}
	var steps []models.SagaStepRecord
	err := s.db.WithContext(ctx).
		Where("saga_id IN ?", ids).
		Order("saga_id ASC").
		Order("step_index ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	bySaga := make(map[string][]models.SagaStepRecord, len(rows))
	for _, step := range steps {
		bySaga[step.SagaID] = append(bySaga[step.SagaID], step)
	}
	out := make([]Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := fromModel(row, bySaga[row.SagaID])
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}
