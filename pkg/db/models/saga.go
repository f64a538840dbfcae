package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
)

// SagaInstance is the persisted state machine of one saga run.
type SagaInstance struct {
	SagaID        string           `gorm:"column:saga_id;primaryKey"`
	SagaType      string           `gorm:"column:saga_type;not null;index:ix_saga_instances_type"`
	CurrentStep   int              `gorm:"column:current_step;not null;default:0"`
	Status        enums.SagaStatus `gorm:"column:status;not null;index:ix_saga_instances_status"`
	ContextData   dbtypes.JSON     `gorm:"column:context_data;type:jsonb;not null"`
	FailureReason *string          `gorm:"column:failure_reason"`
	RowVersion    int64            `gorm:"column:row_version;not null;default:0"`
	NextRetryAt   *time.Time       `gorm:"column:next_retry_at;index:ix_saga_instances_next_retry_at"`
	StartedAt     time.Time        `gorm:"column:started_at;not null"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;not null"`
	TimeoutAt     time.Time        `gorm:"column:timeout_at;not null;index:ix_saga_instances_timeout_at"`
	CompletedAt   *time.Time       `gorm:"column:completed_at"`
}

func (SagaInstance) TableName() string { return "saga_instances" }

// SagaStepRecord tracks one step of a saga, forward and compensation.
type SagaStepRecord struct {
	ID                  uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	SagaID              string               `gorm:"column:saga_id;not null;uniqueIndex:ux_saga_step_records_step,priority:1"`
	StepIndex           int                  `gorm:"column:step_index;not null;uniqueIndex:ux_saga_step_records_step,priority:2"`
	StepName            string               `gorm:"column:step_name;not null"`
	Status              enums.SagaStepStatus `gorm:"column:status;not null"`
	Attempt             int                  `gorm:"column:attempt;not null;default:0"`
	CompensationAttempt int                  `gorm:"column:compensation_attempt;not null;default:0"`
	LastError           *string              `gorm:"column:last_error"`
	UpdatedAt           time.Time            `gorm:"column:updated_at;not null"`
}

func (SagaStepRecord) TableName() string { return "saga_step_records" }
