package saga

import (
	"encoding/json"
	"time"

	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
)

// Instance is one run of a saga.
type Instance struct {
	SagaID        string                     `json:"sagaId"`
	SagaType      string                     `json:"sagaType"`
	CurrentStep   int                        `json:"currentStep"`
	Status        enums.SagaStatus           `json:"status"`
	Context       map[string]json.RawMessage `json:"context"`
	FailureReason string                     `json:"failureReason,omitempty"`
	RowVersion    int64                      `json:"-"`
	NextRetryAt   *time.Time                 `json:"nextRetryAt,omitempty"`
	StartedAt     time.Time                  `json:"startedAt"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
	TimeoutAt     time.Time                  `json:"timeoutAt"`
	CompletedAt   *time.Time                 `json:"completedAt,omitempty"`
	Steps         []StepState                `json:"steps"`
}

// StepState mirrors a saga_step_records row.
type StepState struct {
	Index               int                  `json:"stepIndex"`
	Name                string               `json:"stepName"`
	Status              enums.SagaStepStatus `json:"status"`
	Attempt             int                  `json:"attempt"`
	CompensationAttempt int                  `json:"compensationAttempt"`
	LastError           string               `json:"lastError,omitempty"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

func (i *Instance) step(index int) *StepState {
	if index < 0 || index >= len(i.Steps) {
		return nil
	}
	return &i.Steps[index]
}

func (i *Instance) toModel() models.SagaInstance {
	row := models.SagaInstance{
		SagaID:      i.SagaID,
		SagaType:    i.SagaType,
		CurrentStep: i.CurrentStep,
		Status:      i.Status,
		ContextData: dbtypes.MustMarshal(i.Context),
		RowVersion:  i.RowVersion,
		NextRetryAt: i.NextRetryAt,
		StartedAt:   i.StartedAt,
		UpdatedAt:   i.UpdatedAt,
		TimeoutAt:   i.TimeoutAt,
		CompletedAt: i.CompletedAt,
	}
	if i.FailureReason != "" {
		reason := i.FailureReason
		row.FailureReason = &reason
	}
	return row
}

func fromModel(row models.SagaInstance, steps []models.SagaStepRecord) (*Instance, error) {
	inst := &Instance{
		SagaID:      row.SagaID,
		SagaType:    row.SagaType,
		CurrentStep: row.CurrentStep,
		Status:      row.Status,
		Context:     map[string]json.RawMessage{},
		RowVersion:  row.RowVersion,
		NextRetryAt: utcPtr(row.NextRetryAt),
		StartedAt:   row.StartedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
		TimeoutAt:   row.TimeoutAt.UTC(),
		CompletedAt: utcPtr(row.CompletedAt),
	}
	if row.FailureReason != nil {
		inst.FailureReason = *row.FailureReason
	}
	if !row.ContextData.IsEmpty() {
		if err := json.Unmarshal(row.ContextData, &inst.Context); err != nil {
			return nil, err
		}
	}
	inst.Steps = make([]StepState, 0, len(steps))
	for _, s := range steps {
		state := StepState{
			Index:               s.StepIndex,
			Name:                s.StepName,
			Status:              s.Status,
			Attempt:             s.Attempt,
			CompensationAttempt: s.CompensationAttempt,
			UpdatedAt:           s.UpdatedAt.UTC(),
		}
		if s.LastError != nil {
			state.LastError = *s.LastError
		}
		inst.Steps = append(inst.Steps, state)
	}
	return inst, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
