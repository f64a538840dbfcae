package enums

import "fmt"

// SagaStatus maps to saga_instances.status.
type SagaStatus string

const (
	SagaStatusRunning      SagaStatus = "RUNNING"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	// SagaStatusCompensated is the rolled-back terminal state: the forward path
	// failed and every compensation succeeded.
	SagaStatusCompensated SagaStatus = "COMPENSATED"
	// SagaStatusFailed needs an operator: a compensation exhausted its retries.
	SagaStatusFailed SagaStatus = "FAILED"
)

var validSagaStatuses = []SagaStatus{
	SagaStatusRunning,
	SagaStatusCompleted,
	SagaStatusCompensating,
	SagaStatusCompensated,
	SagaStatusFailed,
}

func (s SagaStatus) IsValid() bool {
	for _, candidate := range validSagaStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the saga will never transition again.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusCompensated, SagaStatusFailed:
		return true
	}
	return false
}

func ParseSagaStatus(value string) (SagaStatus, error) {
	for _, candidate := range validSagaStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid saga status %q", value)
}

// SagaStepStatus maps to saga_step_records.status.
type SagaStepStatus string

const (
	StepStatusPending     SagaStepStatus = "PENDING"
	StepStatusSucceeded   SagaStepStatus = "SUCCEEDED"
	StepStatusFailed      SagaStepStatus = "FAILED"
	StepStatusCompensated SagaStepStatus = "COMPENSATED"
)

// StepOutcome is what a participant reports for a command or compensation.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "SUCCEEDED"
	OutcomeFailed    StepOutcome = "FAILED"
)

func (o StepOutcome) IsValid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// SagaMessageKind distinguishes forward commands from compensations on the wire.
type SagaMessageKind string

const (
	SagaMessageCommand      SagaMessageKind = "command"
	SagaMessageCompensation SagaMessageKind = "compensation"
)
