package saga

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudphone/txcore/pkg/enums"
)

// Command is the payload of a step command or compensation sent to a
// participant service.
type Command struct {
	SagaID         string                     `json:"sagaId"`
	SagaType       string                     `json:"sagaType"`
	StepIndex      int                        `json:"stepIndex"`
	StepName       string                     `json:"stepName"`
	Name           string                     `json:"command"`
	Kind           enums.SagaMessageKind      `json:"kind"`
	Attempt        int                        `json:"attempt"`
	IdempotencyKey string                     `json:"idempotencyKey"`
	Context        map[string]json.RawMessage `json:"context"`
}

// Reply is what a participant sends back for a Command.
type Reply struct {
	SagaID         string                     `json:"sagaId"`
	StepIndex      int                        `json:"stepIndex"`
	StepName       string                     `json:"stepName"`
	Kind           enums.SagaMessageKind      `json:"kind"`
	Attempt        int                        `json:"attempt"`
	IdempotencyKey string                     `json:"idempotencyKey"`
	Outcome        enums.StepOutcome          `json:"outcome"`
	Output         map[string]json.RawMessage `json:"output,omitempty"`
	Error          string                     `json:"error,omitempty"`
	Retryable      bool                       `json:"retryable,omitempty"`
}

// EventType is the outbox event type a reply travels under.
func (r Reply) EventType() enums.EventType {
	if r.Kind == enums.SagaMessageCompensation {
		return enums.EventSagaCompensationReply
	}
	return enums.EventSagaStepReply
}

// StepResult reports the outcome of a forward step.
type StepResult struct {
	SagaID    string
	StepIndex int
	Attempt   int
	Outcome   enums.StepOutcome
	Output    map[string]json.RawMessage
	Error     string
	Retryable bool
}

// CompensationResult reports the outcome of a compensation. Attempt is the
// compensation attempt.
type CompensationResult struct {
	SagaID    string
	StepIndex int
	Attempt   int
	Outcome   enums.StepOutcome
	Error     string
}

// CommandKey is the idempotency key of a forward command:
// sagaId:stepIndex:attempt.
func CommandKey(sagaID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", sagaID, stepIndex, attempt)
}

// CompensationKey is the idempotency key of a compensation. It carries its
// own attempt counter so a retried compensation is not answered from the
// participant's record of the failed one.
func CompensationKey(sagaID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:compensate:%d", sagaID, stepIndex, attempt)
}

// ParseCommandKey splits a forward command key. Saga ids may contain
// colons, so the key is parsed from the right.
func ParseCommandKey(key string) (sagaID string, stepIndex, attempt int, err error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return "", 0, 0, fmt.Errorf("malformed command key %q", key)
	}
	n := len(parts)
	attempt, err = strconv.Atoi(parts[n-1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed attempt in %q", key)
	}
	stepIndex, err = strconv.Atoi(parts[n-2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed step index in %q", key)
	}
	return strings.Join(parts[:n-2], ":"), stepIndex, attempt, nil
}
