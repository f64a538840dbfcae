package participant

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudphone/txcore/internal/saga"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

// Rejection is a business refusal. It becomes a FAILED reply rather than a
// redelivery.
type Rejection struct {
	Reason    string
	Retryable bool
}

func (r *Rejection) Error() string {
	return "rejected: " + r.Reason
}

// Reject refuses a command for good.
func Reject(reason string) error {
	return &Rejection{Reason: reason}
}

// Rejectf is Reject with formatting.
func Rejectf(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// RejectRetryable refuses a command but lets the orchestrator try again.
func RejectRetryable(reason string) error {
	return &Rejection{Reason: reason, Retryable: true}
}

// asRejection also treats typed errors whose code is not retryable
// (validation, not found, state conflicts) as refusals.
func asRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	if typed := pkgerrors.As(err); typed != nil && !pkgerrors.IsRetryable(typed) {
		return &Rejection{Reason: typed.Error()}, true
	}
	return nil, false
}

// Bind decodes the saga context of cmd into dst. A context that does not fit
// is rejected.
func Bind(cmd saga.Command, dst any) error {
	raw, err := json.Marshal(cmd.Context)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return Rejectf("saga context does not fit %s: %v", cmd.Name, err)
	}
	return nil
}

// Output encodes handler output for merging into the saga context.
func Output(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode output %s: %w", key, err)
		}
		out[key] = raw
	}
	return out, nil
}
