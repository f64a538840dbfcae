// Package saga drives multi-step workflows across the billing, device and
// user services. Saga state lives in saga_instances/saga_step_records; every
// command and reply travels through the outbox.
package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/cloudphone/txcore/pkg/enums"
)

// Step is one forward action and its optional compensation.
type Step struct {
	Name         string
	Service      enums.Service
	Command      string
	Compensation string
}

// HasCompensation reports whether the step must be undone on rollback.
func (s Step) HasCompensation() bool {
	return s.Compensation != ""
}

// Definition describes a saga type.
type Definition struct {
	Type                    string
	Steps                   []Step
	Timeout                 time.Duration
	MaxStepAttempts         int
	MaxCompensationAttempts int
	// ValidateContext rejects start requests whose context cannot drive the
	// saga. Optional.
	ValidateContext func(raw json.RawMessage) error
}

// Validate reports every problem with the definition at once.
func (d Definition) Validate() error {
	var err error
	if d.Type == "" {
		err = multierr.Append(err, errors.New("saga type is required"))
	}
	if len(d.Steps) == 0 {
		err = multierr.Append(err, fmt.Errorf("%s: at least one step is required", d.Type))
	}
	if d.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s: timeout must be positive", d.Type))
	}
	if d.MaxStepAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("%s: max step attempts must be at least 1", d.Type))
	}
	if d.MaxCompensationAttempts < 0 {
		err = multierr.Append(err, fmt.Errorf("%s: max compensation attempts must be non-negative", d.Type))
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%s: step %d has no name", d.Type, i))
		}
		if _, dup := seen[step.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("%s: duplicate step %s", d.Type, step.Name))
		}
		seen[step.Name] = struct{}{}
		if !step.Service.IsValid() {
			err = multierr.Append(err, fmt.Errorf("%s: step %s has unknown service %q", d.Type, step.Name, step.Service))
		}
		if step.Command == "" {
			err = multierr.Append(err, fmt.Errorf("%s: step %s has no command", d.Type, step.Name))
		}
	}
	return err
}

// Definitions is the set of saga types an orchestrator can run.
type Definitions struct {
	byType map[string]Definition
}

func NewDefinitions(defs ...Definition) (*Definitions, error) {
	out := &Definitions{byType: make(map[string]Definition, len(defs))}
	var err error
	for _, def := range defs {
		if verr := def.Validate(); verr != nil {
			err = multierr.Append(err, verr)
			continue
		}
		if _, dup := out.byType[def.Type]; dup {
			err = multierr.Append(err, fmt.Errorf("saga type %s registered twice", def.Type))
			continue
		}
		out.byType[def.Type] = def
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Definitions) Get(sagaType string) (Definition, bool) {
	def, ok := d.byType[sagaType]
	return def, ok
}

// Types lists the registered saga types, sorted.
func (d *Definitions) Types() []string {
	out := make([]string, 0, len(d.byType))
	for t := range d.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
