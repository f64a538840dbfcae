package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	"github.com/cloudphone/txcore/pkg/outbox"
)

// errIgnored marks a reply or sweep candidate that no longer matches the
// saga's state. Nothing is written.
var errIgnored = errors.New("saga message does not match current state")

// CommandWriter enqueues saga commands in the caller's transaction.
type CommandWriter interface {
	Enqueue(ctx context.Context, tx *gorm.DB, msg outbox.Message) error
}

// TopicResolver maps a participant service to its command topic.
type TopicResolver interface {
	CommandTopic(service enums.Service) (string, error)
}

// Orchestrator advances sagas in response to participant replies and the
// periodic sweeps. Every transition is a single transaction that saves the
// instance and enqueues whatever command comes next.
type Orchestrator struct {
	tx      db.TxRunner
	store   *Store
	writer  CommandWriter
	topics  TopicResolver
	defs    *Definitions
	cfg     config.SagaConfig
	metrics *metrics.SagaMetrics
	logg    *logger.Logger
	now     func() time.Time

	stepBackoff         outbox.Backoff
	compensationBackoff outbox.Backoff
}

func NewOrchestrator(
	tx db.TxRunner,
	store *Store,
	writer CommandWriter,
	topics TopicResolver,
	defs *Definitions,
	cfg config.SagaConfig,
	sagaMetrics *metrics.SagaMetrics,
	logg *logger.Logger,
) (*Orchestrator, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if store == nil {
		return nil, fmt.Errorf("saga store required")
	}
	if writer == nil {
		return nil, fmt.Errorf("command writer required")
	}
	if topics == nil {
		return nil, fmt.Errorf("topic resolver required")
	}
	if defs == nil {
		return nil, fmt.Errorf("saga definitions required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if cfg.RedeliveryAfter <= 0 {
		cfg.RedeliveryAfter = time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Orchestrator{
		tx:                  tx,
		store:               store,
		writer:              writer,
		topics:              topics,
		defs:                defs,
		cfg:                 cfg,
		metrics:             sagaMetrics,
		logg:                logg,
		now:                 outbox.Now,
		stepBackoff:         outbox.Backoff{Base: cfg.StepBackoffBase, Factor: 2, Max: cfg.StepBackoffMax},
		compensationBackoff: outbox.Backoff{Base: cfg.CompensationBackoffBase, Factor: 2, Max: cfg.CompensationBackoffMax},
	}, nil
}

// Start persists a new RUNNING saga and enqueues its first command in the
// same transaction.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, contextData json.RawMessage) (string, error) {
	def, ok := o.defs.Get(sagaType)
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown saga type %q", sagaType))
	}
	if len(contextData) == 0 {
		contextData = json.RawMessage("{}")
	}
	var sagaContext map[string]json.RawMessage
	if err := json.Unmarshal(contextData, &sagaContext); err != nil || sagaContext == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "saga context must be a JSON object")
	}
	if def.ValidateContext != nil {
		if err := def.ValidateContext(contextData); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid saga context").
				WithDetails(map[string]any{"sagaType": sagaType, "reason": err.Error()})
		}
	}

	now := o.now()
	inst := &Instance{
		SagaID:      sagaType + "-" + uuid.NewString(),
		SagaType:    sagaType,
		CurrentStep: 0,
		Status:      enums.SagaStatusRunning,
		Context:     sagaContext,
		StartedAt:   now,
		UpdatedAt:   now,
		TimeoutAt:   now.Add(def.Timeout),
		NextRetryAt: o.redeliveryAt(now),
	}
	inst.Steps = make([]StepState, len(def.Steps))
	for i, step := range def.Steps {
		inst.Steps[i] = StepState{Index: i, Name: step.Name, Status: enums.StepStatusPending, UpdatedAt: now}
	}
	inst.Steps[0].Attempt = 1

	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := o.store.Save(ctx, tx, inst); err != nil {
			return err
		}
		return o.dispatch(ctx, tx, def, inst, enums.SagaMessageCommand)
	})
	if err != nil {
		return "", err
	}

	o.metrics.IncStarted(sagaType)
	logCtx := o.logg.WithSagaID(ctx, inst.SagaID)
	logCtx = o.logg.WithField(logCtx, "saga_type", sagaType)
	o.logg.Info(logCtx, "saga started")
	return inst.SagaID, nil
}

// Get returns the saga with its step records.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.Load(ctx, sagaID)
}

// ListByStatus returns up to limit sagas in the given status.
func (o *Orchestrator) ListByStatus(ctx context.Context, status enums.SagaStatus, limit int) ([]Instance, error) {
	if !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid saga status %q", status))
	}
	return o.store.FindByStatus(ctx, status, limit)
}

// HandleReply routes a participant reply by its kind.
func (o *Orchestrator) HandleReply(ctx context.Context, reply Reply) error {
	switch reply.Kind {
	case enums.SagaMessageCommand:
		return o.OnStepResult(ctx, StepResult{
			SagaID:    reply.SagaID,
			StepIndex: reply.StepIndex,
			Attempt:   reply.Attempt,
			Outcome:   reply.Outcome,
			Output:    reply.Output,
			Error:     reply.Error,
			Retryable: reply.Retryable,
		})
	case enums.SagaMessageCompensation:
		return o.OnCompensationResult(ctx, CompensationResult{
			SagaID:    reply.SagaID,
			StepIndex: reply.StepIndex,
			Attempt:   reply.Attempt,
			Outcome:   reply.Outcome,
			Error:     reply.Error,
		})
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown reply kind %q", reply.Kind))
	}
}

// OnStepResult applies the outcome of a forward step. Results for another
// step or attempt, or for a saga that is no longer RUNNING, are ignored.
func (o *Orchestrator) OnStepResult(ctx context.Context, res StepResult) error {
	if !res.Outcome.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid step outcome %q", res.Outcome))
	}
	return o.update(ctx, res.SagaID, func(tx *gorm.DB, def Definition, inst *Instance) (func(), error) {
		if inst.Status != enums.SagaStatusRunning || res.StepIndex != inst.CurrentStep {
			return nil, errIgnored
		}
		state := inst.step(res.StepIndex)
		if state == nil || state.Status != enums.StepStatusPending || state.Attempt != res.Attempt {
			return nil, errIgnored
		}
		now := o.now()
		inst.UpdatedAt = now
		state.UpdatedAt = now
		step := def.Steps[res.StepIndex]

		if res.Outcome == enums.OutcomeSucceeded {
			state.Status = enums.StepStatusSucceeded
			state.LastError = ""
			for key, value := range res.Output {
				inst.Context[key] = value
			}
			if res.StepIndex == len(def.Steps)-1 {
				inst.Status = enums.SagaStatusCompleted
				inst.CompletedAt = &now
				inst.NextRetryAt = nil
				return nil, nil
			}
			inst.CurrentStep++
			next := inst.step(inst.CurrentStep)
			next.Attempt = 1
			next.UpdatedAt = now
			inst.NextRetryAt = o.redeliveryAt(now)
			return nil, o.dispatch(ctx, tx, def, inst, enums.SagaMessageCommand)
		}

		state.LastError = res.Error
		if res.Retryable && state.Attempt < def.MaxStepAttempts {
			retryAt := now.Add(o.stepBackoff.Next(state.Attempt))
			state.Attempt++
			inst.NextRetryAt = &retryAt
			return func() { o.metrics.IncStepRetry(inst.SagaType, step.Name) }, nil
		}

		state.Status = enums.StepStatusFailed
		reason := pkgerrors.New(
			pkgerrors.CodeStepExecutionFailure,
			fmt.Sprintf("step %s failed after %d attempt(s): %s", step.Name, state.Attempt, res.Error),
		).Error()
		inst.Status = enums.SagaStatusCompensating
		inst.FailureReason = reason
		return nil, o.compensateFrom(ctx, tx, def, inst, res.StepIndex-1, now)
	})
}

// OnCompensationResult applies the outcome of a compensation. Attempt is
// matched against the step's compensation attempt.
func (o *Orchestrator) OnCompensationResult(ctx context.Context, res CompensationResult) error {
	if !res.Outcome.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid compensation outcome %q", res.Outcome))
	}
	return o.update(ctx, res.SagaID, func(tx *gorm.DB, def Definition, inst *Instance) (func(), error) {
		if inst.Status != enums.SagaStatusCompensating || res.StepIndex != inst.CurrentStep {
			return nil, errIgnored
		}
		state := inst.step(res.StepIndex)
		if state == nil || state.Status == enums.StepStatusCompensated || state.CompensationAttempt != res.Attempt {
			return nil, errIgnored
		}
		now := o.now()
		inst.UpdatedAt = now
		state.UpdatedAt = now
		step := def.Steps[res.StepIndex]

		if res.Outcome == enums.OutcomeSucceeded {
			state.Status = enums.StepStatusCompensated
			return nil, o.compensateFrom(ctx, tx, def, inst, res.StepIndex-1, now)
		}

		state.LastError = res.Error
		if state.CompensationAttempt >= o.maxCompensationAttempts(def) {
			inst.Status = enums.SagaStatusFailed
			inst.FailureReason = pkgerrors.New(
				pkgerrors.CodeCompensationFailure,
				fmt.Sprintf("compensation %s of step %s failed after %d attempt(s), manual intervention required: %s",
					step.Compensation, step.Name, state.CompensationAttempt, res.Error),
			).Error() + "; " + inst.FailureReason
			inst.CompletedAt = &now
			inst.NextRetryAt = nil
			return nil, nil
		}
		retryAt := now.Add(o.compensationBackoff.Next(state.CompensationAttempt))
		state.CompensationAttempt++
		inst.NextRetryAt = &retryAt
		return nil, nil
	})
}

// TimeoutSweep fails RUNNING sagas whose deadline passed before now and
// starts compensating them. It returns how many sagas were timed out.
func (o *Orchestrator) TimeoutSweep(ctx context.Context, now time.Time) (int, error) {
	due, err := o.store.FindTimedOut(ctx, now, o.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	handled := 0
	var errs error
	for _, candidate := range due {
		err := o.update(ctx, candidate.SagaID, func(tx *gorm.DB, def Definition, inst *Instance) (func(), error) {
			if inst.Status != enums.SagaStatusRunning || !inst.TimeoutAt.Before(now) {
				return nil, errIgnored
			}
			cur := inst.CurrentStep
			state := inst.step(cur)
			step := def.Steps[cur]
			timeout := pkgerrors.New(
				pkgerrors.CodeTimeoutExceeded,
				fmt.Sprintf("saga exceeded its %s timeout at step %s", def.Timeout, step.Name),
			).Error()
			state.Status = enums.StepStatusFailed
			state.LastError = timeout
			state.UpdatedAt = now
			inst.Status = enums.SagaStatusCompensating
			inst.FailureReason = timeout
			inst.UpdatedAt = now

			after := func() { o.metrics.IncTimeout(inst.SagaType) }
			// The timed-out command may still land, so its own compensation runs first.
			if step.HasCompensation() {
				return after, o.startCompensation(ctx, tx, def, inst, cur, now)
			}
			return after, o.compensateFrom(ctx, tx, def, inst, cur-1, now)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		handled++
	}
	return handled, errs
}

// ReconcileSweep re-dispatches the current command or compensation of every
// active saga whose next_retry_at has passed. The idempotency key is the same
// as the original dispatch, so participants that already acted only resend
// their reply.
func (o *Orchestrator) ReconcileSweep(ctx context.Context, now time.Time) (int, error) {
	due, err := o.store.FindDue(ctx, now, o.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	handled := 0
	var errs error
	for _, candidate := range due {
		err := o.update(ctx, candidate.SagaID, func(tx *gorm.DB, def Definition, inst *Instance) (func(), error) {
			if inst.NextRetryAt == nil || inst.NextRetryAt.After(now) {
				return nil, errIgnored
			}
			kind := enums.SagaMessageCommand
			switch inst.Status {
			case enums.SagaStatusRunning:
			case enums.SagaStatusCompensating:
				kind = enums.SagaMessageCompensation
			default:
				return nil, errIgnored
			}
			inst.UpdatedAt = now
			inst.NextRetryAt = o.redeliveryAt(now)
			return nil, o.dispatch(ctx, tx, def, inst, kind)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		handled++
	}
	return handled, errs
}

// update loads the saga inside a transaction, applies fn and saves the
// result under the row_version guard. fn returning errIgnored leaves the saga
// untouched. The hook fn returns runs only after commit.
func (o *Orchestrator) update(
	ctx context.Context,
	sagaID string,
	fn func(tx *gorm.DB, def Definition, inst *Instance) (func(), error),
) error {
	logCtx := o.logg.WithSagaID(ctx, sagaID)
	var (
		hook    func()
		inst    *Instance
		before  enums.SagaStatus
		ignored bool
	)
	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		loaded, err := o.store.LoadTx(ctx, tx, sagaID)
		if err != nil {
			return err
		}
		def, ok := o.defs.Get(loaded.SagaType)
		if !ok {
			return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("saga type %q is not registered", loaded.SagaType))
		}
		if len(def.Steps) != len(loaded.Steps) {
			return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf(
				"saga %s has %d step records but definition %s has %d steps",
				sagaID, len(loaded.Steps), def.Type, len(def.Steps)))
		}
		if loaded.Status.IsTerminal() {
			ignored = true
			return nil
		}
		before = loaded.Status
		h, err := fn(tx, def, loaded)
		if errors.Is(err, errIgnored) {
			ignored = true
			return nil
		}
		if err != nil {
			return err
		}
		if err := o.store.Save(ctx, tx, loaded); err != nil {
			return err
		}
		hook = h
		inst = loaded
		return nil
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeConcurrencyConflict) {
			o.logg.Warn(logCtx, "saga modified concurrently")
		}
		return err
	}
	if ignored {
		o.logg.Debug(logCtx, "ignoring saga message for stale state")
		return nil
	}

	if hook != nil {
		hook()
	}
	if inst.Status != before {
		logCtx = o.logg.WithFields(logCtx, map[string]any{
			"saga_type":    inst.SagaType,
			"status":       string(inst.Status),
			"current_step": inst.CurrentStep,
		})
		switch {
		case inst.Status == enums.SagaStatusCompensating:
			o.metrics.IncCompensating(inst.SagaType)
			o.logg.Warn(logCtx, "saga compensating: "+inst.FailureReason)
		case inst.Status.IsTerminal():
			if before == enums.SagaStatusRunning && inst.Status != enums.SagaStatusCompleted {
				o.metrics.IncCompensating(inst.SagaType)
			}
			o.metrics.IncFinished(inst.SagaType, string(inst.Status))
			if inst.Status == enums.SagaStatusFailed {
				o.logg.Error(logCtx, "saga failed", errors.New(inst.FailureReason))
			} else {
				o.logg.Info(logCtx, "saga finished")
			}
		}
	}
	return nil
}

// compensateFrom walks down from index looking for the next SUCCEEDED step.
// Steps without a compensation are marked COMPENSATED in place. When none
// remain the saga is COMPENSATED.
func (o *Orchestrator) compensateFrom(ctx context.Context, tx *gorm.DB, def Definition, inst *Instance, index int, now time.Time) error {
	for i := index; i >= 0; i-- {
		state := inst.step(i)
		if state.Status != enums.StepStatusSucceeded {
			continue
		}
		if !def.Steps[i].HasCompensation() {
			state.Status = enums.StepStatusCompensated
			state.UpdatedAt = now
			continue
		}
		return o.startCompensation(ctx, tx, def, inst, i, now)
	}
	inst.Status = enums.SagaStatusCompensated
	inst.CompletedAt = &now
	inst.NextRetryAt = nil
	return nil
}

func (o *Orchestrator) startCompensation(ctx context.Context, tx *gorm.DB, def Definition, inst *Instance, index int, now time.Time) error {
	inst.CurrentStep = index
	state := inst.step(index)
	state.CompensationAttempt = 1
	state.UpdatedAt = now
	inst.NextRetryAt = o.redeliveryAt(now)
	return o.dispatch(ctx, tx, def, inst, enums.SagaMessageCompensation)
}

// dispatch enqueues the command or compensation for the current step. Each
// dispatch is a new outbox event; the idempotency key identifies the attempt.
func (o *Orchestrator) dispatch(ctx context.Context, tx *gorm.DB, def Definition, inst *Instance, kind enums.SagaMessageKind) error {
	index := inst.CurrentStep
	step := def.Steps[index]
	state := inst.step(index)

	cmd := Command{
		SagaID:    inst.SagaID,
		SagaType:  inst.SagaType,
		StepIndex: index,
		StepName:  step.Name,
		Kind:      kind,
		Context:   inst.Context,
	}
	if kind == enums.SagaMessageCompensation {
		cmd.Name = step.Compensation
		cmd.Attempt = state.CompensationAttempt
		cmd.IdempotencyKey = CompensationKey(inst.SagaID, index, state.CompensationAttempt)
	} else {
		cmd.Name = step.Command
		cmd.Attempt = state.Attempt
		cmd.IdempotencyKey = CommandKey(inst.SagaID, index, state.Attempt)
	}

	topic, err := o.topics.CommandTopic(step.Service)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve command topic")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode saga command: %w", err)
	}
	return o.writer.Enqueue(ctx, tx, outbox.Message{
		EventType:      cmd.Name,
		AggregateID:    inst.SagaID,
		AggregateType:  enums.AggregateSaga,
		Version:        int64(index),
		Payload:        payload,
		IdempotencyKey: cmd.IdempotencyKey,
		CorrelationID:  inst.SagaID,
		Topic:          topic,
	})
}

func (o *Orchestrator) maxCompensationAttempts(def Definition) int {
	if def.MaxCompensationAttempts > 0 {
		return def.MaxCompensationAttempts
	}
	if o.cfg.MaxCompensationAttempts > 0 {
		return o.cfg.MaxCompensationAttempts
	}
	return 1
}

func (o *Orchestrator) redeliveryAt(now time.Time) *time.Time {
	at := now.Add(o.cfg.RedeliveryAfter)
	return &at
}
