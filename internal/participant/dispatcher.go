// Package participant executes saga commands on behalf of a service. A
// command's effect, its inbox record and its reply commit in one transaction,
// so redelivered commands only resend the recorded reply.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/pkg/db"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/idempotency"
)

const handlerSavepoint = "participant_handler"

// Handler runs one command inside tx. The returned output is merged into the
// saga context. Business refusals are reported with Reject.
type Handler func(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error)

// ReplyWriter enqueues replies in the handler's transaction.
type ReplyWriter interface {
	Enqueue(ctx context.Context, tx *gorm.DB, msg outbox.Message) error
}

// Result is what Dispatch did with a command.
type Result struct {
	Reply     saga.Reply
	Duplicate bool
}

// Dispatcher routes the commands of one service to their handlers.
type Dispatcher struct {
	service  enums.Service
	consumer string
	tx       db.TxRunner
	inbox    *idempotency.Inbox
	writer   ReplyWriter
	handlers map[string]Handler
	logg     *logger.Logger
}

func NewDispatcher(service enums.Service, tx db.TxRunner, inbox *idempotency.Inbox, writer ReplyWriter, logg *logger.Logger) (*Dispatcher, error) {
	if !service.IsValid() {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	if tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if inbox == nil {
		return nil, errors.New("inbox required")
	}
	if writer == nil {
		return nil, errors.New("reply writer required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Dispatcher{
		service:  service,
		consumer: "participant:" + string(service),
		tx:       tx,
		inbox:    inbox,
		writer:   writer,
		handlers: make(map[string]Handler),
		logg:     logg,
	}, nil
}

// Handle registers h for a command or compensation name.
func (d *Dispatcher) Handle(command string, h Handler) error {
	if command == "" || h == nil {
		return errors.New("command name and handler are required")
	}
	if _, dup := d.handlers[command]; dup {
		return fmt.Errorf("%s: handler for %s registered twice", d.service, command)
	}
	d.handlers[command] = h
	return nil
}

// Commands lists the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) Service() enums.Service {
	return d.service
}

// Dispatch executes cmd at most once per idempotency key and enqueues the
// reply. A returned error means nothing was committed and the command should
// be redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd saga.Command) (Result, error) {
	if err := validateCommand(cmd); err != nil {
		return Result{}, err
	}
	logCtx := d.logg.WithSagaID(ctx, cmd.SagaID)
	logCtx = d.logg.WithFields(logCtx, map[string]any{
		"service":         string(d.service),
		"command":         cmd.Name,
		"step_index":      cmd.StepIndex,
		"idempotency_key": cmd.IdempotencyKey,
	})

	var result Result
	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		recorded, err := d.inbox.Lookup(tx, d.consumer, cmd.IdempotencyKey)
		if err != nil {
			return err
		}
		if recorded != nil {
			var reply saga.Reply
			if err := json.Unmarshal(recorded.Result, &reply); err != nil {
				return fmt.Errorf("decode recorded reply: %w", err)
			}
			result = Result{Reply: reply, Duplicate: true}
			return d.enqueueReply(ctx, tx, cmd, reply)
		}

		reply, err := d.execute(ctx, tx, cmd)
		if err != nil {
			return err
		}
		if err := d.inbox.Record(tx, d.consumer, cmd.IdempotencyKey, dbtypes.MustMarshal(reply)); err != nil {
			return err
		}
		result = Result{Reply: reply}
		return d.enqueueReply(ctx, tx, cmd, reply)
	})
	if err != nil {
		if !errors.Is(err, idempotency.ErrAlreadyProcessed) {
			d.logg.Error(logCtx, "saga command failed", err)
		}
		return Result{}, err
	}

	switch {
	case result.Duplicate:
		d.logg.Info(logCtx, "duplicate saga command, reply resent")
	case result.Reply.Outcome == enums.OutcomeFailed:
		d.logg.Warn(logCtx, "saga command rejected: "+result.Reply.Error)
	default:
		d.logg.Debug(logCtx, "saga command applied")
	}
	return result, nil
}

// execute runs the handler behind a savepoint so a rejection discards its
// writes while the inbox record and reply still commit.
func (d *Dispatcher) execute(ctx context.Context, tx *gorm.DB, cmd saga.Command) (saga.Reply, error) {
	reply := saga.Reply{
		SagaID:         cmd.SagaID,
		StepIndex:      cmd.StepIndex,
		StepName:       cmd.StepName,
		Kind:           cmd.Kind,
		Attempt:        cmd.Attempt,
		IdempotencyKey: cmd.IdempotencyKey,
	}

	h, ok := d.handlers[cmd.Name]
	if !ok {
		reply.Outcome = enums.OutcomeFailed
		reply.Error = fmt.Sprintf("%s does not handle command %s", d.service, cmd.Name)
		return reply, nil
	}

	if err := tx.SavePoint(handlerSavepoint).Error; err != nil {
		return saga.Reply{}, err
	}
	output, err := h(ctx, tx, cmd)
	if err == nil {
		reply.Outcome = enums.OutcomeSucceeded
		reply.Output = output
		return reply, nil
	}

	rejection, ok := asRejection(err)
	if !ok {
		return saga.Reply{}, err
	}
	if rbErr := tx.RollbackTo(handlerSavepoint).Error; rbErr != nil {
		return saga.Reply{}, rbErr
	}
	reply.Outcome = enums.OutcomeFailed
	reply.Error = rejection.Reason
	reply.Retryable = rejection.Retryable
	return reply, nil
}

func (d *Dispatcher) enqueueReply(ctx context.Context, tx *gorm.DB, cmd saga.Command, reply saga.Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return d.writer.Enqueue(ctx, tx, outbox.Message{
		EventType:      string(reply.EventType()),
		AggregateID:    cmd.SagaID,
		AggregateType:  enums.AggregateSaga,
		Version:        int64(cmd.StepIndex),
		Payload:        payload,
		IdempotencyKey: reply.IdempotencyKey,
		CausationID:    cmd.IdempotencyKey,
		CorrelationID:  cmd.SagaID,
	})
}

func validateCommand(cmd saga.Command) error {
	var missing []string
	if cmd.SagaID == "" {
		missing = append(missing, "sagaId")
	}
	if cmd.Name == "" {
		missing = append(missing, "command")
	}
	if cmd.IdempotencyKey == "" {
		missing = append(missing, "idempotencyKey")
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "malformed saga command").
			WithDetails(map[string]any{"missing": missing})
	}
	if cmd.Kind != enums.SagaMessageCommand && cmd.Kind != enums.SagaMessageCompensation {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}
	return nil
}
