package consumers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/idempotency"
	"github.com/cloudphone/txcore/pkg/tracing"
)

const replyConsumerName = "saga-replies"

// ReplyHandler applies a participant reply to its saga.
type ReplyHandler interface {
	HandleReply(ctx context.Context, reply saga.Reply) error
}

type idempotencyGuard interface {
	Guard(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error)
}

// ReplyConsumer feeds saga replies to the orchestrator. Redis dedupes on the
// event id; the orchestrator's attempt checks cover anything the guard lets
// through after a TTL expiry.
type ReplyConsumer struct {
	source  Source
	handler ReplyHandler
	guard   idempotencyGuard
	logg    *logger.Logger
}

func NewReplyConsumer(source Source, handler ReplyHandler, guard idempotencyGuard, logg *logger.Logger) (*ReplyConsumer, error) {
	if source == nil {
		return nil, errors.New("reply source is required")
	}
	if handler == nil {
		return nil, errors.New("reply handler is required")
	}
	if guard == nil {
		return nil, errors.New("idempotency manager is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &ReplyConsumer{source: source, handler: handler, guard: guard, logg: logg}, nil
}

// Run consumes replies until ctx is canceled.
func (c *ReplyConsumer) Run(ctx context.Context) error {
	return c.source.Receive(ctx, c.Handle)
}

// Handle processes one delivery. Poison messages are logged and acked.
func (c *ReplyConsumer) Handle(ctx context.Context, d Delivery) error {
	ctx = tracing.Extract(ctx, d.Attributes)
	logCtx := c.logg.WithField(ctx, "message_id", d.MessageID)

	env, err := outbox.DecodeEnvelope(d.Data)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid reply envelope")
		return nil
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"event_id":   env.EventID.String(),
		"event_type": env.EventType,
	})
	switch enums.EventType(env.EventType) {
	case enums.EventSagaStepReply, enums.EventSagaCompensationReply:
	default:
		c.logg.Info(logCtx, "event not handled by reply consumer")
		return nil
	}

	var reply saga.Reply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid reply payload")
		return nil
	}
	logCtx = c.logg.WithSagaID(logCtx, reply.SagaID)

	ctx, span := tracing.Tracer("consumers").Start(ctx, "saga.reply")
	defer span.End()

	handled, err := c.guard.Guard(ctx, replyConsumerName, env.EventID, func(ctx context.Context) error {
		return c.handler.HandleReply(ctx, reply)
	})
	if errors.Is(err, idempotency.ErrInFlight) {
		c.logg.Info(logCtx, "reply claimed by another worker; redelivering")
		return err
	}
	if err != nil {
		span.RecordError(err)
		if permanent(err) {
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "reply dropped")
			return nil
		}
		c.logg.Error(logCtx, "reply handling failed", err)
		return err
	}
	if !handled {
		c.logg.Info(logCtx, "reply already processed")
		return nil
	}
	c.logg.Debug(logCtx, "reply applied")
	return nil
}

// permanent reports errors a redelivery cannot fix.
func permanent(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	return typed.Code() == pkgerrors.CodeValidation || typed.Code() == pkgerrors.CodeNotFound
}
