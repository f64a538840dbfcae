package consumers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cloudphone/txcore/internal/participant"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/tracing"
)

// CommandDispatcher executes saga commands for one service.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd saga.Command) (participant.Result, error)
}

// CommandConsumer hands saga commands to a participant. The participant's
// database inbox dedupes, so no Redis guard is needed here.
type CommandConsumer struct {
	source     Source
	dispatcher CommandDispatcher
	logg       *logger.Logger
}

func NewCommandConsumer(source Source, dispatcher CommandDispatcher, logg *logger.Logger) (*CommandConsumer, error) {
	if source == nil {
		return nil, errors.New("command source is required")
	}
	if dispatcher == nil {
		return nil, errors.New("command dispatcher is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &CommandConsumer{source: source, dispatcher: dispatcher, logg: logg}, nil
}

func (c *CommandConsumer) Run(ctx context.Context) error {
	return c.source.Receive(ctx, c.Handle)
}

func (c *CommandConsumer) Handle(ctx context.Context, d Delivery) error {
	ctx = tracing.Extract(ctx, d.Attributes)
	logCtx := c.logg.WithField(ctx, "message_id", d.MessageID)

	env, err := outbox.DecodeEnvelope(d.Data)
	if err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid command envelope")
		return nil
	}
	var cmd saga.Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "invalid command payload")
		return nil
	}

	ctx, span := tracing.Tracer("consumers").Start(ctx, "saga.command")
	defer span.End()

	if _, err := c.dispatcher.Dispatch(ctx, cmd); err != nil {
		span.RecordError(err)
		if permanent(err) {
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "command dropped")
			return nil
		}
		return err
	}
	return nil
}
