package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/tracing"
)

// ErrNoRoute is returned when a message has no destination topic.
var ErrNoRoute = errors.New("no outbox route for event type")

// TopicRouter resolves the destination topic of an event type.
type TopicRouter interface {
	TopicFor(eventType string) (string, bool)
}

// Message is what producers hand to Enqueue. Topic overrides routing, which
// is how saga commands and replies reach their per-service topics.
type Message struct {
	EventID        uuid.UUID
	EventType      string
	AggregateID    string
	AggregateType  enums.AggregateType
	Version        int64
	SchemaVersion  int
	Payload        json.RawMessage
	OccurredAt     time.Time
	IdempotencyKey string
	CausationID    string
	CorrelationID  string
	Topic          string
}

// Service writes outbox rows inside the caller's transaction.
type Service struct {
	repo   *Repository
	router TopicRouter
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(repo *Repository, router TopicRouter, logg *logger.Logger) *Service {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{repo: repo, router: router, logg: logg, now: Now}
}

// Routed reports whether events of this type are propagated.
func (s *Service) Routed(eventType string) bool {
	if s.router == nil {
		return false
	}
	_, ok := s.router.TopicFor(eventType)
	return ok
}

// Enqueue stores msg as a PENDING outbox row using tx. It never opens its own
// transaction: the row must commit or roll back with the caller's change.
func (s *Service) Enqueue(ctx context.Context, tx *gorm.DB, msg Message) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if msg.EventType == "" {
		return errors.New("event type required")
	}
	topic := msg.Topic
	if topic == "" && s.router != nil {
		topic, _ = s.router.TopicFor(msg.EventType)
	}
	if topic == "" {
		return fmt.Errorf("%w %q", ErrNoRoute, msg.EventType)
	}

	now := s.now()
	if msg.EventID == uuid.Nil {
		msg.EventID = uuid.New()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = now
	}
	if msg.SchemaVersion <= 0 {
		msg.SchemaVersion = 1
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = msg.EventID.String()
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	envelope := Envelope{
		EventID:        msg.EventID,
		EventType:      msg.EventType,
		AggregateID:    msg.AggregateID,
		AggregateType:  msg.AggregateType,
		Version:        msg.Version,
		SchemaVersion:  msg.SchemaVersion,
		Payload:        payload,
		OccurredAt:     msg.OccurredAt.UTC(),
		IdempotencyKey: msg.IdempotencyKey,
		CausationID:    msg.CausationID,
		CorrelationID:  msg.CorrelationID,
		Trace:          tracing.Inject(ctx),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	row := &models.OutboxMessage{
		ID:               uuid.New(),
		EventID:          msg.EventID,
		AggregateID:      msg.AggregateID,
		AggregateType:    msg.AggregateType,
		EventType:        msg.EventType,
		DestinationTopic: topic,
		Payload:          dbtypes.JSON(body),
		IdempotencyKey:   msg.IdempotencyKey,
		Status:           enums.OutboxStatusPending,
		NextAttemptAt:    now,
		CreatedAt:        now,
	}
	if err := s.repo.Insert(tx, row); err != nil {
		return err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":       msg.EventID.String(),
		"event_type":     msg.EventType,
		"aggregate_id":   msg.AggregateID,
		"aggregate_type": msg.AggregateType,
		"topic":          topic,
	})
	s.logg.Debug(logCtx, "outbox message queued")
	return nil
}

// Now is the clock used for outbox timestamps: UTC at microsecond precision,
// which is what Postgres stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
