package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cloudphone/txcore/pkg/enums"
)

// Attribute keys set on every transport message.
const (
	AttrEventID        = "event_id"
	AttrEventType      = "event_type"
	AttrAggregateType  = "aggregate_type"
	AttrAggregateID    = "aggregate_id"
	AttrIdempotencyKey = "idempotency_key"
	AttrVersion        = "version"
)

// Envelope is the wire format of every message relayed from the outbox.
// Consumers dedupe on EventID.
type Envelope struct {
	EventID        uuid.UUID           `json:"eventId"`
	EventType      string              `json:"eventType"`
	AggregateID    string              `json:"aggregateId"`
	AggregateType  enums.AggregateType `json:"aggregateType"`
	Version        int64               `json:"version"`
	SchemaVersion  int                 `json:"schemaVersion"`
	Payload        json.RawMessage     `json:"payload"`
	OccurredAt     time.Time           `json:"occurredAt"`
	IdempotencyKey string              `json:"idempotencyKey"`
	CausationID    string              `json:"causationId,omitempty"`
	CorrelationID  string              `json:"correlationId,omitempty"`
	Trace          map[string]string   `json:"trace,omitempty"`
}

// DecodeEnvelope parses and sanity-checks a relayed message body.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, errors.New("empty envelope")
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == uuid.Nil {
		return env, errors.New("envelope missing eventId")
	}
	if env.EventType == "" {
		return env, errors.New("envelope missing eventType")
	}
	return env, nil
}

// Attributes returns the transport attributes/headers for the envelope,
// including any propagated trace context.
func (e Envelope) Attributes() map[string]string {
	attrs := map[string]string{
		AttrEventID:        e.EventID.String(),
		AttrEventType:      e.EventType,
		AttrAggregateType:  string(e.AggregateType),
		AttrAggregateID:    e.AggregateID,
		AttrIdempotencyKey: e.IdempotencyKey,
		AttrVersion:        strconv.FormatInt(e.Version, 10),
	}
	for k, v := range e.Trace {
		attrs[k] = v
	}
	return attrs
}
