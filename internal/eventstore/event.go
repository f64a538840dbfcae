package eventstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
)

// Event is a stored, immutable fact about one aggregate.
type Event struct {
	EventID       uuid.UUID           `json:"eventId"`
	AggregateID   string              `json:"aggregateId"`
	AggregateType enums.AggregateType `json:"aggregateType"`
	Version       int64               `json:"version"`
	EventType     string              `json:"eventType"`
	SchemaVersion int                 `json:"schemaVersion"`
	Payload       json.RawMessage     `json:"payload"`
	Metadata      Metadata            `json:"metadata"`
	OccurredAt    time.Time           `json:"occurredAt"`
	RecordedAt    time.Time           `json:"recordedAt"`
	CausationID   string              `json:"causationId,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
}

// Metadata is stored alongside each event but never folded into state.
type Metadata struct {
	Actor string            `json:"actor,omitempty"`
	Trace map[string]string `json:"trace,omitempty"`
}

// NewEvent is an event that has not been assigned a version yet.
type NewEvent struct {
	EventID       uuid.UUID
	EventType     string
	SchemaVersion int
	Payload       json.RawMessage
	OccurredAt    time.Time
	CausationID   string
	CorrelationID string
	Actor         string
}

// AppendRequest appends Events after ExpectedVersion. ExpectedVersion 0 means
// the aggregate must not exist yet.
type AppendRequest struct {
	AggregateID     string
	AggregateType   enums.AggregateType
	ExpectedVersion int64
	Events          []NewEvent
}

func fromModel(row models.Event) Event {
	var meta Metadata
	if !row.Metadata.IsEmpty() {
		_ = json.Unmarshal(row.Metadata, &meta)
	}
	return Event{
		EventID:       row.ID,
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		Version:       row.Version,
		EventType:     row.EventType,
		SchemaVersion: row.SchemaVersion,
		Payload:       row.Payload.Raw(),
		Metadata:      meta,
		OccurredAt:    row.OccurredAt.UTC(),
		RecordedAt:    row.RecordedAt.UTC(),
		CausationID:   row.CausationID,
		CorrelationID: row.CorrelationID,
	}
}

func metadataJSON(meta Metadata) dbtypes.JSON {
	if meta.Actor == "" && len(meta.Trace) == 0 {
		return dbtypes.JSON("{}")
	}
	return dbtypes.MustMarshal(meta)
}
