package users

import (
	"encoding/json"
	"time"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/replay"
)

// UserDTO is a user at some version of its stream.
type UserDTO struct {
	User
	Version int64 `json:"version"`
}

// HistoryEntry is one event of a user's stream as the history API shows it.
type HistoryEntry struct {
	Version       int64           `json:"version"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// UpdateUserInput changes profile fields. Empty fields are left alone.
type UpdateUserInput struct {
	Username        string `json:"username" validate:"omitempty,min=3,max=32"`
	Email           string `json:"email" validate:"omitempty,email"`
	ExpectedVersion int64  `json:"expectedVersion" validate:"min=1"`
}

func FromResult(res replay.Result[User]) UserDTO {
	return UserDTO{User: res.State, Version: res.Version}
}

func historyFromEvents(events []eventstore.Event) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, HistoryEntry{
			Version:       ev.Version,
			EventType:     ev.EventType,
			Payload:       ev.Payload,
			OccurredAt:    ev.OccurredAt,
			Actor:         ev.Metadata.Actor,
			CorrelationID: ev.CorrelationID,
		})
	}
	return out
}
