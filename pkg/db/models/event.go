package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
)

// Event is one immutable entry of an aggregate's stream.
type Event struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	AggregateID   string              `gorm:"column:aggregate_id;not null;uniqueIndex:ux_events_aggregate_version,priority:1"`
	AggregateType enums.AggregateType `gorm:"column:aggregate_type;not null;index:ix_events_aggregate_type"`
	Version       int64               `gorm:"column:version;not null;uniqueIndex:ux_events_aggregate_version,priority:2"`
	EventType     string              `gorm:"column:event_type;not null;index:ix_events_event_type"`
	SchemaVersion int                 `gorm:"column:schema_version;not null;default:1"`
	Payload       dbtypes.JSON        `gorm:"column:payload;type:jsonb;not null"`
	Metadata      dbtypes.JSON        `gorm:"column:metadata;type:jsonb"`
	CausationID   string              `gorm:"column:causation_id"`
	CorrelationID string              `gorm:"column:correlation_id;index:ix_events_correlation_id"`
	OccurredAt    time.Time           `gorm:"column:occurred_at;not null"`
	RecordedAt    time.Time           `gorm:"column:recorded_at;not null"`
}

func (Event) TableName() string { return "events" }

// AggregateSnapshot caches the folded state of an aggregate at Version. The
// event log stays authoritative.
type AggregateSnapshot struct {
	AggregateID   string              `gorm:"column:aggregate_id;primaryKey"`
	AggregateType enums.AggregateType `gorm:"column:aggregate_type;not null"`
	Version       int64               `gorm:"column:version;not null"`
	State         dbtypes.JSON        `gorm:"column:state;type:jsonb;not null"`
	StateHash     string              `gorm:"column:state_hash;not null"`
	ComputedAt    time.Time           `gorm:"column:computed_at;not null"`
}

func (AggregateSnapshot) TableName() string { return "aggregate_snapshots" }
