package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
)

// OutboxMessage is written in the same transaction as the change it announces
// and relayed to DestinationTopic by the publisher.
type OutboxMessage struct {
	ID               uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	EventID          uuid.UUID           `gorm:"column:event_id;type:uuid;not null;uniqueIndex:ux_outbox_messages_event_id"`
	AggregateID      string              `gorm:"column:aggregate_id;not null"`
	AggregateType    enums.AggregateType `gorm:"column:aggregate_type;not null"`
	EventType        string              `gorm:"column:event_type;not null"`
	DestinationTopic string              `gorm:"column:destination_topic;not null"`
	Payload          dbtypes.JSON        `gorm:"column:payload;type:jsonb;not null"`
	IdempotencyKey   string              `gorm:"column:idempotency_key;not null"`
	Status           enums.OutboxStatus  `gorm:"column:status;not null;index:ix_outbox_messages_claim,priority:1"`
	Attempts         int                 `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt    time.Time           `gorm:"column:next_attempt_at;not null;index:ix_outbox_messages_claim,priority:2"`
	LockedBy         *string             `gorm:"column:locked_by"`
	LockedUntil      *time.Time          `gorm:"column:locked_until"`
	LastError        *string             `gorm:"column:last_error"`
	CreatedAt        time.Time           `gorm:"column:created_at;not null"`
	SentAt           *time.Time          `gorm:"column:sent_at"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

// OutboxArchive holds delivered messages moved out of the hot table.
type OutboxArchive struct {
	ID               uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	EventID          uuid.UUID           `gorm:"column:event_id;type:uuid;not null"`
	AggregateID      string              `gorm:"column:aggregate_id;not null"`
	AggregateType    enums.AggregateType `gorm:"column:aggregate_type;not null"`
	EventType        string              `gorm:"column:event_type;not null"`
	DestinationTopic string              `gorm:"column:destination_topic;not null"`
	Payload          dbtypes.JSON        `gorm:"column:payload;type:jsonb;not null"`
	IdempotencyKey   string              `gorm:"column:idempotency_key;not null"`
	Attempts         int                 `gorm:"column:attempts;not null"`
	CreatedAt        time.Time           `gorm:"column:created_at;not null"`
	SentAt           *time.Time          `gorm:"column:sent_at"`
	ArchivedAt       time.Time           `gorm:"column:archived_at;not null"`
}

func (OutboxArchive) TableName() string { return "outbox_messages_archive" }

// OutboxDLQ captures terminal outbox failures for auditing and remediation.
type OutboxDLQ struct {
	ID               uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	OutboxID         uuid.UUID                  `gorm:"column:outbox_id;type:uuid;not null"`
	EventID          uuid.UUID                  `gorm:"column:event_id;type:uuid;not null;index:ix_outbox_dlq_event_id"`
	EventType        string                     `gorm:"column:event_type;not null"`
	AggregateType    enums.AggregateType        `gorm:"column:aggregate_type;not null"`
	AggregateID      string                     `gorm:"column:aggregate_id;not null"`
	DestinationTopic string                     `gorm:"column:destination_topic"`
	Payload          dbtypes.JSON               `gorm:"column:payload;type:jsonb;not null"`
	ErrorReason      enums.OutboxDLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage     *string                    `gorm:"column:error_message"`
	Attempts         int                        `gorm:"column:attempts;not null;default:0"`
	FailedAt         time.Time                  `gorm:"column:failed_at;not null"`
}

func (OutboxDLQ) TableName() string { return "outbox_dlq" }

// ProcessedMessage is the inbox row that makes a consumer's effect happen once
// per message key.
type ProcessedMessage struct {
	Consumer    string       `gorm:"column:consumer;primaryKey"`
	MessageKey  string       `gorm:"column:message_key;primaryKey"`
	Result      dbtypes.JSON `gorm:"column:result;type:jsonb"`
	ProcessedAt time.Time    `gorm:"column:processed_at;not null"`
}

func (ProcessedMessage) TableName() string { return "processed_messages" }
