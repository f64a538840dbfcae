package idempotency

import (
	"errors"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
)

// ErrAlreadyProcessed means a concurrent transaction recorded the same key
// first. The caller's transaction must roll back.
var ErrAlreadyProcessed = errors.New("message already processed")

// Inbox is the durable per-consumer record of handled message keys.
type Inbox struct {
	now func() time.Time
}

func NewInbox() *Inbox {
	return &Inbox{now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
}

// Lookup returns the recorded entry for key, or nil when it was never handled.
func (i *Inbox) Lookup(tx *gorm.DB, consumer, key string) (*models.ProcessedMessage, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var row models.ProcessedMessage
	err := tx.Where("consumer = ? AND message_key = ?", consumer, key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Record stores key with the result that a duplicate should observe.
func (i *Inbox) Record(tx *gorm.DB, consumer, key string, result dbtypes.JSON) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if consumer == "" || key == "" {
		return errors.New("consumer and key are required")
	}
	row := models.ProcessedMessage{
		Consumer:    consumer,
		MessageKey:  key,
		Result:      result,
		ProcessedAt: i.now(),
	}
	if err := tx.Create(&row).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "processed_messages_pkey", "processed_messages.consumer", "processed_messages.message_key") {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}
