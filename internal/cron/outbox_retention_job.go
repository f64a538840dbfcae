package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
)

const (
	defaultRetentionDays = 30
	defaultArchiveBatch  = 500
	// maxArchiveBatches caps one run; a large backlog drains over several.
	maxArchiveBatches = 20
)

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxArchiver
	// Retention is in days. Zero means 30.
	Retention int
	BatchSize int
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxArchiver interface {
	ArchiveSentBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int, now time.Time) (int64, error)
}

// outboxRetentionJob moves SENT rows past the retention window to the
// archive. Each batch is its own transaction so row locks stay short.
type outboxRetentionJob struct {
	logg   *logger.Logger
	db     txRunner
	repo   outboxArchiver
	window time.Duration
	batch  int
	now    func() time.Time
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	var err error
	if params.Logger == nil {
		err = multierr.Append(err, errors.New("logger required"))
	}
	if params.DB == nil {
		err = multierr.Append(err, errors.New("db runner required"))
	}
	if params.Repository == nil {
		err = multierr.Append(err, errors.New("outbox repository required"))
	}
	if err != nil {
		return nil, fmt.Errorf("outbox retention job: %w", err)
	}

	days := positiveOr(params.Retention, defaultRetentionDays)
	return &outboxRetentionJob{
		logg:   params.Logger,
		db:     params.DB,
		repo:   params.Repository,
		window: time.Duration(days) * 24 * time.Hour,
		batch:  positiveOr(params.BatchSize, defaultArchiveBatch),
		now:    outbox.Now,
	}, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now()
	cutoff := now.Add(-j.window)

	var total int64
	batches, drained := 0, false
	for !drained && batches < maxArchiveBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		moved, err := j.archiveBatch(ctx, cutoff, now)
		if err != nil {
			return fmt.Errorf("outbox retention batch %d: %w", batches+1, err)
		}
		batches++
		total += moved
		drained = moved < int64(j.batch)
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":        cutoff,
		"batches":       batches,
		"rows_archived": total,
		"drained":       drained,
	}), "outbox retention complete")
	return nil
}

func (j *outboxRetentionJob) archiveBatch(ctx context.Context, cutoff, now time.Time) (moved int64, err error) {
	err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
		moved, err = j.repo.ArchiveSentBefore(ctx, tx, cutoff, j.batch, now)
		return err
	})
	return moved, err
}
