package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
)

type snapshotMaintainer interface {
	Run(ctx context.Context, since time.Time, limit int) (replay.MaintenanceResult, error)
}

type SnapshotRefreshJobParams struct {
	Logger     *logger.Logger
	Maintainer snapshotMaintainer
	Lookback   time.Duration
	Batch      int
}

func NewSnapshotRefreshJob(params SnapshotRefreshJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Maintainer == nil {
		return nil, fmt.Errorf("snapshot maintainer required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &snapshotRefreshJob{
		logg:       params.Logger,
		maintainer: params.Maintainer,
		lookback:   lookback,
		batch:      params.Batch,
		now:        outbox.Now,
	}, nil
}

// snapshotRefreshJob verifies and refreshes snapshots of aggregates that saw
// events within the lookback window.
type snapshotRefreshJob struct {
	logg       *logger.Logger
	maintainer snapshotMaintainer
	lookback   time.Duration
	batch      int
	now        func() time.Time
}

func (j *snapshotRefreshJob) Name() string { return "snapshot-refresh" }

func (j *snapshotRefreshJob) Run(ctx context.Context) error {
	since := j.now().Add(-j.lookback)
	res, err := j.maintainer.Run(ctx, since, j.batch)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"since":       since,
		"refreshed":   res.Refreshed,
		"invalidated": res.Invalidated,
		"skipped":     res.Skipped,
	})
	if err != nil {
		return fmt.Errorf("snapshot refresh: %w", err)
	}
	if res.Invalidated > 0 {
		j.logg.Warn(logCtx, "snapshot refresh replaced stale snapshots")
		return nil
	}
	j.logg.Info(logCtx, "snapshot refresh complete")
	return nil
}
