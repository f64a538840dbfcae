package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
)

type sagaSweeper interface {
	TimeoutSweep(ctx context.Context, now time.Time) (int, error)
	ReconcileSweep(ctx context.Context, now time.Time) (int, error)
}

// NewSagaTimeoutJob fails and compensates sagas past their deadline.
func NewSagaTimeoutJob(sweeper sagaSweeper, logg *logger.Logger) (Job, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("saga sweeper required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &sagaSweepJob{name: "saga-timeout-sweep", sweep: sweeper.TimeoutSweep, logg: logg, now: outbox.Now}, nil
}

// NewSagaReconcileJob re-dispatches commands whose reply is overdue.
func NewSagaReconcileJob(sweeper sagaSweeper, logg *logger.Logger) (Job, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("saga sweeper required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &sagaSweepJob{name: "saga-reconcile-sweep", sweep: sweeper.ReconcileSweep, logg: logg, now: outbox.Now}, nil
}

type sagaSweepJob struct {
	name  string
	sweep func(ctx context.Context, now time.Time) (int, error)
	logg  *logger.Logger
	now   func() time.Time
}

func (j *sagaSweepJob) Name() string { return j.name }

// Run reports per-saga failures as the job error, after every saga in the
// batch had its turn.
func (j *sagaSweepJob) Run(ctx context.Context) error {
	handled, err := j.sweep(ctx, j.now())
	if handled > 0 {
		j.logg.Info(j.logg.WithField(ctx, "sagas_handled", handled), "saga sweep acted")
	}
	return err
}
