// Package cron runs periodic jobs: the saga sweeps that keep sagas moving
// and the maintenance jobs that keep the outbox and snapshots tidy.
package cron

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
)

const defaultInterval = time.Hour

// ServiceParams configure the cron service.
type ServiceParams struct {
	Name     string
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
}

// Service runs its registry's jobs in order once per interval. A job may not
// run past the interval: its context is cancelled so the next tick is never
// stacked behind a stuck one.
type Service struct {
	name     string
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	s := &Service{
		name:     params.Name,
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: params.Interval,
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.name == "" {
		s.name = "cron"
	}
	return s, nil
}

// Run runs one cycle immediately, then one per tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"cron_service": s.name,
		"interval":     s.interval.String(),
	})
	s.logg.Info(ctx, "cron service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.runCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(ctx, "scheduled run failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.skipCycle(ctx)
		return nil
	}
	defer s.release(ctx)

	for _, job := range s.registry.Jobs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) skipCycle(ctx context.Context) {
	if reporter, ok := s.lock.(holderReporter); ok {
		if holder, err := reporter.Holder(ctx); err == nil && holder != "" {
			ctx = s.logg.WithField(ctx, "lock_holder", holder)
		}
	}
	s.logg.Debug(ctx, "another instance holds the cron lock; skipping this cycle")
	for _, job := range s.registry.Jobs() {
		s.metrics.IncSkipped(s.name, job.Name())
	}
}

func (s *Service) release(ctx context.Context) {
	// release even when the cycle was cancelled mid-way
	err := s.lock.Release(context.WithoutCancel(ctx))
	switch {
	case err == nil:
	case errors.Is(err, ErrLockLost):
		s.metrics.IncLockLost(s.name)
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "cron cycle outlived its lock")
	default:
		s.logg.Error(ctx, "failed to release cron lock", err)
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	jobCtx = s.logg.WithFields(jobCtx, map[string]any{
		"job":   job.Name(),
		"event": "cron.job",
	})

	start := time.Now()
	result, err := s.invoke(jobCtx, job)
	elapsed := time.Since(start)
	s.metrics.ObserveRun(s.name, job.Name(), result, elapsed)

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return
	}
	s.logg.Debug(jobCtx, "job completed")
}

// invoke runs job and turns a panic into a failure so one broken job does
// not take the other jobs of the service down with it.
func (s *Service) invoke(ctx context.Context, job Job) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = metrics.JobPanic
			err = fmt.Errorf("job %s panicked: %v\n%s", job.Name(), rec, debug.Stack())
		}
	}()
	if err := job.Run(ctx); err != nil {
		return metrics.JobFailure, err
	}
	return metrics.JobSuccess, nil
}
