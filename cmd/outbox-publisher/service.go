package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 1000
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	defaultLeaseTTL       = 30 * time.Second
	maxLoopBackoff        = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
	backlogEvery          = 30 * time.Second
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	ClaimBatch(ctx context.Context, owner string, limit int, leaseTTL time.Duration, now time.Time) ([]models.OutboxMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, owner string, attempts int, nextAttemptAt time.Time, cause string) error
	Release(ctx context.Context, id uuid.UUID, owner string, nextAttemptAt time.Time) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, owner string, attempts int, cause string) error
	CountByStatus(ctx context.Context) (map[enums.OutboxStatus]int64, error)
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(row models.OutboxMessage) (*registry.ResolvedMessage, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Transport     Transport
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Metrics       *metrics.OutboxMetrics
	Owner         string
}

// Service relays leased outbox rows to the transport. Delivery is
// at-least-once; consumers dedupe on the envelope event id.
type Service struct {
	cfg          *config.Config
	logg         *logger.Logger
	db           dbClient
	transport    Transport
	repo         outboxRepository
	registry     registryResolver
	dlq          dlqRepository
	metrics      *metrics.OutboxMetrics
	owner        string
	batchSize    int
	maxAttempts  int
	leaseTTL     time.Duration
	pollInterval time.Duration
	backoff      outbox.Backoff
	now          func() time.Time
	lastBacklog  time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Owner == "" {
		return nil, errors.New("lease owner is required")
	}

	cfg := params.Config.Outbox
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := cfg.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	return &Service{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		transport:    params.Transport,
		repo:         params.Repository,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		metrics:      params.Metrics,
		owner:        params.Owner,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		leaseTTL:     leaseTTL,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		backoff:      outbox.BackoffFromConfig(cfg),
		now:          outbox.Now,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "transport", s.transport.Ping); err != nil {
		return err
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, interval, maxLoopBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed > 0 {
			continue
		}

		s.recordBacklog(ctx)
		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch leases one batch and relays it. Each row is settled on its
// own, so one failing message never blocks the rest of the batch.
func (s *Service) processBatch(ctx context.Context) (int, error) {
	rows, err := s.repo.ClaimBatch(ctx, s.owner, s.batchSize, s.leaseTTL, s.now())
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	var errs error
	for _, row := range rows {
		err := s.relay(ctx, row)
		switch {
		case err == nil:
		case errors.Is(err, outbox.ErrLeaseLost):
			s.logg.Warn(s.logg.WithFields(ctx, s.rowFields(row, "")), "outbox lease lost before settle")
		default:
			// The row keeps its lease until it expires and is claimed again.
			s.logg.Error(s.logg.WithFields(ctx, s.rowFields(row, "")), "outbox relay failed", err)
			errs = multierr.Append(errs, err)
		}
	}
	return len(rows), errs
}

func (s *Service) relay(ctx context.Context, row models.OutboxMessage) error {
	resolved, err := s.registry.Resolve(row)
	if err != nil {
		return s.deadLetter(ctx, row, row.Attempts, enums.OutboxDLQReasonUnroutable, err)
	}

	fields := s.rowFields(row, resolved.Topic)
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	started := time.Now()
	err = s.transport.Publish(publishCtx, resolved, row.Payload)
	cancel()

	now := s.now()
	switch {
	case err == nil:
		if markErr := s.repo.MarkSent(ctx, row.ID, s.owner, now); markErr != nil {
			return fmt.Errorf("mark sent %s: %w", row.ID, markErr)
		}
		s.metrics.ObservePublish(resolved.Topic, time.Since(started))
		s.logg.Debug(s.logg.WithFields(ctx, fields), "outbox message published")
		return nil

	case errors.Is(err, errCircuitOpen):
		return s.repo.Release(ctx, row.ID, s.owner, now.Add(s.pollInterval))

	case registry.IsNonRetryable(err):
		return s.deadLetter(ctx, row, row.Attempts+1, enums.OutboxDLQReasonNonRetryable, err)
	}

	attempts := row.Attempts + 1
	if attempts >= s.maxAttempts {
		return s.deadLetter(ctx, row, attempts, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("max publish attempts reached: %w", err))
	}
	next := now.Add(s.backoff.Next(attempts))
	fields["attempt_count"] = attempts
	fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
	fields["error"] = err.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox publish failed")
	s.metrics.IncRetry(resolved.Topic)
	if markErr := s.repo.MarkRetry(ctx, row.ID, s.owner, attempts, next, err.Error()); markErr != nil {
		return fmt.Errorf("mark retry %s: %w", row.ID, markErr)
	}
	return nil
}

// deadLetter marks the row FAILED and stores the DLQ entry in one
// transaction. Nothing is ever dropped.
func (s *Service) deadLetter(ctx context.Context, row models.OutboxMessage, attempts int, reason enums.OutboxDLQErrorReason, cause error) error {
	fields := s.rowFields(row, row.DestinationTopic)
	fields["error_reason"] = reason
	fields["error"] = cause.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox message will not be retried")

	msg := cause.Error()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.MarkFailedTx(tx, row.ID, s.owner, attempts, msg); err != nil {
			return err
		}
		return s.dlq.InsertTx(tx, models.OutboxDLQ{
			OutboxID:         row.ID,
			EventID:          row.EventID,
			EventType:        row.EventType,
			AggregateType:    row.AggregateType,
			AggregateID:      row.AggregateID,
			DestinationTopic: row.DestinationTopic,
			Payload:          row.Payload,
			ErrorReason:      reason,
			ErrorMessage:     &msg,
			Attempts:         attempts,
			FailedAt:         s.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", row.ID, err)
	}
	s.metrics.IncDeadLettered(row.DestinationTopic, string(reason))
	return nil
}

func (s *Service) recordBacklog(ctx context.Context) {
	if s.metrics == nil || time.Since(s.lastBacklog) < backlogEvery {
		return
	}
	s.lastBacklog = time.Now()
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		s.logg.Error(ctx, "outbox backlog count failed", err)
		return
	}
	for _, status := range []enums.OutboxStatus{enums.OutboxStatusPending, enums.OutboxStatusSent, enums.OutboxStatusFailed} {
		s.metrics.SetBacklog(string(status), counts[status])
	}
}

func (s *Service) rowFields(row models.OutboxMessage, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      row.ID.String(),
		"event_id":       row.EventID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID,
		"attempt_count":  row.Attempts,
		"lease_owner":    s.owner,
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
