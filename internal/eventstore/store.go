package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/tracing"
)

const (
	pageSize          = 200
	versionConstraint = "ux_events_aggregate_version"
	defaultListLimit  = 100
	maxListLimit      = 1000
)

// OutboxWriter is the part of the outbox the store needs.
type OutboxWriter interface {
	Routed(eventType string) bool
	Enqueue(ctx context.Context, tx *gorm.DB, msg outbox.Message) error
}

// Store is the append-only event log. Appends and their outbox rows commit
// together.
type Store struct {
	tx     db.TxRunner
	repo   *repository
	outbox OutboxWriter
	logg   *logger.Logger
	now    func() time.Time
}

func NewStore(tx db.TxRunner, conn *gorm.DB, writer OutboxWriter, logg *logger.Logger) (*Store, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if conn == nil {
		return nil, fmt.Errorf("db connection required")
	}
	if writer == nil {
		return nil, fmt.Errorf("outbox writer required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Store{
		tx:     tx,
		repo:   newRepository(conn),
		outbox: writer,
		logg:   logg,
		now:    outbox.Now,
	}, nil
}

// WithTx returns a view of the store whose reads run on tx. Handlers that
// replay and then append inside one transaction read through it.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	clone := *s
	clone.repo = s.repo.withTx(tx)
	return &clone
}

// Append opens a transaction and appends req. It returns the new version.
func (s *Store) Append(ctx context.Context, req AppendRequest) (int64, error) {
	var version int64
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		v, err := s.AppendTx(ctx, tx, req)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// AppendTx appends req inside the caller's transaction. On a stale
// ExpectedVersion nothing is written and a CONCURRENCY_CONFLICT error is
// returned; the caller's transaction must be rolled back.
func (s *Store) AppendTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	if err := validateAppend(req); err != nil {
		return 0, err
	}

	repo := s.repo.withTx(tx)
	current, err := repo.maxVersion(ctx, req.AggregateID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read current version")
	}
	if current != req.ExpectedVersion {
		return 0, ConflictError(req.AggregateID, req.ExpectedVersion, current)
	}

	var floor time.Time
	if current > 0 {
		floor, err = repo.lastOccurredAt(ctx, req.AggregateID, current)
		if err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read last event time")
		}
		floor = floor.UTC()
	}

	now := s.now()
	trace := tracing.Inject(ctx)
	rows := make([]models.Event, 0, len(req.Events))
	for i, ev := range req.Events {
		occurredAt := ev.OccurredAt.UTC().Truncate(time.Microsecond)
		if ev.OccurredAt.IsZero() {
			occurredAt = now
		}
		// Clamped so that "events as of T" is always a version prefix.
		if occurredAt.Before(floor) {
			occurredAt = floor
		}
		floor = occurredAt

		eventID := ev.EventID
		if eventID == uuid.Nil {
			eventID = uuid.New()
		}
		schema := ev.SchemaVersion
		if schema <= 0 {
			schema = 1
		}
		rows = append(rows, models.Event{
			ID:            eventID,
			AggregateID:   req.AggregateID,
			AggregateType: req.AggregateType,
			Version:       req.ExpectedVersion + int64(i) + 1,
			EventType:     ev.EventType,
			SchemaVersion: schema,
			Payload:       dbtypes.JSON(ev.Payload),
			Metadata:      metadataJSON(Metadata{Actor: ev.Actor, Trace: trace}),
			CausationID:   ev.CausationID,
			CorrelationID: ev.CorrelationID,
			OccurredAt:    occurredAt,
			RecordedAt:    now,
		})
	}

	if err := repo.insert(ctx, rows); err != nil {
		if db.IsUniqueViolation(err, versionConstraint, "events.aggregate_id", "events.version") {
			// A concurrent writer won the race after our version check.
			return 0, ConflictError(req.AggregateID, req.ExpectedVersion, -1)
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert events")
	}

	for _, row := range rows {
		if !s.outbox.Routed(row.EventType) {
			continue
		}
		err := s.outbox.Enqueue(ctx, tx, outbox.Message{
			EventID:        row.ID,
			EventType:      row.EventType,
			AggregateID:    row.AggregateID,
			AggregateType:  row.AggregateType,
			Version:        row.Version,
			SchemaVersion:  row.SchemaVersion,
			Payload:        row.Payload.Raw(),
			OccurredAt:     row.OccurredAt,
			IdempotencyKey: IdempotencyKey(row.AggregateID, row.Version),
			CausationID:    row.CausationID,
			CorrelationID:  row.CorrelationID,
		})
		if err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue outbox message")
		}
	}

	newVersion := rows[len(rows)-1].Version
	logCtx := s.logg.WithAggregate(ctx, string(req.AggregateType), req.AggregateID)
	logCtx = s.logg.WithFields(logCtx, map[string]any{"from_version": req.ExpectedVersion, "to_version": newVersion})
	s.logg.Debug(logCtx, "events appended")
	return newVersion, nil
}

// IdempotencyKey identifies a domain event for downstream consumers.
func IdempotencyKey(aggregateID string, version int64) string {
	return fmt.Sprintf("%s:%d", aggregateID, version)
}

// ConflictError reports a stale expected version. A negative actual means
// the current version is unknown.
func ConflictError(aggregateID string, expected, actual int64) error {
	details := map[string]any{
		"aggregateId":     aggregateID,
		"expectedVersion": expected,
	}
	msg := fmt.Sprintf("aggregate %s moved past expected version %d", aggregateID, expected)
	if actual >= 0 {
		details["actualVersion"] = actual
		msg = fmt.Sprintf("aggregate %s is at version %d, expected %d", aggregateID, actual, expected)
	}
	return pkgerrors.New(pkgerrors.CodeConcurrencyConflict, msg).WithDetails(details)
}

func validateAppend(req AppendRequest) error {
	switch {
	case req.AggregateID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "aggregate id is required")
	case !req.AggregateType.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid aggregate type %q", req.AggregateType))
	case req.ExpectedVersion < 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "expected version must be non-negative")
	case len(req.Events) == 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one event is required")
	}
	for i, ev := range req.Events {
		if ev.EventType == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("events[%d]: event type is required", i))
		}
		if owner, ok := enums.EventType(ev.EventType).AggregateOf(); ok && owner != req.AggregateType {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("events[%d]: %s belongs to %s aggregates", i, ev.EventType, owner))
		}
		if len(ev.Payload) == 0 || !json.Valid(ev.Payload) {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("events[%d]: payload must be valid JSON", i))
		}
	}
	return nil
}

// LoadEvents yields the events of aggregateID with from <= version <= to in
// version order, one page at a time. from < 1 starts at the first event and
// to == 0 reads to the end. Each range over the sequence re-queries.
func (s *Store) LoadEvents(ctx context.Context, aggregateID string, from, to int64) iter.Seq2[Event, error] {
	after := from - 1
	if after < 0 {
		after = 0
	}
	return s.scan(ctx, aggregateID, after, to, time.Time{})
}

// LoadEventsAsOf yields the events that occurred at or before at.
func (s *Store) LoadEventsAsOf(ctx context.Context, aggregateID string, at time.Time) iter.Seq2[Event, error] {
	return s.scan(ctx, aggregateID, 0, 0, at.UTC())
}

func (s *Store) scan(ctx context.Context, aggregateID string, after, to int64, at time.Time) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if to > 0 && after >= to {
			return
		}
		cursor := after
		for {
			rows, err := s.repo.page(ctx, aggregateID, cursor, to, at, pageSize)
			if err != nil {
				yield(Event{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load events"))
				return
			}
			for _, row := range rows {
				if !yield(fromModel(row), nil) {
					return
				}
				cursor = row.Version
			}
			if len(rows) < pageSize {
				return
			}
		}
	}
}

// CurrentVersion returns 0 for an aggregate with no events.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return s.repo.maxVersion(ctx, aggregateID)
}

// VersionAt returns the highest version that occurred at or before at.
func (s *Store) VersionAt(ctx context.Context, aggregateID string, at time.Time) (int64, error) {
	return s.repo.maxVersionAt(ctx, aggregateID, at.UTC())
}

// EventCounts is the number of stored events, in total and per event type.
type EventCounts struct {
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"byType"`
}

// CountEvents counts stored events by type. A non-empty eventType restricts
// the count to that type.
func (s *Store) CountEvents(ctx context.Context, eventType string) (EventCounts, error) {
	rows, err := s.repo.countByType(ctx, eventType)
	if err != nil {
		return EventCounts{}, err
	}
	out := EventCounts{ByType: make(map[string]int64, len(rows))}
	for _, row := range rows {
		out.ByType[row.EventType] = row.Count
		out.Total += row.Count
	}
	return out, nil
}

// ListByType returns the most recently recorded events, newest first. An
// empty eventType lists events of every type.
func (s *Store) ListByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	limit = clampLimit(limit)
	rows, err := s.repo.listByType(ctx, eventType, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

// History collects the full stream of an aggregate. An aggregate with no
// events has an empty history.
func (s *Store) History(ctx context.Context, aggregateID string) ([]Event, error) {
	out := []Event{}
	for ev, err := range s.LoadEvents(ctx, aggregateID, 1, 0) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// RecentlyActive lists aggregates with events recorded since the given time.
func (s *Store) RecentlyActive(ctx context.Context, since time.Time, limit int) ([]ActiveAggregate, error) {
	return s.repo.recentlyActive(ctx, since.UTC(), clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
