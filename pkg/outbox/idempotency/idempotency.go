// Package idempotency makes message consumption effectively exactly-once.
//
// Manager is a fast Redis guard keyed by event id, used by consumers whose
// effect is itself idempotent (the saga reply consumer). Inbox is the durable
// guard: a processed_messages row written in the same transaction as the
// effect, used by saga participants.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/cloudphone/txcore/pkg/redis"
)

const (
	markerPending = "pending"
	markerDone    = "done"

	// DefaultClaimLease bounds how long a crashed consumer can hold an event.
	DefaultClaimLease = 2 * time.Minute
)

// ErrInFlight is returned when another consumer holds the claim on an event.
// The delivery should be retried later, not acked.
var ErrInFlight = errors.New("event is being processed by another consumer")

// Manager claims an event before running its handler and records it as done
// afterwards. Keys look like txc:idempotency:evt:<consumer>:<event_id>.
//
// A claim only lives for the lease, so a consumer that dies mid-handler does
// not swallow the redelivery. The done marker lives for ttl.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	lease := DefaultClaimLease
	if ttl > 0 && ttl < lease {
		lease = ttl
	}
	return &Manager{store: store, ttl: ttl, lease: lease, now: time.Now}, nil
}

// WithClaimLease overrides DefaultClaimLease. Non-positive values are ignored.
func (m *Manager) WithClaimLease(lease time.Duration) *Manager {
	if lease > 0 {
		m.lease = lease
	}
	return m
}

// Guard runs fn at most once per (consumer, event) within ttl. It reports
// false with a nil error for an event already done. If fn fails the claim is
// dropped so a redelivery runs it again.
func (m *Manager) Guard(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return false, err
	}

	// The token tells our claim apart from one taken after ours expired.
	pending := m.marker(markerPending) + ":" + uuid.NewString()
	claimed, err := m.store.SetNX(ctx, key, pending, m.lease)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return false, m.explainTaken(ctx, key)
	}

	if err := fn(ctx); err != nil {
		return false, multierr.Append(err, m.release(ctx, key, pending))
	}

	// Overwrite the claim in place so no redelivery sees the key empty.
	if err := m.store.Set(ctx, key, m.marker(markerDone), m.ttl); err != nil {
		return true, fmt.Errorf("mark %s done: %w", key, err)
	}
	return true, nil
}

// Forget removes any marker so the next delivery of the event is processed.
func (m *Manager) Forget(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	if err := m.store.Del(ctx, key); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}

// explainTaken turns a lost claim into a duplicate (nil) or ErrInFlight.
func (m *Manager) explainTaken(ctx context.Context, key string) error {
	value, err := m.store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// The claim expired between SetNX and Get; let the redelivery retry it.
		return ErrInFlight
	}
	if err != nil {
		return fmt.Errorf("read marker %s: %w", key, err)
	}
	if strings.HasPrefix(value, markerPending) {
		return ErrInFlight
	}
	return nil
}

// release drops our claim. A claim that expired and was taken by another
// consumer no longer holds our marker and is left alone.
func (m *Manager) release(ctx context.Context, key, claim string) error {
	if _, err := m.store.DelIfValue(ctx, key, claim); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (m *Manager) marker(state string) string {
	return state + ":" + m.now().UTC().Format(time.RFC3339)
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	switch {
	case consumer == "":
		return "", errors.New("consumer name is required")
	case eventID == uuid.Nil:
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:"+consumer, eventID.String()), nil
}
