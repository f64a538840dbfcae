package users

import (
	"time"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/pkg/enums"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusDeleted   Status = "DELETED"
)

// User is the folded state of a user stream.
type User struct {
	UserID         string     `json:"userId"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	Status         Status     `json:"status"`
	SagaID         string     `json:"sagaId,omitempty"`
	DeviceQuota    int        `json:"deviceQuota"`
	StorageQuotaGB int        `json:"storageQuotaGb"`
	QuotaReady     bool       `json:"quotaReady"`
	SuspendReason  string     `json:"suspendReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

type UserCreated struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	SagaID   string `json:"sagaId,omitempty"`
}

// UserUpdated carries only the fields that changed.
type UserUpdated struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

type UserSuspended struct {
	Reason string `json:"reason"`
}

type UserActivated struct{}

type UserDeleted struct {
	Reason string `json:"reason,omitempty"`
}

type QuotaInitialized struct {
	DeviceQuota    int `json:"deviceQuota"`
	StorageQuotaGB int `json:"storageQuotaGb"`
}

// UserAggregate rebuilds users from their events.
func UserAggregate() *replay.Aggregate[User] {
	return replay.NewAggregate(enums.AggregateUser, func() User { return User{} }).
		On(enums.EventUserCreated, 1, func(_ User, ev eventstore.Event) (User, error) {
			p, err := replay.Decode[UserCreated](ev)
			if err != nil {
				return User{}, err
			}
			return User{
				UserID:    p.UserID,
				Username:  p.Username,
				Email:     p.Email,
				SagaID:    p.SagaID,
				Status:    StatusActive,
				CreatedAt: ev.OccurredAt,
				UpdatedAt: ev.OccurredAt,
			}, nil
		}).
		On(enums.EventUserUpdated, 1, func(state User, ev eventstore.Event) (User, error) {
			p, err := replay.Decode[UserUpdated](ev)
			if err != nil {
				return state, err
			}
			if p.Username != "" {
				state.Username = p.Username
			}
			if p.Email != "" {
				state.Email = p.Email
			}
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventUserSuspended, 1, func(state User, ev eventstore.Event) (User, error) {
			p, err := replay.Decode[UserSuspended](ev)
			if err != nil {
				return state, err
			}
			state.Status = StatusSuspended
			state.SuspendReason = p.Reason
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventUserActivated, 1, func(state User, ev eventstore.Event) (User, error) {
			state.Status = StatusActive
			state.SuspendReason = ""
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventUserDeleted, 1, func(state User, ev eventstore.Event) (User, error) {
			deletedAt := ev.OccurredAt
			state.Status = StatusDeleted
			state.DeletedAt = &deletedAt
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventQuotaInitialized, 1, func(state User, ev eventstore.Event) (User, error) {
			p, err := replay.Decode[QuotaInitialized](ev)
			if err != nil {
				return state, err
			}
			state.DeviceQuota = p.DeviceQuota
			state.StorageQuotaGB = p.StorageQuotaGB
			state.QuotaReady = true
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		})
}
