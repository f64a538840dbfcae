package devices

import (
	"time"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/internal/sagas"
	"github.com/cloudphone/txcore/pkg/enums"
)

type Status string

const (
	StatusAllocated     Status = "ALLOCATED"
	StatusProvisioned   Status = "PROVISIONED"
	StatusRunning       Status = "RUNNING"
	StatusDeprovisioned Status = "DEPROVISIONED"
	StatusReleased      Status = "RELEASED"
)

// Device is the folded state of a device stream.
type Device struct {
	DeviceID   string           `json:"deviceId"`
	UserID     string           `json:"userId"`
	SagaID     string           `json:"sagaId,omitempty"`
	Status     Status           `json:"status"`
	InstanceID string           `json:"instanceId,omitempty"`
	Spec       sagas.DeviceSpec `json:"spec"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

type DeviceAllocated struct {
	DeviceID string           `json:"deviceId"`
	UserID   string           `json:"userId"`
	SagaID   string           `json:"sagaId,omitempty"`
	Spec     sagas.DeviceSpec `json:"spec"`
}

type DeviceProvisioned struct {
	InstanceID string `json:"instanceId"`
}

type DeviceStarted struct{}

type DeviceDeprovisioned struct {
	InstanceID string `json:"instanceId"`
}

type DeviceReleased struct {
	Reason string `json:"reason,omitempty"`
}

// DeviceAggregate rebuilds devices from their events.
func DeviceAggregate() *replay.Aggregate[Device] {
	return replay.NewAggregate(enums.AggregateDevice, func() Device { return Device{} }).
		On(enums.EventDeviceAllocated, 1, func(_ Device, ev eventstore.Event) (Device, error) {
			p, err := replay.Decode[DeviceAllocated](ev)
			if err != nil {
				return Device{}, err
			}
			return Device{
				DeviceID:  p.DeviceID,
				UserID:    p.UserID,
				SagaID:    p.SagaID,
				Spec:      p.Spec,
				Status:    StatusAllocated,
				UpdatedAt: ev.OccurredAt,
			}, nil
		}).
		On(enums.EventDeviceProvisioned, 1, func(state Device, ev eventstore.Event) (Device, error) {
			p, err := replay.Decode[DeviceProvisioned](ev)
			if err != nil {
				return state, err
			}
			state.Status = StatusProvisioned
			state.InstanceID = p.InstanceID
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventDeviceStarted, 1, func(state Device, ev eventstore.Event) (Device, error) {
			startedAt := ev.OccurredAt
			state.Status = StatusRunning
			state.StartedAt = &startedAt
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventDeviceDeprovisioned, 1, func(state Device, ev eventstore.Event) (Device, error) {
			state.Status = StatusDeprovisioned
			state.InstanceID = ""
			state.StartedAt = nil
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		}).
		On(enums.EventDeviceReleased, 1, func(state Device, ev eventstore.Event) (Device, error) {
			state.Status = StatusReleased
			state.UpdatedAt = ev.OccurredAt
			return state, nil
		})
}
