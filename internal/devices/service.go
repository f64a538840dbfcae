// Package devices owns the device aggregate and executes the device steps of
// purchase and provisioning sagas.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/participant"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/internal/sagas"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

var deviceNamespace = uuid.MustParse("5e2a9c31-7d4b-4f08-9b6e-1a3c8d2f7e15")

// DefaultSpec sizes devices allocated by purchases, which carry no spec.
var DefaultSpec = sagas.DeviceSpec{CPUCores: 2, MemoryMB: 4096, Image: "android-14"}

// DeviceIDFor derives the device of a saga so a re-executed ALLOCATE_DEVICE
// lands on the same stream.
func DeviceIDFor(sagaID string) string {
	return "dev-" + uuid.NewSHA1(deviceNamespace, []byte(sagaID)).String()
}

// compensationTarget is the device a compensation acts on. When the forward
// step's reply never merged (a timed-out step), the id is derived from the saga.
func compensationTarget(dc deviceContext, sagaID string) string {
	if dc.DeviceID != "" {
		return dc.DeviceID
	}
	return DeviceIDFor(sagaID)
}

// deviceContext is the subset of purchase and provisioning contexts the
// device steps read.
type deviceContext struct {
	UserID   string            `json:"userId"`
	DeviceID string            `json:"deviceId,omitempty"`
	Spec     *sagas.DeviceSpec `json:"spec,omitempty"`
}

type ServiceParams struct {
	Events      *eventstore.Store
	Provisioner Provisioner
	Logger      *logger.Logger
}

type Service struct {
	events      *eventstore.Store
	devices     *replay.Replayer[Device]
	provisioner Provisioner
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Events == nil {
		return nil, errors.New("event store is required")
	}
	if params.Provisioner == nil {
		params.Provisioner = LocalProvisioner{}
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{
		events:      params.Events,
		devices:     replay.NewReplayer(params.Events, DeviceAggregate()),
		provisioner: params.Provisioner,
		logg:        params.Logger,
	}, nil
}

// Devices is the device replayer, registered for the aggregate API.
func (s *Service) Devices() *replay.Replayer[Device] {
	return s.devices
}

func (s *Service) GetDevice(ctx context.Context, deviceID string) (replay.Result[Device], error) {
	return s.devices.Replay(ctx, deviceID, 0)
}

// Register wires the device commands into d.
func (s *Service) Register(d *participant.Dispatcher) error {
	handlers := map[string]participant.Handler{
		sagas.CmdAllocateDevice:    s.allocate,
		sagas.CmdReleaseDevice:     s.release,
		sagas.CmdProvisionDevice:   s.provision,
		sagas.CmdDeprovisionDevice: s.deprovision,
		sagas.CmdStartDevice:       s.start,
	}
	for name, h := range handlers {
		if err := d.Handle(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) allocate(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var dc deviceContext
	if err := participant.Bind(cmd, &dc); err != nil {
		return nil, err
	}
	if dc.UserID == "" {
		return nil, participant.Reject("saga context has no userId")
	}
	spec := DefaultSpec
	if dc.Spec != nil {
		spec = *dc.Spec
	}

	deviceID := DeviceIDFor(cmd.SagaID)
	existing, err := s.loadDevice(ctx, tx, deviceID)
	if err != nil {
		return nil, err
	}
	if existing.Version > 0 {
		if existing.State.SagaID != cmd.SagaID {
			return nil, participant.Rejectf("device %s belongs to saga %s", deviceID, existing.State.SagaID)
		}
		if existing.State.Status == StatusReleased {
			return nil, participant.Rejectf("device %s was already released", deviceID)
		}
		return participant.Output(map[string]any{"deviceId": deviceID})
	}

	err = s.append(ctx, tx, cmd, deviceID, 0, enums.EventDeviceAllocated, DeviceAllocated{
		DeviceID: deviceID,
		UserID:   dc.UserID,
		SagaID:   cmd.SagaID,
		Spec:     spec,
	})
	if err != nil {
		return nil, err
	}
	return participant.Output(map[string]any{"deviceId": deviceID})
}

func (s *Service) release(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var dc deviceContext
	if err := participant.Bind(cmd, &dc); err != nil {
		return nil, err
	}
	deviceID := compensationTarget(dc, cmd.SagaID)
	device, err := s.loadDevice(ctx, tx, deviceID)
	if err != nil {
		return nil, err
	}
	switch device.State.Status {
	case "", StatusReleased:
		return nil, nil
	case StatusProvisioned, StatusRunning:
		// Release never strands a running instance.
		if err := s.provisioner.Deprovision(ctx, device.State.InstanceID); err != nil {
			return nil, fmt.Errorf("deprovision %s: %w", deviceID, err)
		}
		if err := s.append(ctx, tx, cmd, deviceID, device.Version, enums.EventDeviceDeprovisioned, DeviceDeprovisioned{
			InstanceID: device.State.InstanceID,
		}); err != nil {
			return nil, err
		}
		device.Version++
	}
	err = s.append(ctx, tx, cmd, deviceID, device.Version, enums.EventDeviceReleased, DeviceReleased{
		Reason: "saga " + cmd.SagaID + " compensated",
	})
	return nil, err
}

func (s *Service) provision(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var dc deviceContext
	if err := participant.Bind(cmd, &dc); err != nil {
		return nil, err
	}
	device, err := s.requireDevice(ctx, tx, dc.DeviceID)
	if err != nil {
		return nil, err
	}
	switch device.State.Status {
	case StatusProvisioned, StatusRunning:
		return participant.Output(map[string]any{"instanceId": device.State.InstanceID})
	case StatusAllocated, StatusDeprovisioned:
	default:
		return nil, participant.Rejectf("device %s is %s and cannot be provisioned", dc.DeviceID, device.State.Status)
	}

	instanceID, err := s.provisioner.Provision(ctx, dc.DeviceID, device.State.Spec)
	if err != nil {
		return nil, participant.RejectRetryable("provisioning failed: " + err.Error())
	}
	err = s.append(ctx, tx, cmd, dc.DeviceID, device.Version, enums.EventDeviceProvisioned, DeviceProvisioned{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	return participant.Output(map[string]any{"instanceId": instanceID})
}

func (s *Service) deprovision(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var dc deviceContext
	if err := participant.Bind(cmd, &dc); err != nil {
		return nil, err
	}
	deviceID := compensationTarget(dc, cmd.SagaID)
	device, err := s.loadDevice(ctx, tx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.State.Status != StatusProvisioned && device.State.Status != StatusRunning {
		return nil, nil
	}
	if err := s.provisioner.Deprovision(ctx, device.State.InstanceID); err != nil {
		return nil, fmt.Errorf("deprovision %s: %w", deviceID, err)
	}
	err = s.append(ctx, tx, cmd, deviceID, device.Version, enums.EventDeviceDeprovisioned, DeviceDeprovisioned{
		InstanceID: device.State.InstanceID,
	})
	return nil, err
}

func (s *Service) start(ctx context.Context, tx *gorm.DB, cmd saga.Command) (map[string]json.RawMessage, error) {
	var dc deviceContext
	if err := participant.Bind(cmd, &dc); err != nil {
		return nil, err
	}
	device, err := s.requireDevice(ctx, tx, dc.DeviceID)
	if err != nil {
		return nil, err
	}
	switch device.State.Status {
	case StatusRunning:
		return nil, nil
	case StatusProvisioned:
	default:
		return nil, participant.Rejectf("device %s is %s and cannot be started", dc.DeviceID, device.State.Status)
	}
	if err := s.provisioner.Start(ctx, device.State.InstanceID); err != nil {
		return nil, participant.RejectRetryable("start failed: " + err.Error())
	}
	err = s.append(ctx, tx, cmd, dc.DeviceID, device.Version, enums.EventDeviceStarted, DeviceStarted{})
	return nil, err
}

func (s *Service) loadDevice(ctx context.Context, tx *gorm.DB, deviceID string) (replay.Result[Device], error) {
	res, err := s.devices.WithSource(s.events.WithTx(tx)).Replay(ctx, deviceID, 0)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return replay.Result[Device]{AggregateID: deviceID}, nil
	}
	return res, err
}

func (s *Service) requireDevice(ctx context.Context, tx *gorm.DB, deviceID string) (replay.Result[Device], error) {
	if deviceID == "" {
		return replay.Result[Device]{}, participant.Reject("saga context has no deviceId")
	}
	res, err := s.loadDevice(ctx, tx, deviceID)
	if err != nil {
		return res, err
	}
	if res.Version == 0 {
		return res, participant.Rejectf("device %s not found", deviceID)
	}
	return res, nil
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, cmd saga.Command, deviceID string, expected int64, eventType enums.EventType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.events.AppendTx(ctx, tx, eventstore.AppendRequest{
		AggregateID:     deviceID,
		AggregateType:   enums.AggregateDevice,
		ExpectedVersion: expected,
		Events: []eventstore.NewEvent{{
			EventType:     string(eventType),
			SchemaVersion: 1,
			Payload:       body,
			CausationID:   cmd.IdempotencyKey,
			CorrelationID: cmd.SagaID,
			Actor:         "devices",
		}},
	})
	return err
}
