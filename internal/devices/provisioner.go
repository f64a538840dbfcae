package devices

import (
	"context"
	"errors"

	"github.com/cloudphone/txcore/internal/sagas"
)

// Provisioner drives the cloud phone backend. Calls must be idempotent per
// device id.
type Provisioner interface {
	Provision(ctx context.Context, deviceID string, spec sagas.DeviceSpec) (instanceID string, err error)
	Start(ctx context.Context, instanceID string) error
	Deprovision(ctx context.Context, instanceID string) error
}

// LocalProvisioner runs devices on the host's own emulator pool, where the
// instance id is the device id.
type LocalProvisioner struct{}

func (LocalProvisioner) Provision(_ context.Context, deviceID string, spec sagas.DeviceSpec) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id required")
	}
	if spec.Image == "" {
		return "", errors.New("image required")
	}
	return "local-" + deviceID, nil
}

func (LocalProvisioner) Start(_ context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("instance id required")
	}
	return nil
}

func (LocalProvisioner) Deprovision(_ context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("instance id required")
	}
	return nil
}
