package sagas

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/pkg/enums"
)

// PurchaseContext drives purchase_plan. The participant-filled ids start
// empty and arrive through step outputs.
type PurchaseContext struct {
	UserID      string          `json:"userId" validate:"required"`
	PlanID      string          `json:"planId" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,len=3,uppercase"`
	DeviceCount int             `json:"deviceCount" validate:"omitempty,min=1,max=20"`

	OrderID   string `json:"orderId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
}

// DeviceSpec sizes a cloud phone.
type DeviceSpec struct {
	CPUCores int    `json:"cpuCores" validate:"min=1,max=16"`
	MemoryMB int    `json:"memoryMb" validate:"min=512,max=65536"`
	Image    string `json:"image" validate:"required"`
}

// ProvisioningContext drives device_provisioning.
type ProvisioningContext struct {
	UserID string     `json:"userId" validate:"required"`
	Spec   DeviceSpec `json:"spec"`

	DeviceID string `json:"deviceId,omitempty"`
}

// RegistrationContext drives user_registration.
type RegistrationContext struct {
	Username     string `json:"username" validate:"required,min=3,max=32"`
	Email        string `json:"email" validate:"required,email"`
	DeviceQuota  int    `json:"deviceQuota" validate:"omitempty,min=1,max=100"`
	StorageQuota int    `json:"storageQuotaGb" validate:"omitempty,min=1"`

	UserID string `json:"userId,omitempty"`
}

// PurchasePlan buys a plan: the order is created before the device is
// reserved, and payment is taken last so a failed payment releases both.
func PurchasePlan() saga.Definition {
	return saga.Definition{
		Type: TypePurchasePlan,
		Steps: []saga.Step{
			{Name: "VALIDATE_PLAN", Service: enums.ServiceBilling, Command: CmdValidatePlan},
			{Name: "CREATE_ORDER", Service: enums.ServiceBilling, Command: CmdCreateOrder, Compensation: CmdCancelOrder},
			{Name: "ALLOCATE_DEVICE", Service: enums.ServiceDevices, Command: CmdAllocateDevice, Compensation: CmdReleaseDevice},
			{Name: "PROCESS_PAYMENT", Service: enums.ServiceBilling, Command: CmdProcessPayment, Compensation: CmdRefundPayment},
			{Name: "ACTIVATE_ORDER", Service: enums.ServiceBilling, Command: CmdActivateOrder},
		},
		Timeout:                 5 * time.Minute,
		MaxStepAttempts:         3,
		MaxCompensationAttempts: 5,
		ValidateContext:         validatePurchase,
	}
}

func DeviceProvisioning() saga.Definition {
	return saga.Definition{
		Type: TypeDeviceProvisioning,
		Steps: []saga.Step{
			{Name: "ALLOCATE_DEVICE", Service: enums.ServiceDevices, Command: CmdAllocateDevice, Compensation: CmdReleaseDevice},
			{Name: "PROVISION_DEVICE", Service: enums.ServiceDevices, Command: CmdProvisionDevice, Compensation: CmdDeprovisionDevice},
			{Name: "START_DEVICE", Service: enums.ServiceDevices, Command: CmdStartDevice},
		},
		Timeout:                 10 * time.Minute,
		MaxStepAttempts:         3,
		MaxCompensationAttempts: 5,
		ValidateContext: func(raw json.RawMessage) error {
			return decodeAndValidate(raw, &ProvisioningContext{})
		},
	}
}

func UserRegistration() saga.Definition {
	return saga.Definition{
		Type: TypeUserRegistration,
		Steps: []saga.Step{
			{Name: "CREATE_USER", Service: enums.ServiceUsers, Command: CmdCreateUser, Compensation: CmdDeleteUser},
			{Name: "INITIALIZE_QUOTA", Service: enums.ServiceUsers, Command: CmdInitializeQuota},
		},
		Timeout:                 2 * time.Minute,
		MaxStepAttempts:         3,
		MaxCompensationAttempts: 5,
		ValidateContext: func(raw json.RawMessage) error {
			return decodeAndValidate(raw, &RegistrationContext{})
		},
	}
}

func validatePurchase(raw json.RawMessage) error {
	var pc PurchaseContext
	err := decodeAndValidate(raw, &pc)
	if errors.Is(err, errDecode) {
		return err
	}
	if !pc.Amount.IsPositive() {
		err = multierr.Append(err, errors.New("amount must be greater than zero"))
	}
	return err
}

// All builds the definitions the orchestrator runs.
func All() (*saga.Definitions, error) {
	return saga.NewDefinitions(PurchasePlan(), DeviceProvisioning(), UserRegistration())
}
