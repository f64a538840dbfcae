// Package sagas defines the saga types txcore runs and the typed contexts
// they carry between participants.
package sagas

// Command names shared by the orchestrator definitions and the participant
// handlers.
const (
	CmdValidatePlan   = "VALIDATE_PLAN"
	CmdCreateOrder    = "CREATE_ORDER"
	CmdCancelOrder    = "CANCEL_ORDER"
	CmdProcessPayment = "PROCESS_PAYMENT"
	CmdRefundPayment  = "REFUND_PAYMENT"
	CmdActivateOrder  = "ACTIVATE_ORDER"

	CmdAllocateDevice    = "ALLOCATE_DEVICE"
	CmdReleaseDevice     = "RELEASE_DEVICE"
	CmdProvisionDevice   = "PROVISION_DEVICE"
	CmdDeprovisionDevice = "DEPROVISION_DEVICE"
	CmdStartDevice       = "START_DEVICE"

	CmdCreateUser      = "CREATE_USER"
	CmdDeleteUser      = "DELETE_USER"
	CmdInitializeQuota = "INITIALIZE_QUOTA"
)

const (
	TypePurchasePlan       = "purchase_plan"
	TypeDeviceProvisioning = "device_provisioning"
	TypeUserRegistration   = "user_registration"
)
