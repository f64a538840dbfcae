package sagas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllDefinitionsAreValid(t *testing.T) {
	defs, err := All()
	require.NoError(t, err)
	assert.Equal(t, []string{TypeDeviceProvisioning, TypePurchasePlan, TypeUserRegistration}, defs.Types())

	purchase, ok := defs.Get(TypePurchasePlan)
	require.True(t, ok)
	names := make([]string, 0, len(purchase.Steps))
	for _, step := range purchase.Steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{"VALIDATE_PLAN", "CREATE_ORDER", "ALLOCATE_DEVICE", "PROCESS_PAYMENT", "ACTIVATE_ORDER"}, names)
	assert.Equal(t, 3, purchase.MaxStepAttempts)
	assert.False(t, purchase.Steps[0].HasCompensation())
	assert.Equal(t, CmdRefundPayment, purchase.Steps[3].Compensation)
}

func TestPurchaseContextValidation(t *testing.T) {
	validate := PurchasePlan().ValidateContext

	require.NoError(t, validate(json.RawMessage(`{"userId":"u-1","planId":"pro","amount":"99.99","currency":"USD"}`)))
	require.NoError(t, validate(json.RawMessage(`{"userId":"u-1","planId":"pro","amount":99.99,"currency":"USD","deviceCount":2}`)))

	err := validate(json.RawMessage(`{"planId":"pro","amount":"0","currency":"usd"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userId is required")
	assert.Contains(t, err.Error(), "amount must be greater than zero")
	assert.Contains(t, err.Error(), "currency is invalid")

	err = validate(json.RawMessage(`{"userId":"u-1","planId":"pro","amount":"abc","currency":"USD"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode saga context")
}

func TestOtherContextsValidation(t *testing.T) {
	require.NoError(t, DeviceProvisioning().ValidateContext(json.RawMessage(
		`{"userId":"u-1","spec":{"cpuCores":2,"memoryMb":4096,"image":"android-13"}}`)))
	err := DeviceProvisioning().ValidateContext(json.RawMessage(`{"userId":"u-1","spec":{"cpuCores":0,"memoryMb":4096}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpuCores must be at least 1")
	assert.Contains(t, err.Error(), "image is required")

	require.NoError(t, UserRegistration().ValidateContext(json.RawMessage(`{"username":"ada","email":"ada@example.com"}`)))
	err = UserRegistration().ValidateContext(json.RawMessage(`{"username":"ad","email":"nope"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email must be a valid email")
	assert.Contains(t, err.Error(), "username must be at least 3")
}
