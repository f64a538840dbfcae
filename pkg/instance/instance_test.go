package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetIDPrefersExplicitID(t *testing.T) {
	t.Setenv("TXCORE_INSTANCE_ID", "publisher-7")
	t.Setenv("DYNO", "web.1")
	assert.Equal(t, "publisher-7", GetID())

	t.Setenv("TXCORE_INSTANCE_ID", "")
	assert.Equal(t, "web.1", GetID())
}

func TestOwnerIsUniquePerCall(t *testing.T) {
	t.Setenv("TXCORE_INSTANCE_ID", "w")
	a, b := Owner(), Owner()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^w-\d+-[0-9a-f]{8}$`, a)
}
