package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedJob string

func (n namedJob) Name() string              { return string(n) }
func (n namedJob) Run(context.Context) error { return nil }

func TestRegistryKeepsRunOrder(t *testing.T) {
	registry := NewRegistry(namedJob("outbox-retention"), nil, namedJob("snapshot-refresh"))
	require.NoError(t, registry.Register(namedJob("saga-timeout-sweep")))

	names := []string{}
	for _, job := range registry.Jobs() {
		names = append(names, job.Name())
	}
	assert.Equal(t, []string{"outbox-retention", "snapshot-refresh", "saga-timeout-sweep"}, names)

	jobs := registry.Jobs()
	jobs[0] = nil
	assert.NotNil(t, registry.Jobs()[0])
}

func TestRegistryRejectsRepeatedNames(t *testing.T) {
	registry := NewRegistry(namedJob("saga-timeout-sweep"), namedJob("saga-timeout-sweep"))
	assert.Len(t, registry.Jobs(), 1)

	err := registry.Register(namedJob("saga-timeout-sweep"))
	assert.EqualError(t, err, `cron job "saga-timeout-sweep" registered twice`)
	assert.NoError(t, registry.Register(nil))
}
