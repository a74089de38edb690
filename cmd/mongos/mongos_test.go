package main

import (
	"testing"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildApp(t *testing.T) {
	app := buildApp()
	assert.Equal(t, "mongos", app.Name)

	for _, name := range []string{"version", "service", "kv", "find", "count", "aggregate", "index", "backup"} {
		assert.NotNil(t, app.Command(name), name)
	}
	assert.Len(t, app.Flags, 2)
}

func TestLoggingSetup(t *testing.T) {
	sender := grip.GetSender()
	defer func() { assert.NoError(t, grip.SetSender(sender)) }()

	require.NoError(t, loggingSetup("mongos-test", "warning"))
	assert.Equal(t, "mongos-test", grip.GetSender().Name())
	assert.Equal(t, level.Warning, grip.GetSender().Level().Threshold)
}
