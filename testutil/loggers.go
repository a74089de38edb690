package testutil

import (
	"testing"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
	"github.com/stretchr/testify/require"
)

// CaptureLogs swaps the global sender for an in-memory one for the
// duration of the test and returns it.
func CaptureLogs(t *testing.T) *send.InternalSender {
	t.Helper()
	prev := grip.GetSender()
	sender, err := send.NewInternalLogger(t.Name(), send.LevelInfo{Default: level.Info, Threshold: level.Debug})
	require.NoError(t, err)
	require.NoError(t, grip.SetSender(sender))
	t.Cleanup(func() { _ = grip.SetSender(prev) })
	return sender
}
