// File: cmd/root_test.go
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvellek/clicksight/internal/config"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["handover"])
}

func TestApplyRunFlagsOverlaysConfig(t *testing.T) {
	cfg = config.NewDefaultConfig()

	require.NoError(t, runCmd.Flags().Set("max-steps", "5"))
	require.NoError(t, runCmd.Flags().Set("provider", "openai"))
	require.NoError(t, runCmd.Flags().Set("keep-open", "true"))
	defer func() {
		// Flags are package globals; put them back for other tests.
		_ = runCmd.Flags().Set("max-steps", "3")
		_ = runCmd.Flags().Set("provider", "")
		_ = runCmd.Flags().Set("keep-open", "false")
	}()

	applyRunFlags(runCmd)

	assert.Equal(t, 5, cfg.Agent.MaxSteps)
	assert.Equal(t, "openai", cfg.Vision.Provider)
	assert.True(t, cfg.Browser.KeepOpen)

	// Untouched flags leave config defaults alone.
	assert.Equal(t, "body", cfg.Agent.Selector)
}
