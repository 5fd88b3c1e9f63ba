package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
}

func TestSubcommandsRegistered(t *testing.T) {
	cmd := rootCmd()
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["runner"])
	assert.True(t, names["version"])
}

func TestSetupLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoclaw.yaml")
	content := `
assistant:
  name: "claw"
data:
  dir: "` + dir + `"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, logger, err := setup(path, "debug")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, "claw", cfg.Assistant.Name)
	assert.Equal(t, dir, cfg.Data.Dir)
}

func TestSetupAppliesEnvOverConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoclaw.yaml")
	content := `
assistant:
  name: "claw"
data:
  dir: "` + dir + `"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("NANOCLAW_ENABLE_APPROVED_EXECUTION", "false")

	cfg, _, err := setup(path, "info")
	require.NoError(t, err)
	assert.False(t, cfg.Webhook.ExecutionEnabled())
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoclaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assistant:\n  name: \"\"\n"), 0644))

	_, _, err := setup(path, "info")
	assert.Error(t, err)
}
