package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.DefaultProvider)
	assert.Equal(t, float64(600), cfg.InactivityTimeoutSec)
	assert.Equal(t, float64(3600), cfg.IterationTimeoutSec)
	assert.Equal(t, float64(10), cfg.MaxIterations)
	assert.Equal(t, 3, cfg.Concurrency.MaxParallelTasks)
	assert.Equal(t, "sequential", cfg.TaskExecution.Mode)
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("JEEVES_PROVIDER", "codex")
	t.Setenv("JEEVES_MAX_PARALLEL_TASKS", "7")
	t.Setenv("JEEVES_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "codex", cfg.DefaultProvider)
	assert.Equal(t, 7, cfg.Concurrency.MaxParallelTasks)
	assert.True(t, cfg.Debug)
}

func TestLoad_ExplicitConfigFileWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jeeves.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_provider: gemini\ndata_dir: "+dir+"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.DefaultProvider)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoad_MissingExplicitConfigFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
