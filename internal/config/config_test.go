package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "refinery", cfg.Service.Name)
	assert.Equal(t, 10, cfg.Refine.StepBudget)
	assert.True(t, cfg.Refine.Parallel)
	assert.Equal(t, 120*time.Second, cfg.Refine.DebateResolutionTimeout)
	assert.Equal(t, 0.7, cfg.Model.SpecialistTemperature)
	assert.Equal(t, 0.3, cfg.Model.ClassifierTemperature)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refinery.yaml")
	body := []byte(`
service:
  http_port: 9090
model:
  name: gpt-4o
refine:
  step_budget: 6
  parallel: false
redis:
  enabled: true
  addr: redis:6379
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, 6, cfg.Refine.StepBudget)
	assert.False(t, cfg.Refine.Parallel)
	assert.True(t, cfg.Redis.Enabled)
	// untouched keys keep defaults
	assert.Equal(t, 2112, cfg.Service.MetricsPort)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("REFINERY_REFINE_STEP_BUDGET", "4")
	t.Setenv("REFINERY_MODEL_NAME", "gpt-4.1-mini")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Refine.StepBudget)
	assert.Equal(t, "gpt-4.1-mini", cfg.Model.Name)
}

func TestValidateRejectsBadBudget(t *testing.T) {
	cfg := Default()
	cfg.Refine.StepBudget = 0
	assert.Error(t, cfg.Validate())
}
