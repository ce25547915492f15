package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/build_orchestrator/domain/modbuild"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10, cfg.Scheduler.MaxConcurrentComponentBuilds)
	require.Equal(t, Duration(10*time.Minute), cfg.Scheduler.PollingInterval)
	require.True(t, cfg.IsBaseModule("platform"))
	require.False(t, cfg.IsBaseModule("gtk"))
}

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  polling_interval: 90s
  max_concurrent_component_builds: 3
build:
  rebuild_strategy: only-changed
  rebuild_strategies_allowed: [only-changed, all]
`), 0o644))

	t.Setenv("MAX_CONCURRENT_COMPONENT_BUILDS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Duration(90*time.Second), cfg.Scheduler.PollingInterval)
	// Environment wins over the file.
	require.Equal(t, 5, cfg.Scheduler.MaxConcurrentComponentBuilds)
	require.Equal(t, string(modbuild.RebuildOnlyChanged), cfg.Build.RebuildStrategy)
	require.True(t, cfg.StrategyAllowed(modbuild.RebuildAll))
	require.False(t, cfg.StrategyAllowed(modbuild.RebuildChangedAndAfter))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := New()
	cfg.Scheduler.MaxConcurrentComponentBuilds = 0
	require.Error(t, cfg.Validate())

	cfg = New()
	cfg.Build.RebuildStrategy = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = New()
	cfg.Messaging.Backend = "carrier-pigeon"
	require.Error(t, cfg.Validate())
}
