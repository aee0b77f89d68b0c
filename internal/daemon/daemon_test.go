package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildfactory/factoryd/internal/coordinator"
	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/store"
	"github.com/buildfactory/factoryd/internal/uds"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Factory.DefaultEngine)
	assert.Equal(t, filepath.Join(dir, "workspace"), cfg.Factory.Root)
	assert.Equal(t, 97, cfg.Gate.AdvanceScore)
	assert.Equal(t, 90, cfg.Gate.RetryBandScore)
	assert.Equal(t, 3, cfg.Gate.MaxAttempts)
	assert.Equal(t, 50.0, cfg.Limits.CostCeiling)
	assert.Equal(t, 6, cfg.Limits.MaxClarificationRounds)
	assert.Equal(t, 30, cfg.Watcher.StaleRunTimeoutMin)
}

func TestLoadConfig_OverridesAndFills(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
factory:
  root: /srv/factory
  default_engine: aider
gate:
  advance_score: 99
limits:
  cost_ceiling: 25.5
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), content, 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "/srv/factory", cfg.Factory.Root)
	assert.Equal(t, "aider", cfg.Factory.DefaultEngine)
	assert.Equal(t, 99, cfg.Gate.AdvanceScore)
	assert.Equal(t, 25.5, cfg.Limits.CostCeiling)
	// Unset fields still get defaults.
	assert.Equal(t, 90, cfg.Gate.RetryBandScore)
	assert.Equal(t, 2, cfg.Watcher.PollIntervalSec)
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("{{{not yaml"), 0644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestErrorToResponse(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"not found", store.ErrNotFound, uds.ErrCodeNotFound},
		{"project locked", store.ErrProjectLocked, uds.ErrCodeProjectLocked},
		{"unknown engine", engine.ErrUnknownEngine, uds.ErrCodeUnknownEngine},
		{"launch", engine.ErrLaunch, uds.ErrCodeLaunch},
		{"not awaiting", coordinator.ErrNotAwaitingClarification, uds.ErrCodeNotAwaitingClarification},
		{"stale clarification", coordinator.ErrStaleClarification, uds.ErrCodeStaleClarification},
		{"not escalated", coordinator.ErrNotEscalated, uds.ErrCodeNotEscalated},
		{"anything else", os.ErrPermission, uds.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := errorToResponse(tt.err)
			require.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestErrorToResponse_WrappedErrors(t *testing.T) {
	// Wrapped sentinels map the same as bare ones.
	wrapped := fmt.Errorf("run %s: %w", "run_x", store.ErrNotFound)
	resp := errorToResponse(wrapped)
	assert.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
}
