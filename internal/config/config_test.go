package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTOMLMissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := LoadTOML(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, 500*time.Millisecond, cfg.CycleTime())
}

func TestLoadTOMLPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	seed := `
cycle_time_ms = 250
control_mode = "Manual"
limit_max_cross = 150000
mock_zaber = true
formula_cross = "v2 * 2"
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	cfg, found, err := LoadTOML(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 250, cfg.CycleTimeMS)
	assert.Equal(t, ModeManual, cfg.ControlMode)
	assert.Equal(t, 150000, cfg.LimitMaxCross)
	assert.True(t, cfg.MockZaber)
	assert.Equal(t, Defaults().FormulaCoax, cfg.FormulaCoax)
}

func TestLoadTOMLRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name, body, want string
	}{
		{"unknown key", "opcua_config_path = \"x\"\n", "failed to parse"},
		{"invalid value", "limit_min_coax = 10\nlimit_max_coax = 5\n", "limit_min_coax:must be less than"},
		{"syntax", "cycle_time_ms = \n", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, _, err := LoadTOML(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, _, err := LoadTOML(filepath.Join(dir, "config.json"))
	assert.ErrorContains(t, err, ".toml extension")
}

func TestEncodeTOMLRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.OffsetCoax = 42
	cfg.ADCOffset1 = 0.5

	data, err := cfg.EncodeTOML()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, _, err := LoadTOML(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
