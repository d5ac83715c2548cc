package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9898", cfg.HTTPPort)
	assert.Equal(t, filepath.Join("data", "pbh.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join("data", "btn.cache"), cfg.RuleSync.CacheFile)
	assert.Equal(t, time.Hour, cfg.RuleSync.Interval)
	assert.Equal(t, 3, cfg.Detector.BanThreshold)
	assert.DirExists(t, "data")
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PBH_HTTP_PORT", "7000")
	t.Setenv("PBH_RULESYNC__ENDPOINT", "http://127.0.0.1:1/rules")
	t.Setenv("PBH_RULESYNC__INTERVAL", "90s")
	t.Setenv("PBH_DETECTOR__BAN_THRESHOLD", "5")
	t.Setenv("PBH_MATCHER__SCRIPT_EXECUTE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.HTTPPort)
	assert.Equal(t, "http://127.0.0.1:1/rules", cfg.RuleSync.Endpoint)
	assert.Equal(t, 90*time.Second, cfg.RuleSync.Interval)
	assert.Equal(t, 5, cfg.Detector.BanThreshold)
	assert.True(t, cfg.Matcher.ScriptExecute)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	yaml := "data_dir: state\ndetector:\n  rewind_tolerance: 0.02\n  ban_delay: 1m\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("state", "pbh.db"), cfg.DatabasePath)
	assert.InDelta(t, 0.02, cfg.Detector.RewindTolerance, 1e-9)
	assert.Equal(t, time.Minute, cfg.Detector.BanDelay)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Detector.BanThreshold)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.applyDerived()
	require.NoError(t, cfg.Validate())

	cfg.Detector.BanThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.RuleSync.Endpoint = ""
	assert.Error(t, cfg.Validate())

	cfg.RuleSync.Enabled = false
	assert.NoError(t, cfg.Validate())
}
