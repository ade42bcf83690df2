package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/internal/config"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	// An explicitly named but absent file is an error; search-path absence is
	// not.
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	t.Chdir(t.TempDir())

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, config.CacheMissLocal, cfg.CacheMiss.Mode)
	assert.Equal(t, config.DiffFormatCustomJSON, cfg.CacheMiss.DiffFormat)
	assert.True(t, cfg.CacheMiss.Batch)
	assert.Equal(t, 300, cfg.CacheMiss.BatchIntervalSecs)
	assert.Equal(t, 100, cfg.CacheMiss.BatchSize)
	assert.Equal(t, 1000, cfg.CacheMiss.MaxPips)
	assert.Equal(t, 8, cfg.FingerprintStore.PublishFanout)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "millstone.yaml")

	content := []byte(`
cache_miss:
  mode: GitHashes
  diff_format: TreeDiff
  git_repo_path: /repo
  git_key_prefix: fp_
  git_branches: [main, release]
  max_pips: 42
fingerprint_store:
  max_entry_age_minutes: 60
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, config.CacheMissGitHashes, cfg.CacheMiss.Mode)
	assert.Equal(t, config.DiffFormatTreeDiff, cfg.CacheMiss.DiffFormat)
	assert.Equal(t, []string{"main", "release"}, cfg.CacheMiss.GitBranches)
	assert.Equal(t, 42, cfg.CacheMiss.MaxPips)
	assert.Equal(t, 60, cfg.FingerprintStore.MaxEntryAgeMinutes)
}

func TestLoadConfig_RejectsInvalidMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "millstone.yaml")

	require.NoError(t, os.WriteFile(path, []byte("cache_miss:\n  mode: Sideways\n"), 0o644))

	_, err := config.LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache miss mode")
}

func TestConfig_ValidateModeRequirements(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.CacheMiss.Mode = config.CacheMissCustomPath
	cfg.CacheMiss.DiffFormat = config.DiffFormatCustomJSON
	cfg.FingerprintStore.Mode = config.StoreModeDefault

	require.Error(t, cfg.Validate())

	cfg.CacheMiss.CustomStorePath = "/prior/store"
	require.NoError(t, cfg.Validate())

	cfg.CacheMiss.Mode = config.CacheMissRemote
	require.Error(t, cfg.Validate())

	cfg.CacheMiss.Keys = []string{"refs_heads_main"}
	require.NoError(t, cfg.Validate())
}

func TestDefaultYAML_RoundTrips(t *testing.T) {
	raw, err := config.DefaultYAML()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.CacheMissLocal, cfg.CacheMiss.Mode)
}
