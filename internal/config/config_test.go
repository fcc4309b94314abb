package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
port: "9090"
storage:
  driver: memory
feeds:
  native:
    base_url: http://native.local
    timeout: 3s
  token:
    base_url: http://token.local
content:
  base_url: http://content.local
pricing:
  section_cost: "0.5"
pipeline:
  asset_stages: [cover_image, banner]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3*time.Second, cfg.Feeds.Native.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Feeds.Token.Timeout)
	assert.Equal(t, []string{"cover_image", "banner"}, cfg.Pipeline.AssetStages)
	assert.Equal(t, "1", cfg.Prices.JobCost.String())
	assert.Equal(t, "0.5", cfg.Prices.SectionCost.String())
	assert.Equal(t, "0.00125", cfg.Prices.TokenRate.String())
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/credits")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/credits", cfg.Storage.DBSource)
	assert.Equal(t, "content", cfg.Pipeline.PrimaryStage)
	assert.Equal(t, "0.25", cfg.Prices.SectionCost.String())

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feeds.native.base_url")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("NATIVE_FEED_URL", "http://override.local")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "http://override.local", cfg.Feeds.Native.BaseURL)
	assert.Equal(t, 3, cfg.Redis.DB)
}

func TestLoadRejectsBadPricing(t *testing.T) {
	_, err := Load(writeConfig(t, "pricing:\n  token_rate: one-eighth\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_rate")
}

func TestValidateRequiresDBSourceForPostgres(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.Storage.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Storage.Driver = "mongo"
	assert.Error(t, cfg.Validate())
}

func TestMaintenanceDefaults(t *testing.T) {
	t.Setenv("RUN_ON_START", "true")
	cfg, err := Load(writeConfig(t, sampleYAML+"  recover_after: 10m\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Reconcile.RunOnStart)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.RecoverAfter)
	assert.Equal(t, time.Hour, cfg.Pipeline.RetainFor)
	assert.Equal(t, "section", cfg.Pipeline.SectionStage)
	assert.NotEmpty(t, cfg.Pipeline.RecoverCron)
	assert.NotEmpty(t, cfg.Pipeline.PruneCron)
}
