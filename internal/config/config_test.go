package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/crmcache/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	_ = os.Unsetenv("CRMCACHE_CONFIG_FILE")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.OllamaModel)
	assert.Equal(t, "https://api.hubapi.com", cfg.HubSpot.BaseURL)
	assert.Equal(t, 100, cfg.Refresh.PageSize)
	assert.Equal(t, 0, cfg.Refresh.MaxPages, "Refresh must be unbounded unless configured")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CRMCACHE_DATA_PATH", "/var/lib/crmcache")
	t.Setenv("CRMCACHE_EMBEDDING_PROVIDER", "mock")
	t.Setenv("CRMCACHE_PAGE_SIZE", "25")
	t.Setenv("CRMCACHE_HUBSPOT_RPS", "2.5")
	t.Setenv("CRMCACHE_HUBSPOT_ACCESS_TOKEN", "secret")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/crmcache", cfg.Storage.DataPath)
	assert.Equal(t, "mock", cfg.Embedding.Provider)
	assert.Equal(t, 25, cfg.Refresh.PageSize)
	assert.Equal(t, 2.5, cfg.HubSpot.RequestsPerSecond)
	assert.Equal(t, "secret", cfg.HubSpot.AccessToken)
}

func TestLoadConfig_InvalidEnvIntKeepsDefault(t *testing.T) {
	t.Setenv("CRMCACHE_PAGE_SIZE", "not-a-number")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Refresh.PageSize,
		"Unparseable env int must fall back to the default")
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmcache.yaml")
	content := `
storage:
  data_path: /srv/mirror
embedding:
  provider: mock
  mock_dimension: 128
refresh:
  page_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CRMCACHE_CONFIG_FILE", path)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/srv/mirror", cfg.Storage.DataPath)
	assert.Equal(t, 128, cfg.Embedding.MockDim)
	assert.Equal(t, 50, cfg.Refresh.PageSize)
	assert.Equal(t, "https://api.hubapi.com", cfg.HubSpot.BaseURL,
		"Sections absent from the file must keep defaults")
}

func TestLoadConfig_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refresh:\n  page_size: 50\n"), 0o644))
	t.Setenv("CRMCACHE_CONFIG_FILE", path)
	t.Setenv("CRMCACHE_PAGE_SIZE", "10")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Refresh.PageSize, "Environment must take precedence over the file")
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	t.Setenv("CRMCACHE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := config.LoadConfig()
	assert.Error(t, err, "Pointing at a missing config file must fail loudly")
}
