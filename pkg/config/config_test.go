package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaBetsy/cpss/pkg/config"
)

func TestLoad(t *testing.T) {
	t.Run("missing file keeps defaults", func(t *testing.T) {
		c, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, config.Default(), c)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cpss.yaml")
		content := `
staging_dir: /tmp/cpss-staging
modat:
  page_size: 25
  sleep_after_batch: 10s
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		c, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/cpss-staging", c.StagingDir)
		assert.Equal(t, 25, c.Modat.PageSize)
		assert.Equal(t, 10*time.Second, c.Modat.SleepAfterBatch)
		// untouched defaults survive
		assert.Equal(t, "https://api.magnify.modat.io/host/search/v1", c.Modat.HostURL)
	})

	t.Run("broken yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cpss.yaml")
		require.NoError(t, os.WriteFile(path, []byte("modat: ["), 0o644))

		_, err := config.Load(path)
		assert.ErrorContains(t, err, "failed to parse config")
	})
}

func TestAPIKey(t *testing.T) {
	t.Run("env var wins", func(t *testing.T) {
		t.Setenv("CPSS_TEST_KEY", "from-env")

		key, err := config.APIKey("CPSS_TEST_KEY", "does-not-exist.txt")
		require.NoError(t, err)
		assert.Equal(t, "from-env", key)
	})

	t.Run("key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "key.txt")
		require.NoError(t, os.WriteFile(path, []byte("  secret-token \n"), 0o600))

		key, err := config.APIKey("CPSS_UNSET_KEY", path)
		require.NoError(t, err)
		assert.Equal(t, "secret-token", key)
	})

	t.Run("empty key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "key.txt")
		require.NoError(t, os.WriteFile(path, []byte(" \n"), 0o600))

		_, err := config.APIKey("CPSS_UNSET_KEY", path)
		assert.ErrorContains(t, err, "API key file is empty")
	})

	t.Run("optional key missing", func(t *testing.T) {
		assert.Empty(t, config.OptionalAPIKey("CPSS_UNSET_KEY", "does-not-exist.txt"))
	})
}
