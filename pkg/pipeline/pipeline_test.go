package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/pipeline"
	"github.com/akaBetsy/cpss/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.InputDir = filepath.Join(root, "input")
	cfg.StagingDir = filepath.Join(root, "staging")
	cfg.LogDir = filepath.Join(root, "logs")
	cfg.CacheDir = filepath.Join(root, "cache")
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o755))
	return cfg
}

func fakeClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
}

func TestCore_CheckPrerequisites(t *testing.T) {
	cfg := testConfig(t)

	t.Run("missing input dir", func(t *testing.T) {
		broken := cfg
		broken.InputDir = filepath.Join(cfg.InputDir, "nope")
		err := pipeline.NewCore(broken).CheckPrerequisites()
		assert.ErrorContains(t, err, "input directory not found")
	})

	t.Run("missing keys", func(t *testing.T) {
		err := pipeline.NewCore(cfg).CheckPrerequisites()
		require.ErrorContains(t, err, "missing API keys")
		assert.ErrorContains(t, err, "Modat")
		assert.ErrorContains(t, err, "NetworksDB")
	})

	t.Run("keys from environment", func(t *testing.T) {
		t.Setenv(pipeline.ModatKeyEnv, "token")
		t.Setenv(pipeline.NetworksDBKeyEnv, "key")
		assert.NoError(t, pipeline.NewCore(cfg).CheckPrerequisites())
	})
}

func TestCore_DetectInput(t *testing.T) {
	cfg := testConfig(t)

	_, err := pipeline.NewCore(cfg).DetectInput()
	assert.Error(t, err)

	listPath := filepath.Join(cfg.InputDir, "domains.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("example.com\n"), 0o644))

	got, err := pipeline.NewCore(cfg).DetectInput()
	require.NoError(t, err)
	assert.Equal(t, listPath, got)
}

func TestCore_Collect_UnknownSource(t *testing.T) {
	cfg := testConfig(t)
	core := pipeline.NewCore(cfg, pipeline.WithClock(fakeClock()))

	err := core.Collect(context.Background(), []string{"example.com"}, []types.SourceID{"shodan"})
	assert.ErrorContains(t, err, "not a supported source")
}

func TestCore_Collect_NoDomains(t *testing.T) {
	cfg := testConfig(t)
	core := pipeline.NewCore(cfg)

	err := core.Collect(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "no domains")
}

func TestCore_Services(t *testing.T) {
	t.Setenv(pipeline.ModatKeyEnv, "token")

	t.Run("no staged addresses", func(t *testing.T) {
		cfg := testConfig(t)
		core := pipeline.NewCore(cfg, pipeline.WithClock(fakeClock()))
		err := core.Services(context.Background(), false)
		assert.ErrorContains(t, err, "no IPv4 addresses")
	})

	t.Run("declined confirmation aborts", func(t *testing.T) {
		cfg := testConfig(t)
		hostDir := filepath.Join(cfg.StagingDir, pipeline.HostDirName)
		require.NoError(t, os.MkdirAll(hostDir, 0o755))
		scan := `{"results": [{"ip": "203.0.113.5"}, {"ip": "203.0.113.6"}]}`
		require.NoError(t, os.WriteFile(
			filepath.Join(hostDir, "modat_host_example_com_20260829.json"), []byte(scan), 0o644))

		var prompted string
		core := pipeline.NewCore(cfg,
			pipeline.WithClock(fakeClock()),
			pipeline.WithConfirm(func(prompt string) bool {
				prompted = prompt
				return false
			}))

		err := core.Services(context.Background(), false)
		assert.ErrorIs(t, err, pipeline.ErrAborted)
		assert.Contains(t, prompted, "Scan 2 addresses")

		// The target list is written before the prompt.
		listPath := filepath.Join(cfg.StagingDir, pipeline.ServiceDirName, "_domain_to_ip_20260829.txt")
		b, err := os.ReadFile(listPath)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.5\n203.0.113.6\n", string(b))
	})

	t.Run("reuses earlier target list", func(t *testing.T) {
		cfg := testConfig(t)
		serviceDir := filepath.Join(cfg.StagingDir, pipeline.ServiceDirName)
		require.NoError(t, os.MkdirAll(serviceDir, 0o755))
		require.NoError(t, os.WriteFile(
			filepath.Join(serviceDir, "_domain_to_ip_20260801.txt"),
			[]byte("203.0.113.9\nnot an ip\n"), 0o644))

		var prompted string
		core := pipeline.NewCore(cfg,
			pipeline.WithClock(fakeClock()),
			pipeline.WithConfirm(func(prompt string) bool {
				prompted = prompt
				return false
			}))

		// nothing staged, the old list carries the run to the prompt
		err := core.Services(context.Background(), false)
		assert.ErrorIs(t, err, pipeline.ErrAborted)
		assert.Contains(t, prompted, "Scan 1 addresses")
	})
}
