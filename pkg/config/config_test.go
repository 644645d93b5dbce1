package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "config_*.yaml")
	require.NoError(t, err)
	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	return tmp.Name()
}

const minimalConfig = `
project: "optsync-test"
log:
  level: "info"
postgres:
  url: "postgres://localhost/optsync?sslmode=disable"
networks:
  - name: "polygon-mainnet"
    router: "0x1000000000000000000000000000000000000001"
    factory: "0x2000000000000000000000000000000000000002"
    endpoints:
      general:
        - url: "http://localhost:8545"
          qps: 10
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "optsync-test", cfg.Project)
	require.Len(t, cfg.Networks, 1)

	n := cfg.Networks[0]
	assert.Equal(t, "polygon-mainnet", n.Name)
	require.Len(t, n.Endpoints["general"], 1)
	assert.Equal(t, float64(10), n.Endpoints["general"][0].QPS)

	// File not found
	_, err = Load("non_existent_file.yaml")
	assert.Error(t, err)

	// Invalid YAML
	_, err = Load(writeConfig(t, "invalid_yaml: [ unclosed bracket"))
	assert.Error(t, err)
}

func TestLoad_PresetDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	// Unset sync parameters come from the polygon-mainnet preset.
	n := cfg.Networks[0]
	assert.Equal(t, 5*time.Second, n.PollInterval)
	assert.Equal(t, uint64(1000), n.EventWindow)
	assert.Equal(t, uint64(200), n.BlockWindow)
	assert.Equal(t, uint64(10), n.OverlapMargin)
	assert.Equal(t, uint64(1000), n.SeedRewind)
	assert.Equal(t, 10, n.MaxBatches)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Reaper.MaxQueuedAge)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoad_ExplicitOverridesWin(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
networks:
  - name: "polygon-mainnet"
    router: "0x01"
    poll_interval: "9s"
    event_window: 250
    overlap_margin: 3
    endpoints:
      general:
        - url: "http://localhost:8545"
`))
	require.NoError(t, err)

	n := cfg.Networks[0]
	assert.Equal(t, 9*time.Second, n.PollInterval)
	assert.Equal(t, uint64(250), n.EventWindow)
	assert.Equal(t, uint64(3), n.OverlapMargin)
	// Untouched field still comes from the preset.
	assert.Equal(t, uint64(200), n.BlockWindow)
}

func TestLoad_RejectsBadNetworks(t *testing.T) {
	// Unknown preset name
	_, err := Load(writeConfig(t, `
networks:
  - name: "dogecoin-mainnet"
    router: "0x01"
    endpoints:
      general:
        - url: "http://localhost:8545"
`))
	assert.Error(t, err)

	// Missing router
	_, err = Load(writeConfig(t, `
networks:
  - name: "polygon-mainnet"
    endpoints:
      general:
        - url: "http://localhost:8545"
`))
	assert.Error(t, err)

	// No endpoints
	_, err = Load(writeConfig(t, `
networks:
  - name: "polygon-mainnet"
    router: "0x01"
`))
	assert.Error(t, err)

	// No networks at all
	_, err = Load(writeConfig(t, `project: "empty"`))
	assert.Error(t, err)
}

func TestLoad_EnvVars(t *testing.T) {
	os.Setenv("SYNCD_PROJECT", "env-project")
	os.Setenv("SYNCD_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("SYNCD_PROJECT")
		os.Unsetenv("SYNCD_LOG_LEVEL")
	}()

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "env-project", cfg.Project)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestRPCEndpoints(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
networks:
  - name: "bsc-mainnet"
    router: "0x01"
    endpoints:
      general:
        - url: "http://a"
      event-sync:
        - url: "http://b"
        - url: "http://c"
`))
	require.NoError(t, err)

	eps := cfg.Networks[0].RPCEndpoints()
	assert.Len(t, eps["general"], 1)
	assert.Len(t, eps["event-sync"], 2)
	assert.Equal(t, "http://b", eps["event-sync"][0].URL)
}
