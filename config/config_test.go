package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, ":9000", c.ManagerListenAddress())
	assert.Equal(t, "localhost:9000", c.ManagerDialAddress())
	assert.Equal(t, ":8003", c.CometListenAddress(3))
	assert.Equal(t, "", c.StatsListenAddress(-1))
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "megacomet.yaml")
	err := os.WriteFile(path, []byte("worker_count: 4\ncomet_base_port: 7000\nmessage_ttl: 30\nstats_base_port: 9100\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("MEGACOMET_WORKER_COUNT", "2")
	t.Setenv("MEGACOMET_LOG_DEBUG", "true")

	c, err := Load(path)
	require.NoError(t, err)

	// environment wins over the file
	assert.Equal(t, uint16(2), c.WorkerCount)
	assert.True(t, c.LogDebug)
	assert.Equal(t, uint16(7000), c.CometBasePort)
	assert.Equal(t, time.Second*30, c.Duration(c.MessageTTL, 0))
	assert.Equal(t, ":9100", c.StatsListenAddress(-1))
	assert.Equal(t, ":9102", c.StatsListenAddress(1))
	assert.Equal(t, MaxManagerConns, c.MaxManagerConns)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no manager host", func(c *Config) { c.ManagerHost = "" }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"too many workers", func(c *Config) { c.WorkerCount = 257; c.MaxManagerConns = 300 }},
		{"comet ports overflow", func(c *Config) { c.CometBasePort = 65530 }},
		{"manager conns below workers", func(c *Config) { c.MaxManagerConns = 4 }},
		{"hash version", func(c *Config) { c.HashVersion = 3 }},
		{"wire version", func(c *Config) { c.WireVersion = 0 }},
		{"zero queue length", func(c *Config) { c.MaxQueueLength = 0 }},
		{"zero pending clients", func(c *Config) { c.MaxPendingClients = 0 }},
	}

	assert.NoError(t, Default().Validate())
	assert.Error(t, (*Config)(nil).Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDuration(t *testing.T) {
	c := Default()
	assert.Equal(t, time.Second*5, c.Duration(0, time.Second*5))
	assert.Equal(t, time.Second*2, c.Duration(2, time.Second*5))
}
