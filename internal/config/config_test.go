package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "postgres", c.DatabaseDriver)
	assert.Equal(t, 20*time.Second, c.HealthCacheTTL)
	assert.Equal(t, 4, c.HealthBatchSize)
	assert.Equal(t, time.Second, c.HealthBatchPause)
	assert.Equal(t, 8888, c.AgentPort)
	assert.Equal(t, "localhost:3000", c.CaddyUpstream)
	assert.Equal(t, "http://localhost:80", c.IngressDefaultService)
	assert.Empty(t, c.APIToken)
	assert.Equal(t, []string{"http://localhost:3000", "http://127.0.0.1:3000"}, c.CORSAllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_URL", "file:test.db")
	t.Setenv("HEALTH_CACHE_BACKEND", "redis")
	t.Setenv("HEALTH_CACHE_TTL", "30s")
	t.Setenv("HEALTH_BATCH_SIZE", "10")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DatabaseDriver)
	assert.Equal(t, "redis", c.HealthCacheBackend)
	assert.Equal(t, 30*time.Second, c.HealthCacheTTL)
	assert.Equal(t, 5, c.HealthBatchSize)
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bad driver", mutate: func(c *Config) { c.DatabaseDriver = "mysql" }, wantErr: "DATABASE_DRIVER"},
		{name: "bad cache", mutate: func(c *Config) { c.HealthCacheBackend = "memcached" }, wantErr: "HEALTH_CACHE_BACKEND"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
		{name: "zero ttl", mutate: func(c *Config) { c.HealthCacheTTL = 0 }, wantErr: "HEALTH_CACHE_TTL"},
		{name: "small batch clamped", mutate: func(c *Config) { c.HealthBatchSize = 1 }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				DatabaseDriver:     "postgres",
				HealthCacheBackend: "memory",
				HealthCacheTTL:     time.Second,
				LogFormat:          "text",
				HealthBatchSize:    4,
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 3, c.HealthBatchSize)
		})
	}
}
