// Copyright 2025 James Ross
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, "auto", cfg.Dispatch.Backend)
	assert.Equal(t, "balanced", cfg.Retention.Policy)
}

func TestValidateRejectsBadWorkerCount(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Count = 0
	assert.Error(t, Validate(cfg))
}

func TestValidateRequiresRedisURLWhenBackendRedis(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatch.Backend = "redis"
	cfg.Dispatch.RedisURL = ""
	assert.Error(t, Validate(cfg))
	cfg.Dispatch.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsUnknownRemoteAccessMode(t *testing.T) {
	cfg := defaultConfig()
	cfg.RemoteAccess.Mode = "vpn"
	assert.Error(t, Validate(cfg))
}
