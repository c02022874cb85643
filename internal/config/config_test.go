package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
	assert.Equal(t, "@every 1m", cfg.SchedulerSpec)
	assert.Equal(t, "http://localhost:3000,http://localhost:8000", cfg.CORSAllowOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CRM_CALL_TIMEOUT", "5s")
	t.Setenv("CRM_VAULT_OLD_KEYS", "k0:AAAA,k00:BBBB")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://admin.example.com")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, []string{"k0:AAAA", "k00:BBBB"}, cfg.VaultOldKeys)
	assert.Equal(t, "https://admin.example.com", cfg.CORSAllowOrigins)
}
