package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("APP_PORT", "")
	t.Setenv("CREDITS_CURRENCY", "")
	t.Setenv("CREDITS_MIN_LIFETIME_EARNED", "")
	t.Setenv("CREDITS_RESERVATION_TTL", "")
	t.Setenv("CACHE_TTL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultAppPort, cfg.AppPort)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, "7.00", cfg.MinLifetimeEarned.StringFixed(2))
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CREDITS_CURRENCY", "eur")
	t.Setenv("CREDITS_MIN_LIFETIME_EARNED", "5.5")
	t.Setenv("CREDITS_RESERVATION_TTL", "30m")
	t.Setenv("CACHE_TTL", "5s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("IS_PROD", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, "5.50", cfg.MinLifetimeEarned.StringFixed(2))
	assert.Equal(t, 30*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.IsProd)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}},
		{"bad threshold", map[string]string{"CREDITS_MIN_LIFETIME_EARNED": "seven"}},
		{"negative threshold", map[string]string{"CREDITS_MIN_LIFETIME_EARNED": "-1"}},
		{"bad ttl", map[string]string{"CREDITS_RESERVATION_TTL": "soon"}},
		{"bad currency", map[string]string{"CREDITS_CURRENCY": "DOLLARS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
