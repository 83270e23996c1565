package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TIMEZONE", "Asia/Bangkok")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.HoldTTL)
	assert.Equal(t, 5*time.Minute, cfg.PaymentWindow)
	assert.Equal(t, 2*time.Second, cfg.SweepInterval)
	assert.Equal(t, BackendMemory, cfg.LockBackend)
	assert.True(t, cfg.SweepInProcess)
	assert.Equal(t, "Asia/Bangkok", cfg.Location.String())
	assert.False(t, cfg.Shared())
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"sweep too slow":       {"SWEEP_INTERVAL": "10s"},
		"sweep too fast":       {"SWEEP_INTERVAL": "100ms"},
		"redis without addr":   {"LOCK_BACKEND": "redis"},
		"crdb without dsn":     {"STORE_BACKEND": "crdb"},
		"unknown lock backend": {"LOCK_BACKEND": "etcd"},
		"relay without broker": {"RELAY_EVENTS": "true"},
		"bad timezone":         {"TIMEZONE": "Mars/Olympus"},
		"zero hold ttl":        {"HOLD_TTL": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
