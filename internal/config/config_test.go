package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("USER_ID", "u1")
	t.Setenv("DEVICE_ID", "d1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, "d1", cfg.DeviceID)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.ConflictTolerance)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.NetworkPollInterval)
	assert.True(t, cfg.BackgroundSync)
}

func TestLoadRequiresUser(t *testing.T) {
	t.Setenv("USER_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USER_ID")
}

func TestLoadClampsAndParses(t *testing.T) {
	t.Setenv("USER_ID", "u1")
	t.Setenv("DEVICE_ID", "d1")
	t.Setenv("MAX_ATTEMPTS", "500")
	t.Setenv("NETWORK_POLL_INTERVAL", "10")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("BACKGROUND_SYNC", "false")
	t.Setenv("CRITICAL_FIELDS", "address:zip, street;*:ownerId")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MaxMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.NetworkPollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	assert.False(t, cfg.BackgroundSync)
	assert.Equal(t, []string{"zip", "street"}, cfg.CriticalFields["address"])
	assert.Equal(t, []string{"ownerId"}, cfg.CriticalFields["*"])
}

func TestParseCriticalFieldsRejectsGarbage(t *testing.T) {
	_, err := parseCriticalFields("nocolon")
	assert.Error(t, err)
}
