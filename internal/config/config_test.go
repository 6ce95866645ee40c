package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.DMGracePeriod)
	assert.Equal(t, 10*time.Second, cfg.RosterRefreshInterval)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, uint32(5), cfg.BreakerFailures)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("DM_GRACE_PERIOD", "5s")
	t.Setenv("ALLOWED_ORIGINS", "localhost:*,tracker.example.com")
	t.Setenv("STORE_DRIVER", DriverBadger)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.DMGracePeriod)
	assert.Equal(t, []string{"localhost:*", "tracker.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("DM_PASSWORD=owlbear\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("DM_PASSWORD") })

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "owlbear", cfg.DMPassword)
	assert.Equal(t, "warn", cfg.LogLevel, "process env wins over the file")

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverPostgres)
	_, err := Load("")
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("STORE_DRIVER", "etcd")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown STORE_DRIVER")
}
