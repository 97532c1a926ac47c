package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6379", c.RedisAddr)
	require.Equal(t, BackendRedis, c.Backend)
	require.Equal(t, LockBackendRedis, c.LockBackend)
	require.Equal(t, "ticket-cleaner", c.LockKey)
	require.Equal(t, 5*time.Minute, c.LockLease)
	require.Equal(t, 500, c.ScanBatchSize)
	require.True(t, c.CleanerEnabled)
	require.Equal(t, 2*time.Minute, c.CleanerInterval)
	require.False(t, c.DropCollection)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TICKET_REGISTRY_BACKEND", "sql")
	t.Setenv("SQL_DRIVER", "sqlite")
	t.Setenv("SQL_DSN", "file:tickets.db")
	t.Setenv("TICKET_REGISTRY_DROP_COLLECTION", "true")
	t.Setenv("CLEANER_ENABLED", "false")
	t.Setenv("LOCK_LEASE", "30s")

	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, BackendSQL, c.Backend)
	require.Equal(t, SQLDriverSQLite, c.SQLDriver)
	require.True(t, c.DropCollection)
	require.False(t, c.CleanerEnabled)
	require.Equal(t, 30*time.Second, c.LockLease)
}

func TestValidate(t *testing.T) {
	t.Setenv("TICKET_REGISTRY_BACKEND", "mongo")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("TICKET_REGISTRY_BACKEND", "sql")
	_, err = Load("")
	require.Error(t, err, "SQL_DSN is required")

	t.Setenv("TICKET_REGISTRY_BACKEND", "memory")
	t.Setenv("TICKET_SCAN_BATCH_SIZE", "0")
	_, err = Load("")
	require.Error(t, err)
}

func TestHolderReload(t *testing.T) {
	// registered so that t.Setenv restores the variable after godotenv writes it
	t.Setenv("TICKET_SCAN_BATCH_SIZE", "")
	t.Setenv("LOCK_LEASE", "")
	require.NoError(t, os.Unsetenv("TICKET_SCAN_BATCH_SIZE"))
	require.NoError(t, os.Unsetenv("LOCK_LEASE"))

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TICKET_SCAN_BATCH_SIZE=100\nLOCK_LEASE=1m\n"), 0o600))

	h, err := NewHolder(envFile)
	require.NoError(t, err)
	before := h.Current()
	require.Equal(t, 100, before.ScanBatchSize)
	require.Equal(t, time.Minute, before.LockLease)

	require.NoError(t, os.WriteFile(envFile, []byte("TICKET_SCAN_BATCH_SIZE=50\nLOCK_LEASE=2m\n"), 0o600))
	after, err := h.Reload()
	require.NoError(t, err)
	require.Equal(t, 50, after.ScanBatchSize)
	require.Same(t, after, h.Current())
	// the old snapshot is never mutated
	require.Equal(t, 100, before.ScanBatchSize)

	require.NoError(t, os.WriteFile(envFile, []byte("TICKET_SCAN_BATCH_SIZE=-1\n"), 0o600))
	_, err = h.Reload()
	require.Error(t, err)
	require.Same(t, after, h.Current())
}

func TestMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
