package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-titledb/internal/gateway"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Replication.RetryInterval)
	assert.Equal(t, 5, cfg.Replication.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Connect.Timeout)
	assert.Equal(t, 30, cfg.Connect.StartupRetries)
	assert.Equal(t, 2*time.Second, cfg.Connect.StartupDelay)
	assert.Equal(t, gateway.ReadCommitted, cfg.Isolation())

	dsns := cfg.DSNs()
	require.Len(t, dsns, 3)
	assert.NotEmpty(t, dsns[gateway.Central])
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
log_level: debug
nodes:
  central:
    dsn: "root:pw@tcp(db1:3306)/titledb"
  fragA:
    dsn: "root:pw@tcp(db2:3306)/titledb"
  fragB:
    dsn: "root:pw@tcp(db3:3306)/titledb"
replication:
  retry_interval: 30s
  max_retries: 3
default_isolation: "REPEATABLE READ"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Replication.RetryInterval)
	assert.Equal(t, 3, cfg.Replication.MaxRetries)
	assert.Equal(t, gateway.RepeatableRead, cfg.Isolation())
	assert.Equal(t, "root:pw@tcp(db2:3306)/titledb", cfg.DSNs()[gateway.FragA])

	// Unset sections keep their defaults.
	assert.Equal(t, 30, cfg.Connect.StartupRetries)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`default_isolation: "CHAOS MODE"`), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	zero := filepath.Join(dir, "zero.yaml")
	require.NoError(t, os.WriteFile(zero, []byte(`
replication:
  max_retries: -1
`), 0o644))
	_, err = Load(zero)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
