package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	assert.Equal(t, BackendZooKeeper, cfg.Backend)
	assert.Equal(t, 10*time.Second, cfg.ZooKeeper.ConnectionTimeout)
	assert.Equal(t, 15*time.Second, cfg.ZooKeeper.SessionTimeout)
	assert.Equal(t, "/locks", cfg.Locks.Root)
	assert.Equal(t, 200*time.Millisecond, cfg.Locks.AcquireRetryDelay)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
backend: etcd
etcd:
  endpoints: [etcd-0:2379, etcd-1:2379]
  sessionTTL: 20s
locks:
  root: /clastor/locks
  acquireRetryDelay: 50ms
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 20*time.Second, cfg.Etcd.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.Etcd.DialTimeout)
	assert.Equal(t, "/clastor/locks", cfg.Locks.Root)
	assert.Equal(t, "debug", cfg.Log.Level)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 50*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 2*time.Second, policy.MaxInterval)
	assert.Equal(t, uint(8), policy.MaxTries)
}

func TestZooKeeperServers(t *testing.T) {
	c := ZooKeeperConfig{ConnectionString: "zk-0:2181, zk-1:2181,,zk-2:2181"}
	assert.Equal(t, []string{"zk-0:2181", "zk-1:2181", "zk-2:2181"}, c.Servers())
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	for _, doc := range []string{
		"backend: consul",
		"unknown: true",
		"locks:\n  root: locks",
		"zookeeper:\n  connectionString: ''",
		"backend: etcd\netcd:\n  endpoints: []",
		"locks:\n  acquireRetryDelay: soon",
	} {
		_, err := Parse([]byte(doc))
		assert.True(t, errors.Is(err, ErrInvalidConfig), doc)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("locks:\n  cleanupTimeout: 3s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Locks.CleanupTimeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
