package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Delivery.TickInterval)
	assert.Equal(t, "@every 30s", cfg.Delivery.TunerSchedule)
	assert.Equal(t, 1000, cfg.Delivery.DefaultPool.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Delivery.DefaultPool.IdleTimeout)
	require.Len(t, cfg.Delivery.Queues, 4)
	assert.Equal(t, "collaboration", cfg.Delivery.Queues[0].Name)
	assert.Equal(t, "notifications", cfg.Delivery.Routes["notification"])
	assert.Equal(t, "none", cfg.Mirror.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Mirror.MessageTTL)
	assert.Equal(t, 168*time.Hour, cfg.Delivery.DeadLetterTTL)
	assert.Equal(t, uint32(5), cfg.Mirror.Breaker.MaxFailures)
	assert.Equal(t, "pma_rt", cfg.Metrics.Prefix)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 8080
delivery:
  tick_interval: 250ms
  default_pool:
    max_connections: 64
mirror:
  backend: sqlite
  sqlite:
    path: /tmp/rt.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PMA_INSTANCE_ID", "node-7")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Delivery.TickInterval)
	assert.Equal(t, 64, cfg.Delivery.DefaultPool.MaxConnections)
	assert.Equal(t, "default", cfg.Delivery.DefaultPool.Name)
	assert.Equal(t, "sqlite", cfg.Mirror.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "node-7", cfg.Delivery.InstanceID)
}

func TestQueueRetryAttemptsKeepsExplicitZero(t *testing.T) {
	dir := t.TempDir()
	yaml := `
delivery:
  dead_letter_ttl: 2h
  queues:
    - name: collaboration
      type: realtime
    - name: notifications
      type: notification
      retry_attempts: 5
    - name: system
      type: system
      retry_attempts: 0
    - name: broadcast
      type: broadcast
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Delivery.DeadLetterTTL)
	require.Len(t, cfg.Delivery.Queues, 4)
	assert.Nil(t, cfg.Delivery.Queues[0].RetryAttempts)
	require.NotNil(t, cfg.Delivery.Queues[1].RetryAttempts)
	assert.Equal(t, 5, *cfg.Delivery.Queues[1].RetryAttempts)
	require.NotNil(t, cfg.Delivery.Queues[2].RetryAttempts)
	assert.Equal(t, 0, *cfg.Delivery.Queues[2].RetryAttempts)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Delivery.TickInterval = 0
	cfg.Delivery.Queues = append(cfg.Delivery.Queues, QueueConfig{Name: "system", Type: "pigeon"})
	cfg.Delivery.Routes = map[string]string{"fax": "missing"}
	cfg.Mirror.Backend = "etcd"
	negative := -1
	cfg.Delivery.Queues[0].RetryAttempts = &negative

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "delivery.tick_interval")
	assert.Contains(t, msg, `"system" is duplicated`)
	assert.Contains(t, msg, `type "pigeon"`)
	assert.Contains(t, msg, `unknown queue "missing"`)
	assert.Contains(t, msg, `mirror.backend "etcd"`)
	assert.Contains(t, msg, "delivery.queues[0].retry_attempts must be non-negative")
}

func TestYAMLOmitsSecrets(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)
	cfg.Mirror.Redis.Password = "hunter2"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "tick_interval: 100ms")
	assert.NotContains(t, string(out), "hunter2")
}
