package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, delivery.Target, string, delivery.Payload) error {
	return nil
}

func TestServiceOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Delivery.InstanceID = "node-a"
	cfg.Delivery.TickInterval = 100 * time.Millisecond
	cfg.Delivery.RetryBackoffBase = time.Second
	cfg.Delivery.RetryBackoffFactor = 2
	cfg.Delivery.RetryBackoffMax = 30 * time.Second
	cfg.Delivery.Routes = map[string]string{"alert": "system"}
	cfg.Mirror.MessageTTL = time.Hour
	cfg.Delivery.DeadLetterTTL = 48 * time.Hour

	opts := serviceOptions(cfg)
	assert.Equal(t, "node-a", opts.InstanceID)
	assert.Equal(t, 100*time.Millisecond, opts.TickInterval)
	assert.Equal(t, time.Hour, opts.MessageTTL)
	assert.Equal(t, 48*time.Hour, opts.DeadLetterTTL)
	assert.Equal(t, 4*time.Second, opts.Retry.Delay(3))
	assert.Equal(t, "system", opts.Routes["alert"])
}

func TestProvisionIsIdempotent(t *testing.T) {
	svc, err := delivery.NewService(delivery.Options{}, delivery.Dependencies{
		Transport: nopTransport{},
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)

	off := false
	zero := 0
	d := config.DeliveryConfig{
		DefaultPool: config.PoolConfig{Name: "default", MaxConnections: 50, IdleTimeout: 2 * time.Minute},
		Queues: []config.QueueConfig{
			{Name: "collaboration", Type: "realtime", MaxSize: 20},
			{Name: "system", Type: "system", DLQEnabled: &off, RetryAttempts: &zero},
		},
	}

	pool, err := provision(svc, d)
	require.NoError(t, err)
	assert.Equal(t, 50, pool.MaxConnections)
	assert.Equal(t, 2*time.Minute, pool.IdleTimeout)

	again, err := provision(svc, d)
	require.NoError(t, err)
	assert.Equal(t, pool.ID, again.ID)

	queues := svc.ListQueues()
	require.Len(t, queues, 2)
	byName := map[string]delivery.MessageQueue{}
	for _, q := range queues {
		byName[q.Name] = q
	}
	assert.Equal(t, 20, byName["collaboration"].MaxSize)
	assert.False(t, byName["system"].DLQEnabled)
	assert.Equal(t, 0, byName["system"].RetryAttempts)
	assert.Equal(t, delivery.DefaultRetryAttempts, byName["collaboration"].RetryAttempts)
	assert.Equal(t, delivery.PriorityCritical, byName["system"].Priority)
}

func TestProvisionRejectsBadQueue(t *testing.T) {
	svc, err := delivery.NewService(delivery.Options{}, delivery.Dependencies{
		Transport: nopTransport{},
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)

	_, err = provision(svc, config.DeliveryConfig{
		DefaultPool: config.PoolConfig{Name: "default"},
		Queues:      []config.QueueConfig{{Name: "x", Type: "carrier-pigeon"}},
	})
	assert.Error(t, err)
}
