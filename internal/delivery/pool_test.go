package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
)

func TestCreatePoolDefaults(t *testing.T) {
	clock := newFakeClock()
	reg := NewPoolRegistry(clock)

	pool, err := reg.CreatePool("default")
	require.NoError(t, err)

	assert.NotEmpty(t, pool.ID)
	assert.Equal(t, "default", pool.Name)
	assert.Equal(t, 1000, pool.MaxConnections)
	assert.Equal(t, 30*time.Second, pool.ConnectionTimeout)
	assert.Equal(t, 5*time.Minute, pool.IdleTimeout)
	assert.True(t, pool.Active)
	assert.Equal(t, clock.Now(), pool.CreatedAt)

	got, ok := reg.GetPool(pool.ID)
	require.True(t, ok)
	assert.Equal(t, pool, got)

	_, ok = reg.GetPool("missing")
	assert.False(t, ok)
}

func TestCreatePoolInvalidConfig(t *testing.T) {
	reg := NewPoolRegistry(newFakeClock())

	_, err := reg.CreatePool("p", WithMaxConnections(0))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = reg.CreatePool("p", WithMaxConnections(-5))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = reg.CreatePool("")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	assert.Empty(t, reg.List())
}

func TestPoolConnectionLifecycle(t *testing.T) {
	clock := newFakeClock()
	reg := NewPoolRegistry(clock)
	pool, err := reg.CreatePool("small", WithMaxConnections(2))
	require.NoError(t, err)

	require.NoError(t, reg.Connect(pool.ID, "c1"))
	require.NoError(t, reg.Connect(pool.ID, "c2"))
	require.NoError(t, reg.Connect(pool.ID, "c2"), "reconnecting a known connection is a no-op")

	err = reg.Connect(pool.ID, "c3")
	assert.ErrorIs(t, err, errors.ErrPoolExhausted)

	reg.MarkIdle(pool.ID, "c1")
	snapshot, _ := reg.GetPool(pool.ID)
	assert.Equal(t, 1, snapshot.ActiveConnections)
	assert.Equal(t, 1, snapshot.IdleConnections)
	assert.Equal(t, 1, snapshot.QueuedRequests)

	err = reg.Connect(pool.ID, "c3")
	assert.ErrorIs(t, err, errors.ErrPoolExhausted, "idle connections still count against capacity")

	clock.Advance(time.Minute)
	open, ok := reg.Disconnect(pool.ID, "c1")
	require.True(t, ok)
	assert.Equal(t, time.Minute, open)

	_, ok = reg.Disconnect(pool.ID, "c1")
	assert.False(t, ok)

	require.NoError(t, reg.Connect(pool.ID, "c3"))
	snapshot, _ = reg.GetPool(pool.ID)
	assert.Equal(t, 2, snapshot.ActiveConnections)
	assert.Equal(t, 0, snapshot.IdleConnections)
	assert.Equal(t, 0, snapshot.QueuedRequests)
	assert.LessOrEqual(t, snapshot.ActiveConnections+snapshot.IdleConnections, snapshot.MaxConnections)
}

func TestPoolLastActivityMonotonic(t *testing.T) {
	clock := newFakeClock()
	reg := NewPoolRegistry(clock)
	pool, err := reg.CreatePool("p")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, reg.Connect(pool.ID, "c1"))
	after, _ := reg.GetPool(pool.ID)
	assert.Equal(t, clock.Now(), after.LastActivity)

	clock.Advance(-30 * time.Second)
	reg.MarkIdle(pool.ID, "c1")
	later, _ := reg.GetPool(pool.ID)
	assert.Equal(t, after.LastActivity, later.LastActivity)
}

func TestDeactivatePool(t *testing.T) {
	reg := NewPoolRegistry(newFakeClock())
	pool, err := reg.CreatePool("p")
	require.NoError(t, err)

	deactivated, err := reg.Deactivate(pool.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	err = reg.Connect(pool.ID, "c1")
	assert.ErrorIs(t, err, errors.ErrPoolExhausted)
	assert.Len(t, reg.List(), 1, "inactive pools are retained")

	_, err = reg.Deactivate("missing")
	assert.ErrorIs(t, err, errors.ErrPoolNotFound)

	err = reg.Connect("missing", "c1")
	assert.ErrorIs(t, err, errors.ErrPoolNotFound)
}
