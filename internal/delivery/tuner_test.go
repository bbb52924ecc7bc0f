package delivery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

func newTunerFixture(t *testing.T) (*PoolRegistry, *QueueRegistry, *deliveryHistory, *AutoTuner, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	pools := NewPoolRegistry(clock)
	queues := NewQueueRegistry(clock)
	history := &deliveryHistory{}
	tuner := NewAutoTuner(pools, queues, history, time.Hour, clock, logger.Discard())
	return pools, queues, history, tuner, clock
}

func findOptimization(opts []Optimization, kind OptimizationKind, target string) (Optimization, bool) {
	for _, o := range opts {
		if o.Kind == kind && o.TargetID == target {
			return o, true
		}
	}
	return Optimization{}, false
}

func TestTunerRaisesRateForBusyQueue(t *testing.T) {
	_, queues, _, tuner, _ := newTunerFixture(t)
	q, err := queues.CreateQueue("busy", QueueRealtime, WithMaxSize(100), WithProcessingRate(100))
	require.NoError(t, err)
	fill(t, queues, q.ID, 75)

	opt, ok := findOptimization(tuner.Run(), OptimizeQueueRate, q.ID)
	require.True(t, ok)
	assert.Equal(t, 100.0, opt.Before)
	assert.InDelta(t, 120.0, opt.After, 1e-9)

	current, _ := queues.GetQueue(q.ID)
	assert.InDelta(t, 120.0, current.ProcessingRate, 1e-9)
}

func TestTunerCapsRate(t *testing.T) {
	_, queues, _, tuner, _ := newTunerFixture(t)
	q, err := queues.CreateQueue("busy", QueueRealtime, WithMaxSize(10), WithProcessingRate(450))
	require.NoError(t, err)
	fill(t, queues, q.ID, 8)

	tuner.Run()
	current, _ := queues.GetQueue(q.ID)
	assert.Equal(t, MaxProcessingRate, current.ProcessingRate)

	opts := tuner.Run()
	_, ok := findOptimization(opts, OptimizeQueueRate, q.ID)
	assert.False(t, ok, "rate already at ceiling")
}

func TestTunerLowersRateForIdleQueue(t *testing.T) {
	_, queues, _, tuner, _ := newTunerFixture(t)
	q, err := queues.CreateQueue("quiet", QueueBroadcast, WithMaxSize(100), WithProcessingRate(100))
	require.NoError(t, err)

	tuner.Run()
	current, _ := queues.GetQueue(q.ID)
	assert.InDelta(t, 90.0, current.ProcessingRate, 1e-9)

	for i := 0; i < 50; i++ {
		tuner.Run()
	}
	current, _ = queues.GetQueue(q.ID)
	assert.Equal(t, MinProcessingRate, current.ProcessingRate)
}

func TestTunerLeavesMidLoadQueue(t *testing.T) {
	_, queues, _, tuner, _ := newTunerFixture(t)
	q, err := queues.CreateQueue("steady", QueueRealtime, WithMaxSize(10), WithProcessingRate(100))
	require.NoError(t, err)
	fill(t, queues, q.ID, 5)

	_, ok := findOptimization(tuner.Run(), OptimizeQueueRate, q.ID)
	assert.False(t, ok)
}

func TestTunerShrinksIdleTimeout(t *testing.T) {
	pools, _, _, tuner, _ := newTunerFixture(t)
	pool, err := pools.CreatePool("default", WithMaxConnections(1000))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, pools.Connect(pool.ID, fmt.Sprintf("c%d", i)))
	}

	opt, ok := findOptimization(tuner.Run(), OptimizePoolIdleTimeout, pool.ID)
	require.True(t, ok)
	assert.Equal(t, float64((5 * time.Minute).Milliseconds()), opt.Before)
	assert.Equal(t, float64((4 * time.Minute).Milliseconds()), opt.After)

	for i := 0; i < 20; i++ {
		tuner.Run()
	}
	current, _ := pools.GetPool(pool.ID)
	assert.Equal(t, MinIdleTimeout, current.IdleTimeout)
}

func TestTunerKeepsIdleTimeoutForBusyPool(t *testing.T) {
	pools, _, _, tuner, _ := newTunerFixture(t)
	pool, err := pools.CreatePool("busy", WithMaxConnections(4))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, pools.Connect(pool.ID, fmt.Sprintf("c%d", i)))
	}

	_, ok := findOptimization(tuner.Run(), OptimizePoolIdleTimeout, pool.ID)
	assert.False(t, ok)
}

func TestTunerPurgesHistory(t *testing.T) {
	_, _, history, tuner, clock := newTunerFixture(t)

	old := clock.Now()
	history.add(QueuedMessage{ID: "old", ProcessedAt: &old})
	clock.Advance(90 * time.Minute)
	recent := clock.Now()
	history.add(QueuedMessage{ID: "recent", ProcessedAt: &recent})

	opts := tuner.Run()
	var purged bool
	for _, o := range opts {
		if o.Kind == OptimizeHistoryCleanup {
			purged = true
			assert.Equal(t, 1.0, o.Before)
		}
	}
	assert.True(t, purged)
	require.Equal(t, 1, history.len())
	assert.Equal(t, "recent", history.recent(0)[0].ID)
}
