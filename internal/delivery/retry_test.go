package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{Base: time.Second, Factor: 2, Max: 5 * time.Second}

	assert.Equal(t, time.Duration(0), policy.Delay(0))
	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(4))

	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3), "zero base retries on the next tick")
}

func newRetryFixture(t *testing.T, opts ...QueueOption) (*QueueRegistry, *DeadLetterStore, *RetryCoordinator, MessageQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	reg := NewQueueRegistry(clock)
	q, err := reg.CreateQueue("rt", QueueRealtime, opts...)
	require.NoError(t, err)
	dlq := NewDeadLetterStore(10)
	rc := NewRetryCoordinator(reg, dlq, RetryPolicy{}, clock, "node-a", logger.Discard())
	return reg, dlq, rc, q, clock
}

// popOne removes the head message as the scheduler would
func popOne(t *testing.T, reg *QueueRegistry, queueID string) *QueuedMessage {
	t.Helper()
	q, ok := reg.get(queueID)
	require.True(t, ok)
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := q.store.pop()
	require.NotNil(t, msg)
	return msg
}

func TestRetryDeadLettersAtMaxRetries(t *testing.T) {
	reg, dlq, rc, q, _ := newRetryFixture(t)

	_, _, err := reg.Enqueue(q.ID, &QueuedMessage{Type: "edit", MaxRetries: 1})
	require.NoError(t, err)

	msg := popOne(t, reg, q.ID)
	outcome, snapshot, entry := rc.HandleFailure(msg, errUnreachable)

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, 1, snapshot.RetryCount)
	assert.Equal(t, errUnreachable.Error(), entry.Message.ErrorMessage)
	assert.Equal(t, "rt", entry.QueueName)
	assert.Equal(t, "node-a", entry.Instance)

	current, _ := reg.GetQueue(q.ID)
	assert.Equal(t, 0, current.CurrentSize, "dead-lettered message is not re-enqueued")

	entries := dlq.List(0)
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID, entries[0].Message.ID)
}

func TestRetryRequeuesUntilExhausted(t *testing.T) {
	reg, dlq, rc, q, _ := newRetryFixture(t)

	_, original, err := reg.Enqueue(q.ID, &QueuedMessage{Type: "edit", MaxRetries: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		msg := popOne(t, reg, q.ID)
		outcome, snapshot, _ := rc.HandleFailure(msg, errUnreachable)
		require.Equal(t, OutcomeRequeued, outcome)
		assert.Equal(t, attempt, snapshot.RetryCount)
		assert.Equal(t, original.CreatedAt, snapshot.CreatedAt)

		current, _ := reg.GetQueue(q.ID)
		assert.Equal(t, 1, current.CurrentSize)
		assert.LessOrEqual(t, snapshot.RetryCount, snapshot.MaxRetries)
	}

	msg := popOne(t, reg, q.ID)
	outcome, _, _ := rc.HandleFailure(msg, errUnreachable)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, 1, dlq.Len())
}

func TestRetryDropsWhenDLQDisabled(t *testing.T) {
	reg, dlq, rc, q, _ := newRetryFixture(t, WithDLQ(false))

	_, _, err := reg.Enqueue(q.ID, &QueuedMessage{Type: "edit", MaxRetries: 0})
	require.NoError(t, err)

	outcome, snapshot, _ := rc.HandleFailure(popOne(t, reg, q.ID), errUnreachable)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Equal(t, errUnreachable.Error(), snapshot.ErrorMessage)
	assert.Equal(t, 0, dlq.Len())
}

func TestRetryQueueFullIsTerminal(t *testing.T) {
	reg, dlq, rc, q, _ := newRetryFixture(t, WithMaxSize(1))

	_, _, err := reg.Enqueue(q.ID, &QueuedMessage{Type: "first", MaxRetries: 3})
	require.NoError(t, err)
	msg := popOne(t, reg, q.ID)

	_, _, err = reg.Enqueue(q.ID, &QueuedMessage{Type: "second", MaxRetries: 3})
	require.NoError(t, err)

	outcome, _, entry := rc.HandleFailure(msg, errUnreachable)
	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Contains(t, entry.Reason, "queue full on retry")
	assert.Equal(t, 1, dlq.Len())

	current, _ := reg.GetQueue(q.ID)
	assert.Equal(t, 1, current.CurrentSize)
}

func TestRetryBackoffSchedulesFutureAttempt(t *testing.T) {
	clock := newFakeClock()
	reg := NewQueueRegistry(clock)
	q, err := reg.CreateQueue("rt", QueueRealtime)
	require.NoError(t, err)
	rc := NewRetryCoordinator(reg, NewDeadLetterStore(10), RetryPolicy{Base: 2 * time.Second, Factor: 2, Max: time.Minute}, clock, "node-a", logger.Discard())

	_, _, err = reg.Enqueue(q.ID, &QueuedMessage{Type: "edit", MaxRetries: 3})
	require.NoError(t, err)

	outcome, snapshot, _ := rc.HandleFailure(popOne(t, reg, q.ID), errUnreachable)
	require.Equal(t, OutcomeRequeued, outcome)
	require.NotNil(t, snapshot.ScheduledAt)
	assert.Equal(t, clock.Now().Add(2*time.Second), *snapshot.ScheduledAt)
}
