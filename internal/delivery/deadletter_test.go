package delivery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterStoreEvictsOldest(t *testing.T) {
	store := NewDeadLetterStore(3)

	for i := 0; i < 5; i++ {
		evicted, ok := store.Append(DeadLetter{Message: QueuedMessage{ID: fmt.Sprintf("m%d", i)}})
		if i < 3 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("m%d", i-3), evicted.Message.ID)
	}

	assert.Equal(t, 3, store.Len())
	ids := func(entries []DeadLetter) []string {
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.Message.ID
		}
		return out
	}
	assert.Equal(t, []string{"m4", "m3", "m2"}, ids(store.List(0)))
	assert.Equal(t, []string{"m4", "m3"}, ids(store.List(2)))
}

func TestDeadLetterStoreDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultDeadLetterCapacity, NewDeadLetterStore(0).Capacity())
}

func TestDeadLetterTakeOnce(t *testing.T) {
	store := NewDeadLetterStore(5)
	store.Append(DeadLetter{Message: QueuedMessage{ID: "a"}})

	entry, ok := store.take("a")
	require.True(t, ok)
	assert.True(t, entry.Requeued)

	_, ok = store.take("a")
	assert.False(t, ok)

	store.untake("a")
	_, ok = store.take("a")
	assert.True(t, ok)

	_, ok = store.take("missing")
	assert.False(t, ok)
}
