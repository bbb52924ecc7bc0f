package delivery

import (
	"container/heap"
	"sort"
)

// pendingStore is the per-queue buffer of undelivered messages, ordered by
// priority (high first), then creation time, then insertion sequence.
// Callers hold the owning queue's lock.
type pendingStore struct {
	items messageHeap
	bytes int
}

type messageHeap []*QueuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x interface{}) { *h = append(*h, x.(*QueuedMessage)) }

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func before(a, b *QueuedMessage) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *pendingStore) Len() int { return s.items.Len() }

func (s *pendingStore) push(m *QueuedMessage) {
	heap.Push(&s.items, m)
	s.bytes += len(m.Payload)
}

func (s *pendingStore) pop() *QueuedMessage {
	if s.items.Len() == 0 {
		return nil
	}
	m := heap.Pop(&s.items).(*QueuedMessage)
	s.bytes -= len(m.Payload)
	return m
}

func (s *pendingStore) peek() *QueuedMessage {
	if s.items.Len() == 0 {
		return nil
	}
	return s.items[0]
}

// ordered returns copies of up to limit messages in delivery order.
// limit <= 0 returns all of them.
func (s *pendingStore) ordered(limit int) []QueuedMessage {
	sorted := make([]*QueuedMessage, len(s.items))
	copy(sorted, s.items)
	sort.Slice(sorted, func(i, j int) bool { return before(sorted[i], sorted[j]) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]QueuedMessage, len(sorted))
	for i, m := range sorted {
		out[i] = m.Clone()
	}
	return out
}

// remove deletes the message with the given id, if present
func (s *pendingStore) remove(id string) *QueuedMessage {
	for i, m := range s.items {
		if m.ID == id {
			heap.Remove(&s.items, i)
			s.bytes -= len(m.Payload)
			return m
		}
	}
	return nil
}
