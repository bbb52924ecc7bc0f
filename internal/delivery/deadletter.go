package delivery

import (
	"sync"
	"time"
)

const DefaultDeadLetterCapacity = 1000

// DeadLetter is a message that exhausted its retry budget
type DeadLetter struct {
	Message   QueuedMessage `json:"message"`
	QueueName string        `json:"queue_name"`
	Reason    string        `json:"reason"`
	FailedAt  time.Time     `json:"failed_at"`
	Instance  string        `json:"instance"`
	Requeued  bool          `json:"requeued"`
}

// DeadLetterStore keeps the most recent dead letters in a ring buffer;
// the oldest entry is evicted first once capacity is reached
type DeadLetterStore struct {
	mu      sync.Mutex
	entries []DeadLetter
	start   int
	count   int
}

func NewDeadLetterStore(capacity int) *DeadLetterStore {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &DeadLetterStore{entries: make([]DeadLetter, capacity)}
}

// Append stores entry and returns the evicted entry, if any
func (s *DeadLetterStore) Append(entry DeadLetter) (DeadLetter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.entries)
	if s.count < capacity {
		s.entries[(s.start+s.count)%capacity] = entry
		s.count++
		return DeadLetter{}, false
	}
	evicted := s.entries[s.start]
	s.entries[s.start] = entry
	s.start = (s.start + 1) % capacity
	return evicted, true
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *DeadLetterStore) List(limit int) []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.start + s.count - 1 - i) % len(s.entries)
		out = append(out, s.entries[idx])
	}
	return out
}

// Len returns the number of retained entries
func (s *DeadLetterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Capacity returns the ring size
func (s *DeadLetterStore) Capacity() int {
	return len(s.entries)
}

// take marks the entry for messageID as requeued and returns a copy of
// its message. Requeued entries cannot be taken again.
func (s *DeadLetterStore) take(messageID string) (DeadLetter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.count; i++ {
		idx := (s.start + i) % len(s.entries)
		if s.entries[idx].Message.ID == messageID && !s.entries[idx].Requeued {
			s.entries[idx].Requeued = true
			return s.entries[idx], true
		}
	}
	return DeadLetter{}, false
}

// untake reverses take when the requeue could not be completed
func (s *DeadLetterStore) untake(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.count; i++ {
		idx := (s.start + i) % len(s.entries)
		if s.entries[idx].Message.ID == messageID && s.entries[idx].Requeued {
			s.entries[idx].Requeued = false
			return
		}
	}
}
