package delivery

import (
	"sync"
	"time"
)

const DefaultHistoryRetention = time.Hour

// deliveryHistory records delivered messages in processedAt order until
// the tuner's cleanup pass purges them
type deliveryHistory struct {
	mu      sync.Mutex
	entries []QueuedMessage
}

func (h *deliveryHistory) add(m QueuedMessage) {
	h.mu.Lock()
	h.entries = append(h.entries, m)
	h.mu.Unlock()
}

// purge drops entries processed before cutoff and returns how many
func (h *deliveryHistory) purge(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	keep := h.entries[:0]
	for _, m := range h.entries {
		if m.ProcessedAt != nil && m.ProcessedAt.Before(cutoff) {
			continue
		}
		keep = append(keep, m)
	}
	removed := len(h.entries) - len(keep)
	for i := len(keep); i < len(h.entries); i++ {
		h.entries[i] = QueuedMessage{}
	}
	h.entries = keep
	return removed
}

// recent returns up to limit entries, newest first
func (h *deliveryHistory) recent(limit int) []QueuedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]QueuedMessage, 0, n)
	for i := len(h.entries) - 1; i >= len(h.entries)-n; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

func (h *deliveryHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
