package delivery

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
)

const (
	DefaultQueueSize      = 10000
	DefaultProcessingRate = 100.0
	DefaultRetryAttempts  = 3

	// preferredFill and fallbackFill are the utilisation ceilings used by
	// auto-selection for the routed queue and for any other queue
	preferredFill = 0.8
	fallbackFill  = 0.9
)

// InheritRetries as a message's MaxRetries takes the owning queue's
// retryAttempts at enqueue time
const InheritRetries = -1

// DefaultMaxSize returns the default capacity for a queue type
func DefaultMaxSize(t QueueType) int {
	switch t {
	case QueueRealtime:
		return 5000
	case QueueNotification:
		return 15000
	case QueueSystem:
		return 2000
	default:
		return DefaultQueueSize
	}
}

// QueueOption overrides a queue default
type QueueOption func(*MessageQueue)

func WithMaxSize(n int) QueueOption {
	return func(q *MessageQueue) { q.MaxSize = n }
}

func WithProcessingRate(rate float64) QueueOption {
	return func(q *MessageQueue) { q.ProcessingRate = rate }
}

func WithRetryAttempts(n int) QueueOption {
	return func(q *MessageQueue) { q.RetryAttempts = n }
}

func WithDLQ(enabled bool) QueueOption {
	return func(q *MessageQueue) { q.DLQEnabled = enabled }
}

// queueState owns one queue's metadata and pending store. Every mutation
// of either happens under mu.
type queueState struct {
	mu    sync.Mutex
	info  MessageQueue
	store pendingStore
}

func (q *queueState) snapshotLocked() MessageQueue {
	info := q.info
	info.CurrentSize = q.store.Len()
	return info
}

func (q *queueState) snapshot() MessageQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *queueState) markProcessedLocked(now time.Time) {
	if now.After(q.info.LastProcessed) {
		q.info.LastProcessed = now
	}
}

// pushLocked inserts m if the queue has room below limit messages
func (q *queueState) pushLocked(m *QueuedMessage, limit float64) bool {
	size := q.store.Len()
	if size >= q.info.MaxSize || float64(size) >= limit {
		return false
	}
	m.QueueID = q.info.ID
	q.store.push(m)
	return true
}

// QueueRegistry tracks message queues and their pending stores
type QueueRegistry struct {
	mu     sync.RWMutex
	queues map[string]*queueState
	order  []*queueState
	seq    atomic.Uint64
	clock  Clock
}

func NewQueueRegistry(clock Clock) *QueueRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	return &QueueRegistry{
		queues: make(map[string]*queueState),
		clock:  clock,
	}
}

// CreateQueue provisions a queue. Priority derives from the type.
func (r *QueueRegistry) CreateQueue(name string, typ QueueType, opts ...QueueOption) (MessageQueue, error) {
	info := MessageQueue{
		ID:             uuid.New().String(),
		Name:           name,
		Type:           typ,
		Priority:       PriorityFor(typ),
		MaxSize:        DefaultMaxSize(typ),
		ProcessingRate: DefaultProcessingRate,
		RetryAttempts:  DefaultRetryAttempts,
		DLQEnabled:     true,
		CreatedAt:      r.clock.Now(),
	}
	for _, opt := range opts {
		opt(&info)
	}

	switch {
	case name == "":
		return MessageQueue{}, errors.WithDetails(errors.ErrInvalidConfig, "queue name is required")
	case !typ.Valid():
		return MessageQueue{}, errors.Detailf(errors.ErrInvalidConfig, "unknown queue type %q", typ)
	case info.MaxSize <= 0:
		return MessageQueue{}, errors.Detailf(errors.ErrInvalidConfig, "maxSize must be positive, got %d", info.MaxSize)
	case info.ProcessingRate <= 0:
		return MessageQueue{}, errors.Detailf(errors.ErrInvalidConfig, "processingRate must be positive, got %g", info.ProcessingRate)
	case info.RetryAttempts < 0:
		return MessageQueue{}, errors.Detailf(errors.ErrInvalidConfig, "retryAttempts must be non-negative, got %d", info.RetryAttempts)
	}

	r.insert(info)
	return info, nil
}

// restore re-registers a queue record read back from the mirror
func (r *QueueRegistry) restore(info MessageQueue) bool {
	if _, exists := r.get(info.ID); exists || info.ID == "" || info.MaxSize <= 0 || !info.Type.Valid() {
		return false
	}
	info.Priority = PriorityFor(info.Type)
	info.CurrentSize = 0
	r.insert(info)
	return true
}

func (r *QueueRegistry) insert(info MessageQueue) {
	state := &queueState{info: info}
	r.mu.Lock()
	r.queues[info.ID] = state
	r.order = append(r.order, state)
	r.mu.Unlock()
}

func (r *QueueRegistry) get(id string) (*queueState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// GetQueue returns a snapshot of the queue
func (r *QueueRegistry) GetQueue(id string) (MessageQueue, bool) {
	q, ok := r.get(id)
	if !ok {
		return MessageQueue{}, false
	}
	return q.snapshot(), true
}

// Pending returns up to limit pending messages of a queue in delivery order
func (r *QueueRegistry) Pending(id string, limit int) ([]QueuedMessage, bool) {
	q, ok := r.get(id)
	if !ok {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ordered(limit), true
}

// List returns snapshots of all queues in creation order
func (r *QueueRegistry) List() []MessageQueue {
	states := r.states()
	out := make([]MessageQueue, 0, len(states))
	for _, q := range states {
		out = append(out, q.snapshot())
	}
	return out
}

func (r *QueueRegistry) states() []*queueState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*queueState, len(r.order))
	copy(out, r.order)
	return out
}

// byPriority returns queues ordered critical first, creation order within
// a priority class
func (r *QueueRegistry) byPriority() []*queueState {
	states := r.states()
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].info.Priority > states[j].info.Priority
	})
	return states
}

// prepare fills the registry-owned fields of a new message
func (r *QueueRegistry) prepare(m *QueuedMessage) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.clock.Now()
	}
	m.seq = r.seq.Add(1)
}

// Enqueue inserts m into the given queue, failing fast when it is full.
// It returns snapshots of the queue and message taken under the queue lock;
// m itself belongs to the scheduler once inserted.
func (r *QueueRegistry) Enqueue(queueID string, m *QueuedMessage) (MessageQueue, QueuedMessage, error) {
	q, ok := r.get(queueID)
	if !ok {
		return MessageQueue{}, QueuedMessage{}, errors.Detailf(errors.ErrQueueNotFound, "queue %s", queueID)
	}
	r.prepare(m)

	q.mu.Lock()
	defer q.mu.Unlock()
	inheritDefaults(m, q.info)
	if !q.pushLocked(m, float64(q.info.MaxSize)) {
		return MessageQueue{}, QueuedMessage{}, errors.Detailf(errors.ErrQueueFull, "queue %s at %d messages", q.info.Name, q.info.MaxSize)
	}
	return q.snapshotLocked(), m.Clone(), nil
}

// EnqueueAuto routes m to the first queue named preferred under 80%
// utilisation, else to the first queue of any name under 90%
func (r *QueueRegistry) EnqueueAuto(preferred string, m *QueuedMessage) (MessageQueue, QueuedMessage, error) {
	r.prepare(m)
	states := r.states()

	try := func(q *queueState, fill float64) (MessageQueue, QueuedMessage, bool) {
		q.mu.Lock()
		defer q.mu.Unlock()
		saved := *m
		inheritDefaults(m, q.info)
		if q.pushLocked(m, fill*float64(q.info.MaxSize)) {
			return q.snapshotLocked(), m.Clone(), true
		}
		*m = saved
		return MessageQueue{}, QueuedMessage{}, false
	}

	if preferred != "" {
		for _, q := range states {
			if q.info.Name != preferred {
				continue
			}
			if info, snapshot, ok := try(q, preferredFill); ok {
				return info, snapshot, nil
			}
		}
	}
	for _, q := range states {
		if info, snapshot, ok := try(q, fallbackFill); ok {
			return info, snapshot, nil
		}
	}
	return MessageQueue{}, QueuedMessage{}, errors.Detailf(errors.ErrNoAvailableQueue, "no queue below %.0f%% capacity", fallbackFill*100)
}

// requeue re-inserts a failed message as a new entry, keeping its
// original creation time. It fails when the queue is full.
func (r *QueueRegistry) requeue(m *QueuedMessage) bool {
	q, ok := r.get(m.QueueID)
	if !ok {
		return false
	}
	m.seq = r.seq.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(m, float64(q.info.MaxSize))
}

// restoreMessage re-inserts a message recovered from the mirror
func (r *QueueRegistry) restoreMessage(m *QueuedMessage) bool {
	q, ok := r.get(m.QueueID)
	if !ok {
		return false
	}
	m.seq = r.seq.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.store.items {
		if existing.ID == m.ID {
			return false
		}
	}
	return q.pushLocked(m, float64(q.info.MaxSize))
}

// dlqEnabled reports the queue's dead-letter setting
func (r *QueueRegistry) dlqEnabled(queueID string) bool {
	q, ok := r.get(queueID)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.info.DLQEnabled
}

// queueName returns the queue's name or its id if unknown
func (r *QueueRegistry) queueName(queueID string) string {
	q, ok := r.get(queueID)
	if !ok {
		return queueID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.info.Name
}

// totals sums pending messages and payload bytes across all queues
func (r *QueueRegistry) totals() (pending, bytes int) {
	for _, q := range r.states() {
		q.mu.Lock()
		pending += q.store.Len()
		bytes += q.store.bytes
		q.mu.Unlock()
	}
	return pending, bytes
}

func inheritDefaults(m *QueuedMessage, q MessageQueue) {
	if m.Priority == 0 {
		m.Priority = q.Priority
	}
	if m.MaxRetries == InheritRetries {
		m.MaxRetries = q.RetryAttempts
	}
}

// Router maps semantic event types to preferred queue names by substring
type Router struct {
	matches []string
	routes  map[string]string
}

// NewRouter builds a router. Longer matches win; ties break alphabetically.
func NewRouter(routes map[string]string) *Router {
	r := &Router{routes: make(map[string]string, len(routes))}
	for match, queue := range routes {
		key := strings.ToLower(match)
		r.routes[key] = queue
		r.matches = append(r.matches, key)
	}
	sort.Slice(r.matches, func(i, j int) bool {
		if len(r.matches[i]) != len(r.matches[j]) {
			return len(r.matches[i]) > len(r.matches[j])
		}
		return r.matches[i] < r.matches[j]
	})
	return r
}

// Route returns the preferred queue name for an event type, or "" when no
// route matches
func (r *Router) Route(eventType string) string {
	t := strings.ToLower(eventType)
	for _, match := range r.matches {
		if strings.Contains(t, match) {
			return r.routes[match]
		}
	}
	return ""
}
