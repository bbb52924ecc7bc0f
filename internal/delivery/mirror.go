package delivery

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrMirrorMiss is returned by Mirror.Get for absent or expired keys
var ErrMirrorMiss = stderrors.New("mirror: key not found")

// Mirror is the durable key/value store state is replicated to
type Mirror interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// MirrorStatter is implemented by mirrors that can report store health
type MirrorStatter interface {
	Stats(ctx context.Context) (ExternalStoreMetrics, error)
}

// MirrorCompactor is implemented by mirrors that need expired entries
// removed explicitly
type MirrorCompactor interface {
	Compact(ctx context.Context) (int64, error)
}

// MirrorDeleter is implemented by mirrors that can remove entries. The
// engine only deletes dead letters beyond their retention.
type MirrorDeleter interface {
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// Mirror key prefixes
const (
	KeyPool       = "pool:"
	KeyQueue      = "queue:"
	KeyMessage    = "message:"
	KeyAck        = "ack:"
	KeyDeadLetter = "dlq:"
)

const (
	replicationBuffer  = 4096
	replicationTimeout = 5 * time.Second
)

// ReplicationResult is the outcome of one best-effort mirror write. It is
// logged, never returned to the caller of the operation that caused it.
type ReplicationResult struct {
	Key      string
	Duration time.Duration
	Err      error
}

type replicationJob struct {
	key   string
	value []byte
	ttl   time.Duration
}

// replicator writes engine state to a Mirror. Before start it writes
// synchronously; after start writes go through a bounded buffer and are
// dropped with a warning when it is full. A nil replicator is a no-op.
type replicator struct {
	mirror Mirror
	logger *logrus.Logger

	mu      sync.RWMutex
	running bool
	jobs    chan replicationJob
	done    chan struct{}

	statsMu sync.Mutex
	ops     uint64
	latency runningAverage
}

func newReplicator(mirror Mirror, logger *logrus.Logger) *replicator {
	if mirror == nil {
		return nil
	}
	return &replicator{mirror: mirror, logger: logger}
}

func (r *replicator) put(key string, v interface{}, ttl time.Duration) {
	if r == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Failed to encode state for mirror")
		return
	}
	job := replicationJob{key: key, value: data, ttl: ttl}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		r.write(context.Background(), job)
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.logger.WithField("key", key).Warn("Mirror replication buffer full, dropping write")
	}
}

func (r *replicator) write(ctx context.Context, job replicationJob) ReplicationResult {
	ctx, cancel := context.WithTimeout(ctx, replicationTimeout)
	defer cancel()

	start := time.Now()
	err := r.mirror.Put(ctx, job.key, job.value, job.ttl)
	result := ReplicationResult{Key: job.key, Duration: time.Since(start), Err: err}

	r.statsMu.Lock()
	r.ops++
	r.latency.add(result.Duration)
	r.statsMu.Unlock()

	if err != nil {
		r.logger.WithError(err).WithField("key", job.key).Warn("Mirror replication failed")
	}
	return result
}

func (r *replicator) start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.jobs = make(chan replicationJob, replicationBuffer)
	r.done = make(chan struct{})

	go func(jobs <-chan replicationJob, done chan<- struct{}) {
		defer close(done)
		for job := range jobs {
			r.write(context.Background(), job)
		}
	}(r.jobs, r.done)
}

// stop flushes buffered writes, giving up when ctx expires
func (r *replicator) stop(ctx context.Context) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.jobs)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Timed out flushing mirror replication buffer")
	}
}

func (r *replicator) list(ctx context.Context, prefix string) (map[string][]byte, error) {
	if r == nil {
		return nil, nil
	}
	return r.mirror.List(ctx, prefix)
}

// trim deletes all but the newest keep dead letters under prefix. Mirrors
// without MirrorDeleter rely on entry TTLs alone.
func (r *replicator) trim(ctx context.Context, prefix string, keep int) (int64, error) {
	if r == nil {
		return 0, nil
	}
	deleter, ok := r.mirror.(MirrorDeleter)
	if !ok {
		return 0, nil
	}
	entries, err := r.mirror.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(entries) <= keep {
		return 0, nil
	}
	keys := newestDeadLetterKeys(entries)
	return deleter.Delete(ctx, keys[keep:]...)
}

func (r *replicator) stats(ctx context.Context) ExternalStoreMetrics {
	if r == nil {
		return ExternalStoreMetrics{}
	}
	var out ExternalStoreMetrics
	if statter, ok := r.mirror.(MirrorStatter); ok {
		s, err := statter.Stats(ctx)
		if err != nil {
			r.logger.WithError(err).Debug("Failed to read mirror stats")
		} else {
			out = s
		}
	}
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if out.Operations == 0 {
		out.Operations = r.ops
	}
	if out.Latency == 0 {
		out.Latency = r.latency.mean
	}
	return out
}

func (r *replicator) compact(ctx context.Context) (int64, error) {
	if r == nil {
		return 0, nil
	}
	compactor, ok := r.mirror.(MirrorCompactor)
	if !ok {
		return 0, nil
	}
	return compactor.Compact(ctx)
}

// deadLetterNanos reads the failure time out of a key shaped
// dlq:<instance>:<unix nanos>:<message id>
func deadLetterNanos(key string) int64 {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0
	}
	rest := key[:i]
	n, err := strconv.ParseInt(rest[strings.LastIndexByte(rest, ':')+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// newestDeadLetterKeys returns the keys of entries, newest failure first
func newestDeadLetterKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := deadLetterNanos(keys[i]), deadLetterNanos(keys[j])
		if ti != tj {
			return ti > tj
		}
		return keys[i] > keys[j]
	})
	return keys
}
