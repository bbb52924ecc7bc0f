package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionMetrics aggregates connection counters across all pools
type ConnectionMetrics struct {
	Total             int           `json:"total"`
	Active            int           `json:"active"`
	Idle              int           `json:"idle"`
	Failed            int64         `json:"failed"`
	AvgConnectionTime time.Duration `json:"avg_connection_time"`
}

// MessageMetrics aggregates message counters. Each terminal outcome is
// counted exactly once.
type MessageMetrics struct {
	Sent         int64         `json:"sent"`
	Received     int64         `json:"received"`
	Queued       int           `json:"queued"`
	Failed       int64         `json:"failed"`
	Retried      int64         `json:"retried"`
	DeadLettered int64         `json:"dead_lettered"`
	Dropped      int64         `json:"dropped"`
	Partial      int64         `json:"partial"`
	AvgLatency   time.Duration `json:"avg_latency"`
	Throughput   float64       `json:"throughput"`
}

// MemoryMetrics reports process memory against what the host has free
type MemoryMetrics struct {
	Used       uint64  `json:"used"`
	Available  uint64  `json:"available"`
	Percentage float64 `json:"percentage"`
	BufferSize int     `json:"buffer_size"`
}

// ExternalStoreMetrics reports the persistence mirror's health
type ExternalStoreMetrics struct {
	Connections int           `json:"connections"`
	Memory      uint64        `json:"memory"`
	Operations  uint64        `json:"operations"`
	Latency     time.Duration `json:"latency"`
}

// PerformanceMetrics is a point-in-time view of the engine
type PerformanceMetrics struct {
	Connections   ConnectionMetrics    `json:"connections"`
	Messages      MessageMetrics       `json:"messages"`
	Memory        MemoryMetrics        `json:"memory"`
	ExternalStore ExternalStoreMetrics `json:"external_store"`
	SampledAt     time.Time            `json:"sampled_at"`
}

// MemorySampler reports process memory use and host memory available
type MemorySampler interface {
	Sample(ctx context.Context) (used, available uint64, err error)
}

// runningAverage is a cumulative mean of durations
type runningAverage struct {
	count int64
	mean  time.Duration
}

func (a *runningAverage) add(d time.Duration) {
	a.count++
	a.mean += (d - a.mean) / time.Duration(a.count)
}

// MetricsCollector owns the message and connection counters and produces
// PerformanceMetrics samples. It never mutates registry state.
type MetricsCollector struct {
	pools   *PoolRegistry
	queues  *QueueRegistry
	sampler MemorySampler
	mirror  *replicator
	clock   Clock
	logger  *logrus.Logger

	mu          sync.Mutex
	messages    MessageMetrics
	connFailed  int64
	latency     runningAverage
	connTime    runningAverage
	memory      MemoryMetrics
	lastSampled time.Time
}

func NewMetricsCollector(pools *PoolRegistry, queues *QueueRegistry, sampler MemorySampler, mirror *replicator, clock Clock, logger *logrus.Logger) *MetricsCollector {
	return &MetricsCollector{
		pools:   pools,
		queues:  queues,
		sampler: sampler,
		mirror:  mirror,
		clock:   clock,
		logger:  logger,
	}
}

func (m *MetricsCollector) recordReceived() {
	m.mu.Lock()
	m.messages.Received++
	m.mu.Unlock()
}

func (m *MetricsCollector) recordSent(latency time.Duration, partial bool) {
	m.mu.Lock()
	m.messages.Sent++
	if partial {
		m.messages.Partial++
	}
	m.latency.add(latency)
	m.messages.AvgLatency = m.latency.mean
	m.mu.Unlock()
}

func (m *MetricsCollector) recordRetried() {
	m.mu.Lock()
	m.messages.Retried++
	m.mu.Unlock()
}

func (m *MetricsCollector) recordDeadLettered() {
	m.mu.Lock()
	m.messages.Failed++
	m.messages.DeadLettered++
	m.mu.Unlock()
}

func (m *MetricsCollector) recordDropped() {
	m.mu.Lock()
	m.messages.Failed++
	m.messages.Dropped++
	m.mu.Unlock()
}

func (m *MetricsCollector) recordConnectFailed() {
	m.mu.Lock()
	m.connFailed++
	m.mu.Unlock()
}

func (m *MetricsCollector) recordConnectionClosed(open time.Duration) {
	m.mu.Lock()
	m.connTime.add(open)
	m.mu.Unlock()
}

// Sample refreshes the memory reading and returns a fresh snapshot
func (m *MetricsCollector) Sample(ctx context.Context) PerformanceMetrics {
	if m.sampler != nil {
		used, available, err := m.sampler.Sample(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to sample memory usage")
		} else {
			m.mu.Lock()
			m.memory.Used = used
			m.memory.Available = available
			m.memory.Percentage = 0
			if available > 0 {
				m.memory.Percentage = float64(used) / float64(available) * 100
			}
			m.mu.Unlock()
		}
	}
	m.mu.Lock()
	m.lastSampled = m.clock.Now()
	m.mu.Unlock()
	return m.Snapshot(ctx)
}

// Snapshot combines the live counters with registry and mirror readings
// without resampling memory
func (m *MetricsCollector) Snapshot(ctx context.Context) PerformanceMetrics {
	active, idle := m.pools.connectionCounts()
	pending, bytes := m.queues.totals()
	store := m.mirror.stats(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := PerformanceMetrics{
		Connections: ConnectionMetrics{
			Total:             active + idle,
			Active:            active,
			Idle:              idle,
			Failed:            m.connFailed,
			AvgConnectionTime: m.connTime.mean,
		},
		Messages:      m.messages,
		Memory:        m.memory,
		ExternalStore: store,
		SampledAt:     m.lastSampled,
	}
	out.Messages.Queued = pending
	out.Memory.BufferSize = bytes
	return out
}

func (m *MetricsCollector) setThroughput(tp float64) {
	m.mu.Lock()
	m.messages.Throughput = tp
	m.mu.Unlock()
}
