package delivery

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTickInterval      = 100 * time.Millisecond
	DefaultWorkerConcurrency = 64

	// maxDeferredScan bounds how many future-dated messages one queue may
	// set aside per tick while looking for due ones
	maxDeferredScan = 1024
)

// TickResult describes one scheduler pass
type TickResult struct {
	Dispatched int
	Deferred   int
	Saturated  bool
}

// Scheduler drains queues in priority order on a fixed tick and hands
// due messages to a bounded pool of delivery goroutines
type Scheduler struct {
	queues  *QueueRegistry
	sem     *semaphore.Weighted
	clock   Clock
	tick    time.Duration
	process func(ctx context.Context, msg *QueuedMessage)
	logger  *logrus.Logger

	wg         sync.WaitGroup
	delivered  atomic.Int64
	throughput atomic.Uint64

	tickMu   sync.Mutex
	lastTick time.Time
}

func NewScheduler(queues *QueueRegistry, tick time.Duration, workers int, clock Clock, logger *logrus.Logger, process func(ctx context.Context, msg *QueuedMessage)) *Scheduler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if workers <= 0 {
		workers = DefaultWorkerConcurrency
	}
	return &Scheduler{
		queues:  queues,
		sem:     semaphore.NewWeighted(int64(workers)),
		clock:   clock,
		tick:    tick,
		process: process,
		logger:  logger,
	}
}

// BatchSize is the number of messages a queue may release per tick:
// its per-second rate scaled to the tick, at least one
func BatchSize(rate float64, tick time.Duration) int {
	n := int(math.Floor(rate * tick.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

// Run ticks until ctx is cancelled. Deliveries run under deliverCtx so
// that stopping the ticker does not abort sends already in flight.
func (s *Scheduler) Run(ctx, deliverCtx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.WithField("tick", s.tick).Info("Delivery scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Delivery scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(deliverCtx)
		}
	}
}

// Tick performs one drain pass over every queue, critical first
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clock.Now()
	s.updateThroughput(now)

	var result TickResult
	for _, q := range s.queues.byPriority() {
		due, deferred, saturated := s.drain(q, now)
		result.Deferred += deferred
		for _, msg := range due {
			s.dispatch(ctx, msg)
		}
		result.Dispatched += len(due)
		if saturated {
			result.Saturated = true
			s.logger.WithField("queue", q.info.Name).Debug("All delivery workers busy, deferring remaining queues to next tick")
			break
		}
	}
	return result
}

// drain pops up to one batch of due messages. Future-dated messages are
// set aside and reinserted untouched. A worker slot is reserved for every
// message returned.
func (s *Scheduler) drain(q *queueState, now time.Time) (due []*QueuedMessage, deferred int, saturated bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := BatchSize(q.info.ProcessingRate, s.tick)
	var later []*QueuedMessage
	for len(due) < batch && q.store.Len() > 0 {
		if !q.store.peek().dueAt(now) {
			if len(later) >= maxDeferredScan {
				break
			}
			later = append(later, q.store.pop())
			continue
		}
		if !s.sem.TryAcquire(1) {
			saturated = true
			break
		}
		due = append(due, q.store.pop())
	}
	for _, msg := range later {
		q.store.push(msg)
	}
	if len(due) > 0 {
		q.markProcessedLocked(now)
	}
	return due, len(later), saturated
}

func (s *Scheduler) dispatch(ctx context.Context, msg *QueuedMessage) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.process(ctx, msg)
	}()
}

// Wait blocks until every dispatched delivery has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// markDelivered counts a successful delivery towards throughput
func (s *Scheduler) markDelivered() {
	s.delivered.Add(1)
}

func (s *Scheduler) updateThroughput(now time.Time) {
	if !s.lastTick.IsZero() {
		if elapsed := now.Sub(s.lastTick).Seconds(); elapsed > 0 {
			tp := float64(s.delivered.Swap(0)) / elapsed
			s.throughput.Store(math.Float64bits(tp))
		}
	}
	s.lastTick = now
}

// Throughput returns delivered messages per second over the last tick
func (s *Scheduler) Throughput() float64 {
	return math.Float64frombits(s.throughput.Load())
}
