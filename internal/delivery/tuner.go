package delivery

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Proportional tuning rules. This is a plain threshold heuristic, not a
// PID controller.
const (
	poolLowUtilisation = 0.5
	idleTimeoutShrink  = 0.8
	MinIdleTimeout     = 60 * time.Second

	queueHighUtilisation = 0.7
	queueLowUtilisation  = 0.3
	rateGrow             = 1.2
	rateShrink           = 0.9
	MaxProcessingRate    = 500.0
	MinProcessingRate    = 10.0
)

// OptimizationKind names what a tuning step changed
type OptimizationKind string

const (
	OptimizePoolIdleTimeout  OptimizationKind = "pool_idle_timeout"
	OptimizeQueueRate        OptimizationKind = "queue_processing_rate"
	OptimizeHistoryCleanup   OptimizationKind = "history_cleanup"
	OptimizeMirrorCompaction OptimizationKind = "mirror_compaction"
	OptimizeDeadLetterTrim   OptimizationKind = "dead_letter_trim"
)

// Optimization is one adjustment made by the tuner
type Optimization struct {
	Kind       OptimizationKind `json:"kind"`
	TargetID   string           `json:"target_id,omitempty"`
	TargetName string           `json:"target_name,omitempty"`
	Before     float64          `json:"before"`
	After      float64          `json:"after"`
	Reason     string           `json:"reason"`
}

// AutoTuner adjusts pool idle timeouts and queue processing rates from
// observed load, and purges old delivery history
type AutoTuner struct {
	pools     *PoolRegistry
	queues    *QueueRegistry
	history   *deliveryHistory
	retention time.Duration
	clock     Clock
	logger    *logrus.Logger
}

func NewAutoTuner(pools *PoolRegistry, queues *QueueRegistry, history *deliveryHistory, retention time.Duration, clock Clock, logger *logrus.Logger) *AutoTuner {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &AutoTuner{
		pools:     pools,
		queues:    queues,
		history:   history,
		retention: retention,
		clock:     clock,
		logger:    logger,
	}
}

// Run performs one tuning pass and returns what it changed
func (t *AutoTuner) Run() []Optimization {
	var out []Optimization
	for _, p := range t.pools.states() {
		if opt, ok := t.tunePool(p); ok {
			out = append(out, opt)
		}
	}
	for _, q := range t.queues.states() {
		if opt, ok := t.tuneQueue(q); ok {
			out = append(out, opt)
		}
	}
	if t.history != nil {
		cutoff := t.clock.Now().Add(-t.retention)
		if n := t.history.purge(cutoff); n > 0 {
			out = append(out, Optimization{
				Kind:   OptimizeHistoryCleanup,
				Before: float64(n),
				Reason: fmt.Sprintf("purged %d delivered messages older than %s", n, t.retention),
			})
		}
	}

	for _, opt := range out {
		t.logger.WithFields(logrus.Fields{
			"kind":   opt.Kind,
			"target": opt.TargetName,
			"before": opt.Before,
			"after":  opt.After,
		}).Info(opt.Reason)
	}
	return out
}

func (t *AutoTuner) tunePool(p *poolState) (Optimization, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := &p.info
	if !info.Active || float64(info.ActiveConnections) >= poolLowUtilisation*float64(info.MaxConnections) {
		return Optimization{}, false
	}
	next := time.Duration(float64(info.IdleTimeout) * idleTimeoutShrink)
	if next < MinIdleTimeout {
		next = MinIdleTimeout
	}
	if next >= info.IdleTimeout {
		return Optimization{}, false
	}
	before := info.IdleTimeout
	info.IdleTimeout = next
	return Optimization{
		Kind:       OptimizePoolIdleTimeout,
		TargetID:   info.ID,
		TargetName: info.Name,
		Before:     float64(before.Milliseconds()),
		After:      float64(next.Milliseconds()),
		Reason:     fmt.Sprintf("pool at %d/%d active connections, idle timeout reduced", info.ActiveConnections, info.MaxConnections),
	}, true
}

func (t *AutoTuner) tuneQueue(q *queueState) (Optimization, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := float64(q.store.Len())
	limit := float64(q.info.MaxSize)
	rate := q.info.ProcessingRate

	var next float64
	var reason string
	switch {
	case size > queueHighUtilisation*limit:
		next = math.Min(rate*rateGrow, MaxProcessingRate)
		if next <= rate {
			return Optimization{}, false
		}
		reason = "queue above 70% capacity, processing rate raised"
	case size < queueLowUtilisation*limit:
		next = math.Max(rate*rateShrink, MinProcessingRate)
		if next >= rate {
			return Optimization{}, false
		}
		reason = "queue below 30% capacity, processing rate lowered"
	default:
		return Optimization{}, false
	}

	q.info.ProcessingRate = next
	return Optimization{
		Kind:       OptimizeQueueRate,
		TargetID:   q.info.ID,
		TargetName: q.info.Name,
		Before:     rate,
		After:      next,
		Reason:     reason,
	}, true
}
