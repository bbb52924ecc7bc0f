package delivery

import (
	"sync"
	"time"
)

// Observer receives engine events. Implementations must not block; they
// are called on the goroutine that produced the event.
type Observer interface {
	PoolCreated(pool ConnectionPool)
	QueueCreated(queue MessageQueue)
	MessageQueued(queue MessageQueue, msg QueuedMessage)
	MessageDelivered(msg QueuedMessage, latency time.Duration)
	MessageRetried(msg QueuedMessage, cause error)
	MessageDeadLettered(entry DeadLetter)
	MessageDropped(msg QueuedMessage, cause error)
	Optimized(report OptimizationReport)
	MetricsSampled(report PerformanceReport)
}

// NopObserver implements Observer with no-ops; embed it to handle a subset
type NopObserver struct{}

func (NopObserver) PoolCreated(ConnectionPool) {}
func (NopObserver) QueueCreated(MessageQueue) {}
func (NopObserver) MessageQueued(MessageQueue, QueuedMessage) {}
func (NopObserver) MessageDelivered(QueuedMessage, time.Duration) {}
func (NopObserver) MessageRetried(QueuedMessage, error) {}
func (NopObserver) MessageDeadLettered(DeadLetter) {}
func (NopObserver) MessageDropped(QueuedMessage, error) {}
func (NopObserver) Optimized(OptimizationReport) {}
func (NopObserver) MetricsSampled(PerformanceReport) {}

type observerSet struct {
	mu        sync.RWMutex
	observers []Observer
}

func (s *observerSet) add(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *observerSet) each(fn func(Observer)) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}
