package delivery

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy spaces retries with exponential backoff. A zero Base retries
// on the next tick.
type RetryPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait before attempt retryCount (1-based)
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if p.Base <= 0 || retryCount <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	backoff := float64(p.Base) * math.Pow(factor, float64(retryCount-1))
	if p.Max > 0 && backoff > float64(p.Max) {
		return p.Max
	}
	return time.Duration(backoff)
}

// RetryOutcome is the fate of a failed delivery
type RetryOutcome int

const (
	OutcomeRequeued RetryOutcome = iota
	OutcomeDeadLettered
	OutcomeDropped
)

func (o RetryOutcome) String() string {
	switch o {
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "dropped"
	}
}

const reasonQueueFullOnRetry = "queue full on retry"

// RetryCoordinator decides whether a failed message goes back to its queue,
// to the dead-letter store, or is dropped
type RetryCoordinator struct {
	queues   *QueueRegistry
	dlq      *DeadLetterStore
	policy   RetryPolicy
	clock    Clock
	instance string
	logger   *logrus.Logger
}

func NewRetryCoordinator(queues *QueueRegistry, dlq *DeadLetterStore, policy RetryPolicy, clock Clock, instance string, logger *logrus.Logger) *RetryCoordinator {
	return &RetryCoordinator{
		queues:   queues,
		dlq:      dlq,
		policy:   policy,
		clock:    clock,
		instance: instance,
		logger:   logger,
	}
}

// HandleFailure records cause on msg and routes it. It returns a snapshot
// of the message taken before any requeue, since a requeued message may be
// picked up by the next tick straight away. The dead letter is only set
// for OutcomeDeadLettered.
func (r *RetryCoordinator) HandleFailure(msg *QueuedMessage, cause error) (RetryOutcome, QueuedMessage, DeadLetter) {
	msg.RetryCount++
	msg.ErrorMessage = cause.Error()
	dlqEnabled := r.queues.dlqEnabled(msg.QueueID)

	fields := logrus.Fields{
		"message_id":  msg.ID,
		"queue_id":    msg.QueueID,
		"retry_count": msg.RetryCount,
		"max_retries": msg.MaxRetries,
	}

	if msg.RetryCount < msg.MaxRetries {
		if delay := r.policy.Delay(msg.RetryCount); delay > 0 {
			next := r.clock.Now().Add(delay)
			msg.ScheduledAt = &next
		}
		snapshot := msg.Clone()
		if r.queues.requeue(msg) {
			r.logger.WithFields(fields).WithError(cause).Debug("Delivery failed, message requeued")
			return OutcomeRequeued, snapshot, DeadLetter{}
		}
		msg.ErrorMessage = reasonQueueFullOnRetry + ": " + cause.Error()
	}

	snapshot := msg.Clone()
	if !dlqEnabled {
		r.logger.WithFields(fields).WithError(cause).Warn("Delivery failed permanently, message dropped")
		return OutcomeDropped, snapshot, DeadLetter{}
	}

	entry := DeadLetter{
		Message:   snapshot,
		QueueName: r.queues.queueName(msg.QueueID),
		Reason:    msg.ErrorMessage,
		FailedAt:  r.clock.Now(),
		Instance:  r.instance,
	}
	if evicted, ok := r.dlq.Append(entry); ok {
		r.logger.WithField("message_id", evicted.Message.ID).Debug("Dead-letter store full, evicted oldest entry")
	}
	r.logger.WithFields(fields).WithError(cause).Warn("Delivery failed permanently, message dead-lettered")
	return OutcomeDeadLettered, snapshot, entry
}
