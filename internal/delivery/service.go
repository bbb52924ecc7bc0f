package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/pkg/errors"
)

const (
	DefaultMessageTTL      = 24 * time.Hour
	DefaultDeadLetterTTL   = 7 * 24 * time.Hour
	DefaultMetricsSchedule = "@every 5s"
	DefaultTunerSchedule   = "@every 30s"

	statusPendingLimit = 100
	stopGracePeriod    = 30 * time.Second
)

// Options configures a Service
type Options struct {
	InstanceID         string
	TickInterval       time.Duration
	WorkerConcurrency  int
	DeadLetterCapacity int
	HistoryRetention   time.Duration
	MessageTTL         time.Duration
	DeadLetterTTL      time.Duration
	MetricsSchedule    string
	TunerSchedule      string
	Retry              RetryPolicy
	Routes             map[string]string
}

// Dependencies are the collaborators a Service is built from. Only
// Transport is required.
type Dependencies struct {
	Transport Transport
	Mirror    Mirror
	Sampler   MemorySampler
	Clock     Clock
	Logger    *logrus.Logger
}

// EnqueueRequest is a producer's request to deliver one event. QueueID is
// optional; when empty the queue is chosen from the event type.
type EnqueueRequest struct {
	QueueID     string     `json:"queue_id,omitempty"`
	Type        string     `json:"type"`
	Payload     Payload    `json:"payload"`
	TargetUsers []string   `json:"target_users,omitempty"`
	TargetRooms []string   `json:"target_rooms,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries  *int       `json:"max_retries,omitempty"`
}

// QueueStatus is a queue with the head of its pending store
type QueueStatus struct {
	Queue           MessageQueue    `json:"queue"`
	PendingMessages []QueuedMessage `json:"pending_messages"`
	ProcessingRate  float64         `json:"processing_rate"`
}

// PerformanceReport is the operator view of the whole engine
type PerformanceReport struct {
	Metrics     PerformanceMetrics `json:"metrics"`
	Pools       []ConnectionPool   `json:"pools"`
	Queues      []MessageQueue     `json:"queues"`
	DeadLetters int                `json:"dead_letters"`
	Uptime      time.Duration      `json:"uptime"`
}

// OptimizationReport is the result of one tuning pass
type OptimizationReport struct {
	Optimizations []Optimization     `json:"optimizations"`
	BeforeMetrics PerformanceMetrics `json:"before_metrics"`
	AfterMetrics  PerformanceMetrics `json:"after_metrics"`
	RanAt         time.Time          `json:"ran_at"`
}

// RestoreReport counts what Restore recovered from the mirror
type RestoreReport struct {
	Pools    int `json:"pools"`
	Queues   int `json:"queues"`
	Messages int `json:"messages"`
	Skipped  int `json:"skipped"`
}

type ackRecord struct {
	Outcome string    `json:"outcome"`
	At      time.Time `json:"at"`
}

// Service is the delivery engine. Multiple independent instances may
// coexist in one process.
type Service struct {
	opts      Options
	clock     Clock
	logger    *logrus.Logger
	pools     *PoolRegistry
	queues    *QueueRegistry
	dlq       *DeadLetterStore
	history   *deliveryHistory
	router    *Router
	worker    *DeliveryWorker
	retry     *RetryCoordinator
	metrics   *MetricsCollector
	tuner     *AutoTuner
	scheduler *Scheduler
	mirror    *replicator
	observers observerSet
	startedAt time.Time

	mu            sync.Mutex
	running       bool
	cron          *cron.Cron
	cancel        context.CancelFunc
	deliverCancel context.CancelFunc
	done          chan struct{}
}

// NewService wires a delivery engine from its collaborators
func NewService(opts Options, deps Dependencies) (*Service, error) {
	if deps.Transport == nil {
		return nil, errors.WithDetails(errors.ErrInvalidConfig, "transport is required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.DeadLetterTTL <= 0 {
		opts.DeadLetterTTL = DefaultDeadLetterTTL
	}
	if opts.MetricsSchedule == "" {
		opts.MetricsSchedule = DefaultMetricsSchedule
	}
	if opts.TunerSchedule == "" {
		opts.TunerSchedule = DefaultTunerSchedule
	}

	s := &Service{
		opts:      opts,
		clock:     deps.Clock,
		logger:    deps.Logger,
		pools:     NewPoolRegistry(deps.Clock),
		queues:    NewQueueRegistry(deps.Clock),
		dlq:       NewDeadLetterStore(opts.DeadLetterCapacity),
		history:   &deliveryHistory{},
		router:    NewRouter(opts.Routes),
		mirror:    newReplicator(deps.Mirror, deps.Logger),
		startedAt: deps.Clock.Now(),
	}
	s.worker = NewDeliveryWorker(deps.Transport, deps.Clock, deps.Logger)
	s.retry = NewRetryCoordinator(s.queues, s.dlq, opts.Retry, deps.Clock, opts.InstanceID, deps.Logger)
	s.metrics = NewMetricsCollector(s.pools, s.queues, deps.Sampler, s.mirror, deps.Clock, deps.Logger)
	s.tuner = NewAutoTuner(s.pools, s.queues, s.history, opts.HistoryRetention, deps.Clock, deps.Logger)
	s.scheduler = NewScheduler(s.queues, opts.TickInterval, opts.WorkerConcurrency, deps.Clock, deps.Logger, s.deliver)
	return s, nil
}

// InstanceID identifies this engine in mirrored dead-letter keys
func (s *Service) InstanceID() string { return s.opts.InstanceID }

// Subscribe registers an observer for engine events
func (s *Service) Subscribe(o Observer) {
	s.observers.add(o)
}

// CreatePool provisions a connection pool and mirrors it
func (s *Service) CreatePool(name string, opts ...PoolOption) (ConnectionPool, error) {
	pool, err := s.pools.CreatePool(name, opts...)
	if err != nil {
		return ConnectionPool{}, err
	}
	s.mirror.put(KeyPool+pool.ID, pool, 0)
	s.logger.WithFields(logrus.Fields{
		"pool_id":         pool.ID,
		"name":            pool.Name,
		"max_connections": pool.MaxConnections,
	}).Info("Connection pool created")
	s.observers.each(func(o Observer) { o.PoolCreated(pool) })
	return pool, nil
}

// EnsurePool returns the pool with the given name, creating it if needed
func (s *Service) EnsurePool(name string, opts ...PoolOption) (ConnectionPool, error) {
	if pool, ok := s.pools.FindByName(name); ok {
		return pool, nil
	}
	return s.CreatePool(name, opts...)
}

// GetConnectionPoolStatus returns the pool, if known
func (s *Service) GetConnectionPoolStatus(poolID string) (ConnectionPool, bool) {
	return s.pools.GetPool(poolID)
}

func (s *Service) ListPools() []ConnectionPool {
	return s.pools.List()
}

// DeactivatePool marks a pool inactive; it then refuses new connections
func (s *Service) DeactivatePool(poolID string) (ConnectionPool, error) {
	pool, err := s.pools.Deactivate(poolID)
	if err != nil {
		return ConnectionPool{}, err
	}
	s.mirror.put(KeyPool+pool.ID, pool, 0)
	s.logger.WithField("pool_id", poolID).Info("Connection pool deactivated")
	return pool, nil
}

// OnConnect admits a transport connection into a pool
func (s *Service) OnConnect(poolID, connID string) error {
	if err := s.pools.Connect(poolID, connID); err != nil {
		s.metrics.recordConnectFailed()
		s.logger.WithFields(logrus.Fields{
			"pool_id":       poolID,
			"connection_id": connID,
		}).WithError(err).Warn("Connection rejected")
		return err
	}
	return nil
}

// OnDisconnect releases a transport connection from its pool
func (s *Service) OnDisconnect(poolID, connID string) {
	if open, ok := s.pools.Disconnect(poolID, connID); ok {
		s.metrics.recordConnectionClosed(open)
	}
}

func (s *Service) MarkIdle(poolID, connID string) {
	s.pools.MarkIdle(poolID, connID)
}

func (s *Service) MarkActive(poolID, connID string) {
	s.pools.MarkActive(poolID, connID)
}

// CreateQueue provisions a message queue and mirrors it
func (s *Service) CreateQueue(name string, typ QueueType, opts ...QueueOption) (MessageQueue, error) {
	queue, err := s.queues.CreateQueue(name, typ, opts...)
	if err != nil {
		return MessageQueue{}, err
	}
	s.mirror.put(KeyQueue+queue.ID, queue, 0)
	s.logger.WithFields(logrus.Fields{
		"queue_id": queue.ID,
		"name":     queue.Name,
		"type":     queue.Type,
		"priority": queue.Priority.String(),
		"max_size": queue.MaxSize,
	}).Info("Message queue created")
	s.observers.each(func(o Observer) { o.QueueCreated(queue) })
	return queue, nil
}

// EnsureQueue returns the first queue with the given name, creating it if
// needed
func (s *Service) EnsureQueue(name string, typ QueueType, opts ...QueueOption) (MessageQueue, error) {
	for _, q := range s.queues.List() {
		if q.Name == name {
			return q, nil
		}
	}
	return s.CreateQueue(name, typ, opts...)
}

// GetMessageQueueStatus returns the queue and the head of its pending store
func (s *Service) GetMessageQueueStatus(queueID string) (QueueStatus, bool) {
	queue, ok := s.queues.GetQueue(queueID)
	if !ok {
		return QueueStatus{}, false
	}
	pending, _ := s.queues.Pending(queueID, statusPendingLimit)
	return QueueStatus{
		Queue:           queue,
		PendingMessages: pending,
		ProcessingRate:  queue.ProcessingRate,
	}, true
}

func (s *Service) ListQueues() []MessageQueue {
	return s.queues.List()
}

// Enqueue accepts a message into the requested queue, or into an
// automatically selected one when QueueID is empty. It never blocks.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Type == "" {
		return "", errors.WithDetails(errors.ErrBadRequest, "message type is required")
	}
	msg := &QueuedMessage{
		Type:        req.Type,
		Payload:     append(Payload(nil), req.Payload...),
		TargetUsers: append([]string(nil), req.TargetUsers...),
		TargetRooms: append([]string(nil), req.TargetRooms...),
		MaxRetries:  InheritRetries,
	}
	if req.Priority != nil {
		if !req.Priority.Valid() {
			return "", errors.Detailf(errors.ErrBadRequest, "invalid priority %d", int(*req.Priority))
		}
		msg.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return "", errors.WithDetails(errors.ErrBadRequest, "maxRetries must be non-negative")
		}
		msg.MaxRetries = *req.MaxRetries
	}
	if req.ScheduledAt != nil {
		at := *req.ScheduledAt
		msg.ScheduledAt = &at
	}

	var (
		queue    MessageQueue
		snapshot QueuedMessage
		err      error
	)
	if req.QueueID != "" {
		queue, snapshot, err = s.queues.Enqueue(req.QueueID, msg)
	} else {
		queue, snapshot, err = s.queues.EnqueueAuto(s.router.Route(req.Type), msg)
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"type":     req.Type,
			"queue_id": req.QueueID,
		}).WithError(err).Debug("Message rejected")
		return "", err
	}

	s.metrics.recordReceived()
	s.mirror.put(KeyMessage+snapshot.ID, snapshot, s.opts.MessageTTL)
	s.logger.WithFields(logrus.Fields{
		"message_id": snapshot.ID,
		"queue":      queue.Name,
		"type":       snapshot.Type,
		"priority":   snapshot.Priority.String(),
	}).Debug("Message queued")
	s.observers.each(func(o Observer) { o.MessageQueued(queue, snapshot) })
	return snapshot.ID, nil
}

// QueueMessage is the producer entry point: the queue is always chosen
// from the event type
func (s *Service) QueueMessage(ctx context.Context, req EnqueueRequest) (string, error) {
	req.QueueID = ""
	return s.Enqueue(ctx, req)
}

// deliver is the scheduler's per-message callback
func (s *Service) deliver(ctx context.Context, msg *QueuedMessage) {
	result := s.worker.Deliver(ctx, msg)
	if result.Err == nil {
		now := s.clock.Now()
		msg.ProcessedAt = &now
		msg.ErrorMessage = ""
		s.scheduler.markDelivered()
		s.metrics.recordSent(result.Latency, result.Partial())

		fields := logrus.Fields{
			"message_id": msg.ID,
			"type":       msg.Type,
			"latency":    result.Latency,
		}
		if result.Partial() {
			fields["delivered"] = result.Delivered
			fields["attempted"] = result.Attempted
			s.logger.WithFields(fields).Warn("Message partially delivered")
		} else {
			s.logger.WithFields(fields).Debug("Message delivered")
		}

		snapshot := msg.Clone()
		s.history.add(snapshot)
		s.mirror.put(KeyAck+msg.ID, ackRecord{Outcome: "delivered", At: now}, s.opts.MessageTTL)
		s.observers.each(func(o Observer) { o.MessageDelivered(snapshot, result.Latency) })
		return
	}

	outcome, snapshot, entry := s.retry.HandleFailure(msg, result.Err)
	switch outcome {
	case OutcomeRequeued:
		s.metrics.recordRetried()
		s.mirror.put(KeyMessage+snapshot.ID, snapshot, s.opts.MessageTTL)
		s.observers.each(func(o Observer) { o.MessageRetried(snapshot, result.Err) })
	case OutcomeDeadLettered:
		s.metrics.recordDeadLettered()
		s.mirror.put(s.deadLetterKey(entry), entry, s.opts.DeadLetterTTL)
		s.mirror.put(KeyAck+snapshot.ID, ackRecord{Outcome: outcome.String(), At: entry.FailedAt}, s.opts.MessageTTL)
		s.observers.each(func(o Observer) { o.MessageDeadLettered(entry) })
	case OutcomeDropped:
		s.metrics.recordDropped()
		s.mirror.put(KeyAck+snapshot.ID, ackRecord{Outcome: outcome.String(), At: s.clock.Now()}, s.opts.MessageTTL)
		s.observers.each(func(o Observer) { o.MessageDropped(snapshot, result.Err) })
	}
}

// deadLetterKey is unique per instance and failure so concurrent
// instances only ever append
func (s *Service) deadLetterKey(entry DeadLetter) string {
	return KeyDeadLetter + s.opts.InstanceID + ":" + strconv.FormatInt(entry.FailedAt.UnixNano(), 10) + ":" + entry.Message.ID
}

// ListDeadLetters returns this instance's dead letters, newest first
func (s *Service) ListDeadLetters(limit int) []DeadLetter {
	return s.dlq.List(limit)
}

// ListClusterDeadLetters returns every instance's dead letters from the
// mirror, newest first. Without a mirror it returns the local store.
func (s *Service) ListClusterDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s.mirror == nil {
		return s.dlq.List(limit), nil
	}
	entries, err := s.mirror.list(ctx, KeyDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, key := range newestDeadLetterKeys(entries) {
		if limit > 0 && len(out) >= limit {
			break
		}
		var entry DeadLetter
		if err := json.Unmarshal(entries[key], &entry); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Skipping undecodable dead letter")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// RequeueDeadLetter puts a dead-lettered message back on its queue as a
// new message with a fresh retry budget and returns the new message id
func (s *Service) RequeueDeadLetter(ctx context.Context, messageID string) (string, error) {
	entry, ok := s.dlq.take(messageID)
	if !ok {
		return "", errors.Detailf(errors.ErrNotFound, "dead letter %s", messageID)
	}
	msg := entry.Message
	req := EnqueueRequest{
		QueueID:     msg.QueueID,
		Type:        msg.Type,
		Payload:     msg.Payload,
		TargetUsers: msg.TargetUsers,
		TargetRooms: msg.TargetRooms,
		Priority:    &msg.Priority,
		MaxRetries:  &msg.MaxRetries,
	}
	id, err := s.Enqueue(ctx, req)
	if err != nil {
		s.dlq.untake(messageID)
		return "", err
	}
	s.logger.WithFields(logrus.Fields{
		"dead_letter_id": messageID,
		"message_id":     id,
	}).Info("Dead letter requeued")
	return id, nil
}

// RecentDeliveries returns delivered messages still in history, newest first
func (s *Service) RecentDeliveries(limit int) []QueuedMessage {
	return s.history.recent(limit)
}

// GetPerformanceMetrics returns the latest metrics with pool and queue
// snapshots
func (s *Service) GetPerformanceMetrics(ctx context.Context) PerformanceReport {
	s.metrics.setThroughput(s.scheduler.Throughput())
	return PerformanceReport{
		Metrics:     s.metrics.Snapshot(ctx),
		Pools:       s.pools.List(),
		Queues:      s.queues.List(),
		DeadLetters: s.dlq.Len(),
		Uptime:      s.clock.Now().Sub(s.startedAt),
	}
}

// OptimizePerformance runs one tuning pass and reports its effect
func (s *Service) OptimizePerformance(ctx context.Context) OptimizationReport {
	report := OptimizationReport{
		BeforeMetrics: s.metrics.Snapshot(ctx),
		RanAt:         s.clock.Now(),
	}

	report.Optimizations = s.tuner.Run()
	for _, opt := range report.Optimizations {
		switch opt.Kind {
		case OptimizePoolIdleTimeout:
			if pool, ok := s.pools.GetPool(opt.TargetID); ok {
				s.mirror.put(KeyPool+pool.ID, pool, 0)
			}
		case OptimizeQueueRate:
			if queue, ok := s.queues.GetQueue(opt.TargetID); ok {
				s.mirror.put(KeyQueue+queue.ID, queue, 0)
			}
		}
	}

	removed, err := s.mirror.compact(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Mirror compaction failed")
	} else if removed > 0 {
		report.Optimizations = append(report.Optimizations, Optimization{
			Kind:   OptimizeMirrorCompaction,
			Before: float64(removed),
			Reason: fmt.Sprintf("removed %d expired mirror entries", removed),
		})
	}
	capacity := s.dlq.Capacity()
	trimmed, err := s.mirror.trim(ctx, KeyDeadLetter+s.opts.InstanceID+":", capacity)
	if err != nil {
		s.logger.WithError(err).Warn("Mirrored dead letter trim failed")
	} else if trimmed > 0 {
		report.Optimizations = append(report.Optimizations, Optimization{
			Kind:   OptimizeDeadLetterTrim,
			Before: float64(trimmed),
			After:  float64(capacity),
			Reason: fmt.Sprintf("removed %d mirrored dead letters beyond capacity %d", trimmed, capacity),
		})
	}
	if report.Optimizations == nil {
		report.Optimizations = []Optimization{}
	}

	report.AfterMetrics = s.metrics.Snapshot(ctx)
	s.observers.each(func(o Observer) { o.Optimized(report) })
	return report
}

// sampleMetrics is the metrics schedule's job
func (s *Service) sampleMetrics(ctx context.Context) {
	s.metrics.setThroughput(s.scheduler.Throughput())
	s.metrics.Sample(ctx)
	report := s.GetPerformanceMetrics(ctx)
	s.observers.each(func(o Observer) { o.MetricsSampled(report) })
}

// ProcessNow runs one scheduler tick and waits for its deliveries
func (s *Service) ProcessNow(ctx context.Context) TickResult {
	result := s.scheduler.Tick(ctx)
	s.scheduler.Wait()
	return result
}

// Restore rebuilds pools, queues and undelivered messages from the
// mirror. It should run before Start. Without a mirror it does nothing.
func (s *Service) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	if s.mirror == nil {
		return report, nil
	}

	pools, err := s.mirror.list(ctx, KeyPool)
	if err != nil {
		return report, fmt.Errorf("failed to list mirrored pools: %w", err)
	}
	for key, data := range pools {
		var pool ConnectionPool
		if err := json.Unmarshal(data, &pool); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Skipping undecodable pool")
			report.Skipped++
			continue
		}
		if s.pools.restore(pool) {
			report.Pools++
		}
	}

	queues, err := s.mirror.list(ctx, KeyQueue)
	if err != nil {
		return report, fmt.Errorf("failed to list mirrored queues: %w", err)
	}
	for key, data := range queues {
		var queue MessageQueue
		if err := json.Unmarshal(data, &queue); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Skipping undecodable queue")
			report.Skipped++
			continue
		}
		if s.queues.restore(queue) {
			report.Queues++
		}
	}

	acks, err := s.mirror.list(ctx, KeyAck)
	if err != nil {
		return report, fmt.Errorf("failed to list mirrored acknowledgements: %w", err)
	}
	messages, err := s.mirror.list(ctx, KeyMessage)
	if err != nil {
		return report, fmt.Errorf("failed to list mirrored messages: %w", err)
	}

	restored := make([]*QueuedMessage, 0, len(messages))
	for key, data := range messages {
		if _, done := acks[KeyAck+strings.TrimPrefix(key, KeyMessage)]; done {
			continue
		}
		var msg QueuedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Skipping undecodable message")
			report.Skipped++
			continue
		}
		restored = append(restored, &msg)
	}
	// reinsert oldest first so sequence numbers follow creation order
	sort.Slice(restored, func(i, j int) bool { return restored[i].CreatedAt.Before(restored[j].CreatedAt) })
	for _, msg := range restored {
		if s.queues.restoreMessage(msg) {
			report.Messages++
		} else {
			report.Skipped++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"pools":    report.Pools,
		"queues":   report.Queues,
		"messages": report.Messages,
		"skipped":  report.Skipped,
	}).Info("Restored delivery state from mirror")
	return report, nil
}

// Start launches the scheduler, the replication buffer and the metrics
// and tuner schedules
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	deliverCtx, deliverCancel := context.WithCancel(context.Background())

	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger)),
	)
	if _, err := c.AddFunc(s.opts.MetricsSchedule, func() { s.sampleMetrics(runCtx) }); err != nil {
		cancel()
		deliverCancel()
		return fmt.Errorf("invalid metrics schedule %q: %w", s.opts.MetricsSchedule, err)
	}
	if _, err := c.AddFunc(s.opts.TunerSchedule, func() { s.OptimizePerformance(runCtx) }); err != nil {
		cancel()
		deliverCancel()
		return fmt.Errorf("invalid tuner schedule %q: %w", s.opts.TunerSchedule, err)
	}

	s.mirror.start()
	c.Start()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.scheduler.Run(runCtx, deliverCtx)
	}()

	s.cron = c
	s.cancel = cancel
	s.deliverCancel = deliverCancel
	s.done = done
	s.running = true

	s.logger.WithFields(logrus.Fields{
		"instance_id": s.opts.InstanceID,
		"pools":       len(s.pools.List()),
		"queues":      len(s.queues.List()),
	}).Info("Delivery service started")
	return nil
}

// Stop halts the scheduler and waits for in-flight deliveries. When ctx
// expires first the remaining deliveries are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, cancel, deliverCancel, done := s.cron, s.cancel, s.deliverCancel, s.done
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var stopCancel context.CancelFunc
		ctx, stopCancel = context.WithTimeout(ctx, stopGracePeriod)
		defer stopCancel()
	}

	cancel()
	<-done
	cronDone := c.Stop()

	inflight := make(chan struct{})
	go func() {
		s.scheduler.Wait()
		close(inflight)
	}()

	var err error
	select {
	case <-inflight:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for in-flight deliveries, cancelling them")
		deliverCancel()
		<-inflight
		err = fmt.Errorf("delivery service stop: %w", ctx.Err())
	}
	deliverCancel()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	s.mirror.stop(ctx)

	s.logger.Info("Delivery service stopped")
	return err
}
