package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
)

// PrometheusCollector exports delivery engine events and HTTP request
// metrics. It is a delivery.Observer; subscribe it to a Service.
type PrometheusCollector struct {
	delivery.NopObserver

	config   *MetricsConfig
	registry *prometheus.Registry
	factory  promauto.Factory

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Message Metrics
	messagesQueued       *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	messagesRetried      *prometheus.CounterVec
	messagesDeadLettered *prometheus.CounterVec
	messagesDropped      *prometheus.CounterVec
	deliveryLatency      *prometheus.HistogramVec

	// Queue and Pool Metrics
	queueDepth          *prometheus.GaugeVec
	queueProcessingRate *prometheus.GaugeVec
	poolConnections     *prometheus.GaugeVec
	connectionFailures  prometheus.Gauge

	// Engine Metrics
	memoryPercentage prometheus.Gauge
	throughput       prometheus.Gauge
	deadLetters      prometheus.Gauge
	optimizations    *prometheus.CounterVec

	mu         sync.RWMutex
	queueNames map[string]string
}

// NewPrometheusCollector creates a collector on its own registry, which
// also carries the Go runtime and process collectors
func NewPrometheusCollector(config *MetricsConfig) *PrometheusCollector {
	if config == nil {
		config = &MetricsConfig{
			Enabled: true,
			Prefix:  "pma_rt",
		}
	}
	prefix := config.Prefix

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	p := &PrometheusCollector{
		config:     config,
		registry:   registry,
		factory:    factory,
		queueNames: make(map[string]string),
	}

	// Initialize HTTP metrics
	p.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	p.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Initialize message metrics
	p.messagesQueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_messages_queued_total",
			Help: "Messages accepted into a queue",
		},
		[]string{"queue"},
	)
	p.messagesSent = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_messages_sent_total",
			Help: "Messages delivered to at least one target",
		},
		[]string{"queue"},
	)
	p.messagesRetried = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_messages_retried_total",
			Help: "Failed deliveries put back on their queue",
		},
		[]string{"queue"},
	)
	p.messagesDeadLettered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_messages_dead_lettered_total",
			Help: "Messages moved to the dead-letter store",
		},
		[]string{"queue"},
	)
	p.messagesDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_messages_dropped_total",
			Help: "Messages discarded after exhausting retries with no dead-letter store",
		},
		[]string{"queue"},
	)
	p.deliveryLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_delivery_latency_seconds",
			Help:    "Time from enqueue to successful delivery",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"queue"},
	)

	// Initialize queue and pool metrics
	p.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Pending messages per queue",
		},
		[]string{"queue"},
	)
	p.queueProcessingRate = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_queue_processing_rate",
			Help: "Configured messages per second per queue",
		},
		[]string{"queue"},
	)
	p.poolConnections = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_pool_connections",
			Help: "Connections per pool by state",
		},
		[]string{"pool", "state"},
	)
	p.connectionFailures = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_connection_failures",
			Help: "Connections rejected since start",
		},
	)

	// Initialize engine metrics
	p.memoryPercentage = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_memory_percentage",
			Help: "Process memory as a percentage of available system memory",
		},
	)
	p.throughput = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_throughput_messages_per_second",
			Help: "Messages delivered per second over the last scheduler tick",
		},
	)
	p.deadLetters = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_dead_letters",
			Help: "Entries held in the local dead-letter store",
		},
	)
	p.optimizations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_optimizations_total",
			Help: "Tuning adjustments applied",
		},
		[]string{"kind"},
	)

	return p
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the collector's registry
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RegisterGaugeFunc exports a value read at scrape time
func (p *PrometheusCollector) RegisterGaugeFunc(name, help string, fn func() float64) {
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: p.config.Prefix + "_" + name,
		Help: help,
	}, fn)
}

// RecordHTTPRequest records HTTP request metrics
func (p *PrometheusCollector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if !p.config.Enabled {
		return
	}

	p.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	p.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (p *PrometheusCollector) rememberQueue(q delivery.MessageQueue) {
	p.mu.Lock()
	p.queueNames[q.ID] = q.Name
	p.mu.Unlock()
}

func (p *PrometheusCollector) queueLabel(queueID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name, ok := p.queueNames[queueID]; ok {
		return name
	}
	return queueID
}

func (p *PrometheusCollector) QueueCreated(q delivery.MessageQueue) {
	p.rememberQueue(q)
}

func (p *PrometheusCollector) MessageQueued(q delivery.MessageQueue, _ delivery.QueuedMessage) {
	if !p.config.Enabled {
		return
	}
	p.rememberQueue(q)
	p.messagesQueued.WithLabelValues(q.Name).Inc()
}

func (p *PrometheusCollector) MessageDelivered(m delivery.QueuedMessage, latency time.Duration) {
	if !p.config.Enabled {
		return
	}
	queue := p.queueLabel(m.QueueID)
	p.messagesSent.WithLabelValues(queue).Inc()
	p.deliveryLatency.WithLabelValues(queue).Observe(latency.Seconds())
}

func (p *PrometheusCollector) MessageRetried(m delivery.QueuedMessage, _ error) {
	if !p.config.Enabled {
		return
	}
	p.messagesRetried.WithLabelValues(p.queueLabel(m.QueueID)).Inc()
}

func (p *PrometheusCollector) MessageDeadLettered(e delivery.DeadLetter) {
	if !p.config.Enabled {
		return
	}
	queue := e.QueueName
	if queue == "" {
		queue = p.queueLabel(e.Message.QueueID)
	}
	p.messagesDeadLettered.WithLabelValues(queue).Inc()
}

func (p *PrometheusCollector) MessageDropped(m delivery.QueuedMessage, _ error) {
	if !p.config.Enabled {
		return
	}
	p.messagesDropped.WithLabelValues(p.queueLabel(m.QueueID)).Inc()
}

func (p *PrometheusCollector) Optimized(report delivery.OptimizationReport) {
	if !p.config.Enabled {
		return
	}
	for _, opt := range report.Optimizations {
		p.optimizations.WithLabelValues(string(opt.Kind)).Inc()
	}
}

// MetricsSampled refreshes every gauge from the engine's report
func (p *PrometheusCollector) MetricsSampled(report delivery.PerformanceReport) {
	if !p.config.Enabled {
		return
	}
	for _, q := range report.Queues {
		p.rememberQueue(q)
		p.queueDepth.WithLabelValues(q.Name).Set(float64(q.CurrentSize))
		p.queueProcessingRate.WithLabelValues(q.Name).Set(q.ProcessingRate)
	}
	for _, pool := range report.Pools {
		p.poolConnections.WithLabelValues(pool.Name, "active").Set(float64(pool.ActiveConnections))
		p.poolConnections.WithLabelValues(pool.Name, "idle").Set(float64(pool.IdleConnections))
	}
	p.connectionFailures.Set(float64(report.Metrics.Connections.Failed))
	p.memoryPercentage.Set(report.Metrics.Memory.Percentage)
	p.throughput.Set(report.Metrics.Messages.Throughput)
	p.deadLetters.Set(float64(report.DeadLetters))
}
