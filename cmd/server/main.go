package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/api"
	"github.com/frostdev-ops/pma-realtime-go/internal/api/handlers"
	"github.com/frostdev-ops/pma-realtime-go/internal/api/middleware"
	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/core/metrics"
	"github.com/frostdev-ops/pma-realtime-go/internal/core/monitor"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/internal/mirror"
	"github.com/frostdev-ops/pma-realtime-go/internal/websocket"
	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
	"github.com/frostdev-ops/pma-realtime-go/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	build := version.GetBuildInfo()
	log.WithFields(logrus.Fields{
		"version":    build.Version,
		"git_commit": build.GitCommit,
		"go_version": build.GoVersion,
	}).Info("Starting PMA realtime delivery service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence mirror (optional)
	store, err := mirror.New(cfg.Mirror, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize persistence mirror")
	}

	// WebSocket transport
	hub := websocket.NewHub(log)

	// Resource sampling for memory metrics and health
	diskPath := ""
	if cfg.Mirror.Backend == "sqlite" {
		diskPath = filepath.Dir(cfg.Mirror.SQLite.Path)
	}
	resources := monitor.NewResourceMonitor(log, diskPath)

	// Delivery engine
	svc, err := delivery.NewService(serviceOptions(cfg), delivery.Dependencies{
		Transport: hub,
		Mirror:    store,
		Sampler:   resources,
		Logger:    log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create delivery service")
	}

	collector := metrics.NewPrometheusCollector(&metrics.MetricsConfig{
		Enabled: cfg.Metrics.Enabled,
		Prefix:  cfg.Metrics.Prefix,
	})
	collector.RegisterGaugeFunc("websocket_clients", "Connected websocket clients", func() float64 {
		return float64(hub.GetClientCount())
	})
	svc.Subscribe(collector)

	report, err := svc.Restore(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to restore state from persistence mirror")
	} else if report.Pools+report.Queues+report.Messages > 0 {
		log.WithFields(logrus.Fields{
			"pools":    report.Pools,
			"queues":   report.Queues,
			"messages": report.Messages,
			"skipped":  report.Skipped,
		}).Info("Restored state from persistence mirror")
	}

	pool, err := provision(svc, cfg.Delivery)
	if err != nil {
		log.WithError(err).Fatal("Failed to provision pools and queues")
	}

	hub.SetConnectionListener(svc, pool.ID)
	go hub.Run(ctx)

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start delivery service")
	}

	health := metrics.NewHealthChecker()
	health.Register("engine", handlers.EngineHealthCheck(svc))
	health.Register("mirror", handlers.MirrorHealthCheck(store))
	health.Register("resources", handlers.ResourceHealthCheck(resources))

	limiter := middleware.NewRateLimiter(cfg.Server.IngressRate, cfg.Server.IngressBurst)
	go limiter.Run(ctx)

	// Initialize router
	router := api.NewRouter(api.RouterDeps{
		Config:  cfg,
		Service: svc,
		Hub:     hub,
		Metrics: collector,
		Health:  health,
		Limiter: limiter,
		Logger:  log,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		log.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server forced to shutdown")
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Delivery service did not stop cleanly")
	}
	if err := mirror.Close(store); err != nil {
		log.WithError(err).Warn("Failed to close persistence mirror")
	}

	log.Info("Server exited")
}

// serviceOptions maps the delivery configuration onto engine options
func serviceOptions(cfg *config.Config) delivery.Options {
	d := cfg.Delivery
	return delivery.Options{
		InstanceID:         d.InstanceID,
		TickInterval:       d.TickInterval,
		WorkerConcurrency:  d.WorkerConcurrency,
		DeadLetterCapacity: d.DeadLetterCapacity,
		HistoryRetention:   d.HistoryRetention,
		MessageTTL:         cfg.Mirror.MessageTTL,
		DeadLetterTTL:      d.DeadLetterTTL,
		MetricsSchedule:    d.MetricsSchedule,
		TunerSchedule:      d.TunerSchedule,
		Retry: delivery.RetryPolicy{
			Base:   d.RetryBackoffBase,
			Factor: d.RetryBackoffFactor,
			Max:    d.RetryBackoffMax,
		},
		Routes: d.Routes,
	}
}

// provision ensures the default pool and configured queues exist, reusing
// any restored from the mirror, and returns the default pool
func provision(svc *delivery.Service, d config.DeliveryConfig) (delivery.ConnectionPool, error) {
	var poolOpts []delivery.PoolOption
	if d.DefaultPool.MaxConnections > 0 {
		poolOpts = append(poolOpts, delivery.WithMaxConnections(d.DefaultPool.MaxConnections))
	}
	if d.DefaultPool.ConnectionTimeout > 0 {
		poolOpts = append(poolOpts, delivery.WithConnectionTimeout(d.DefaultPool.ConnectionTimeout))
	}
	if d.DefaultPool.IdleTimeout > 0 {
		poolOpts = append(poolOpts, delivery.WithIdleTimeout(d.DefaultPool.IdleTimeout))
	}
	pool, err := svc.EnsurePool(d.DefaultPool.Name, poolOpts...)
	if err != nil {
		return delivery.ConnectionPool{}, fmt.Errorf("default pool %q: %w", d.DefaultPool.Name, err)
	}

	for _, q := range d.Queues {
		var opts []delivery.QueueOption
		if q.MaxSize > 0 {
			opts = append(opts, delivery.WithMaxSize(q.MaxSize))
		}
		if q.ProcessingRate > 0 {
			opts = append(opts, delivery.WithProcessingRate(q.ProcessingRate))
		}
		if q.RetryAttempts != nil {
			opts = append(opts, delivery.WithRetryAttempts(*q.RetryAttempts))
		}
		if q.DLQEnabled != nil {
			opts = append(opts, delivery.WithDLQ(*q.DLQEnabled))
		}
		if _, err := svc.EnsureQueue(q.Name, delivery.QueueType(q.Type), opts...); err != nil {
			return delivery.ConnectionPool{}, fmt.Errorf("queue %q: %w", q.Name, err)
		}
	}
	return pool, nil
}
