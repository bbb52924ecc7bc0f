package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-realtime-go/internal/core/metrics"
	"github.com/frostdev-ops/pma-realtime-go/internal/core/monitor"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
	"github.com/frostdev-ops/pma-realtime-go/pkg/version"
)

const (
	queueSaturation = 0.9
	memoryCeiling   = 90.0
)

// Health reports component health; unhealthy components yield a 503
func (h *Handlers) Health(c *gin.Context) {
	report := h.health.GetOverallHealth(c.Request.Context())
	status := http.StatusOK
	if report.Status == metrics.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// GetConfig renders the effective configuration as YAML
func (h *Handlers) GetConfig(c *gin.Context) {
	out, err := h.cfg.YAML()
	if err != nil {
		h.log.WithError(err).Error("Failed to render configuration")
		utils.SendError(c, http.StatusInternalServerError, "Failed to render configuration")
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", out)
}

// GetVersion returns build information
func (h *Handlers) GetVersion(c *gin.Context) {
	utils.SendSuccess(c, version.GetBuildInfo())
}

// EngineHealthCheck is degraded while every queue is near capacity or any
// pool is exhausted
func EngineHealthCheck(svc *delivery.Service) metrics.HealthCheck {
	return func(ctx context.Context) metrics.HealthStatus {
		report := svc.GetPerformanceMetrics(ctx)

		saturated := 0
		for _, q := range report.Queues {
			if float64(q.CurrentSize) >= queueSaturation*float64(q.MaxSize) {
				saturated++
			}
		}
		exhausted := 0
		for _, p := range report.Pools {
			if p.Active && p.ActiveConnections+p.IdleConnections >= p.MaxConnections {
				exhausted++
			}
		}

		status := metrics.NewHealthStatus(metrics.StatusHealthy, "Delivery engine running")
		switch {
		case len(report.Queues) == 0:
			status = metrics.NewHealthStatus(metrics.StatusDegraded, "No queues configured")
		case saturated == len(report.Queues):
			status = metrics.NewHealthStatus(metrics.StatusDegraded, "All queues near capacity")
		case exhausted > 0:
			status = metrics.NewHealthStatus(metrics.StatusDegraded, fmt.Sprintf("%d pools exhausted", exhausted))
		}
		return status.
			WithDetail("queues", len(report.Queues)).
			WithDetail("saturated_queues", saturated).
			WithDetail("pools", len(report.Pools)).
			WithDetail("dead_letters", report.DeadLetters)
	}
}

// MirrorHealthCheck probes the persistence mirror. A nil mirror is healthy
// since the engine then runs in memory only.
func MirrorHealthCheck(mirror delivery.Mirror) metrics.HealthCheck {
	return func(ctx context.Context) metrics.HealthStatus {
		if mirror == nil {
			return metrics.NewHealthStatus(metrics.StatusHealthy, "Mirror disabled")
		}
		statter, ok := mirror.(delivery.MirrorStatter)
		if !ok {
			return metrics.NewHealthStatus(metrics.StatusHealthy, "Mirror configured")
		}
		stats, err := statter.Stats(ctx)
		if err != nil {
			// replication is best effort, so an unreachable mirror only degrades
			return metrics.NewHealthStatus(metrics.StatusDegraded, "Mirror unreachable").
				WithDetail("error", err.Error())
		}
		return metrics.NewHealthStatus(metrics.StatusHealthy, "Mirror reachable").
			WithDetail("connections", stats.Connections).
			WithDetail("operations", stats.Operations).
			WithDetail("memory", stats.Memory)
	}
}

// ResourceHealthCheck is degraded when host memory use crosses the ceiling
func ResourceHealthCheck(resources *monitor.ResourceMonitor) metrics.HealthCheck {
	return func(ctx context.Context) metrics.HealthStatus {
		stats, err := resources.GetResourceStats(ctx)
		if err != nil {
			return metrics.NewHealthStatus(metrics.StatusUnknown, "Resource stats unavailable").
				WithDetail("error", err.Error())
		}

		status := metrics.NewHealthStatus(metrics.StatusHealthy, "Resources within limits")
		if stats.Memory.UsedPercent >= memoryCeiling {
			status = metrics.NewHealthStatus(metrics.StatusDegraded, "High memory usage")
		}
		return status.
			WithDetail("memory_used_percent", stats.Memory.UsedPercent).
			WithDetail("process_rss", stats.Process.RSS).
			WithDetail("cpu_percent", stats.CPU.TotalPercent).
			WithDetail("goroutines", stats.Runtime.Goroutines)
	}
}
