package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/frostdev-ops/pma-realtime-go/pkg/version"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"

	defaultCheckTimeout = 3 * time.Second
)

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     string                  `json:"status"`
	Message    string                  `json:"message"`
	Timestamp  time.Time               `json:"timestamp"`
	Duration   time.Duration           `json:"duration"`
	Components map[string]HealthStatus `json:"components"`
	SystemInfo map[string]interface{}  `json:"system_info"`
}

// HealthCheck inspects one component
type HealthCheck func(ctx context.Context) HealthStatus

// HealthChecker runs the registered component checks
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	timeout   time.Duration
	startedAt time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		timeout:   defaultCheckTimeout,
		startedAt: time.Now(),
	}
}

// Register adds or replaces a named component check
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// GetOverallHealth runs every check and folds the results into one report
func (h *HealthChecker) GetOverallHealth(ctx context.Context) HealthReport {
	start := time.Now()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	components := make(map[string]HealthStatus, len(names))
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		checkStart := time.Now()
		result := HealthCheckWithTimeout(ctx, h.timeout, check)
		result.Duration = time.Since(checkStart)
		components[name] = result
	}

	status, message := calculateOverallStatus(components)
	return HealthReport{
		Status:     status,
		Message:    message,
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
		Components: components,
		SystemInfo: map[string]interface{}{
			"version": version.GetVersion(),
			"uptime":  time.Since(h.startedAt).String(),
		},
	}
}

func calculateOverallStatus(components map[string]HealthStatus) (string, string) {
	var degraded, unhealthy, unknown int
	total := len(components)

	for _, status := range components {
		switch status.Status {
		case StatusHealthy:
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}

	switch {
	case unhealthy > 0:
		return StatusUnhealthy, fmt.Sprintf("%d/%d components unhealthy", unhealthy, total)
	case degraded > 0:
		return StatusDegraded, fmt.Sprintf("%d/%d components degraded", degraded, total)
	case unknown > 0:
		return StatusUnknown, fmt.Sprintf("%d/%d components unknown", unknown, total)
	}
	return StatusHealthy, fmt.Sprintf("All %d components healthy", total)
}

// NewHealthStatus creates a new health status
func NewHealthStatus(status, message string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithDetail adds a single detail to a health status
func (h HealthStatus) WithDetail(key string, value interface{}) HealthStatus {
	details := make(map[string]interface{}, len(h.Details)+1)
	for k, v := range h.Details {
		details[k] = v
	}
	details[key] = value
	h.Details = details
	return h
}

func (h HealthStatus) IsHealthy() bool {
	return h.Status == StatusHealthy
}

// HealthCheckWithTimeout performs a health check with timeout
func HealthCheckWithTimeout(ctx context.Context, timeout time.Duration, check HealthCheck) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan HealthStatus, 1)
	go func() {
		resultChan <- check(ctx)
	}()

	select {
	case result := <-resultChan:
		return result
	case <-ctx.Done():
		return NewHealthStatus(StatusUnhealthy, "Health check timed out").
			WithDetail("timeout", timeout.String())
	}
}
