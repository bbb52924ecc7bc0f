package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// GetPerformanceMetrics returns the engine metrics with pool and queue
// snapshots
func (h *Handlers) GetPerformanceMetrics(c *gin.Context) {
	report := h.svc.GetPerformanceMetrics(c.Request.Context())
	utils.SendSuccess(c, gin.H{
		"metrics":      report.Metrics,
		"pools":        report.Pools,
		"queues":       report.Queues,
		"dead_letters": report.DeadLetters,
		"uptime":       report.Uptime.String(),
	})
}

// OptimizePerformance runs a tuning pass on demand
func (h *Handlers) OptimizePerformance(c *gin.Context) {
	report := h.svc.OptimizePerformance(c.Request.Context())
	h.log.WithFields(logrus.Fields{
		"optimizations": len(report.Optimizations),
		"client_ip":     c.ClientIP(),
	}).Info("Manual optimization requested")
	utils.SendSuccess(c, report)
}

// GetTransportStats returns websocket hub counters
func (h *Handlers) GetTransportStats(c *gin.Context) {
	if h.hub == nil {
		utils.SendSuccess(c, gin.H{})
		return
	}
	utils.SendSuccess(c, h.hub.GetStats())
}
