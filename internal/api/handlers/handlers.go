package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/core/metrics"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/internal/websocket"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handlers holds all HTTP handlers and their dependencies
type Handlers struct {
	cfg    *config.Config
	svc    *delivery.Service
	hub    *websocket.Hub
	health *metrics.HealthChecker
	log    *logrus.Logger
}

// NewHandlers creates a new handlers instance. hub and health may be nil.
func NewHandlers(cfg *config.Config, svc *delivery.Service, hub *websocket.Hub, health *metrics.HealthChecker, logger *logrus.Logger) *Handlers {
	if health == nil {
		health = metrics.NewHealthChecker()
	}
	return &Handlers{
		cfg:    cfg,
		svc:    svc,
		hub:    hub,
		health: health,
		log:    logger,
	}
}

// listLimit reads the limit query parameter, clamped to maxListLimit
func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
