package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/api/handlers"
	"github.com/frostdev-ops/pma-realtime-go/internal/api/middleware"
	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/core/metrics"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/internal/websocket"
	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// RouterDeps are the components the HTTP surface is built over. Hub,
// Metrics, Health and Limiter may be nil.
type RouterDeps struct {
	Config  *config.Config
	Service *delivery.Service
	Hub     *websocket.Hub
	Metrics *metrics.PrometheusCollector
	Health  *metrics.HealthChecker
	Limiter *middleware.RateLimiter
	Logger  *logrus.Logger
}

// NewRouter creates and configures the main HTTP router
func NewRouter(deps RouterDeps) *gin.Engine {
	// Set gin mode based on config
	switch deps.Config.Server.Mode {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.ErrorHandlingMiddleware(deps.Logger))
	router.Use(middleware.LoggingMiddleware(deps.Logger))
	router.Use(middleware.CORSMiddleware())
	if deps.Metrics != nil {
		router.Use(middleware.MetricsMiddleware(deps.Metrics))
	}

	h := handlers.NewHandlers(deps.Config, deps.Service, deps.Hub, deps.Health, deps.Logger)

	// Public routes
	router.GET("/health", h.Health)
	router.GET("/version", h.GetVersion)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Hub != nil {
		router.GET("/ws", websocket.HandleWebSocketGin(deps.Hub))
	}

	// API v1 routes
	api := router.Group("/api/v1/realtime")
	if deps.Limiter != nil {
		api.Use(deps.Limiter.RateLimitMiddleware())
	}
	{
		api.POST("/messages", h.QueueMessage)
		api.GET("/deliveries", h.GetRecentDeliveries)

		pools := api.Group("/pools")
		{
			pools.GET("", h.GetConnectionPools)
			pools.POST("", h.CreateConnectionPool)
			pools.GET("/:id", h.GetConnectionPool)
			pools.POST("/:id/deactivate", h.DeactivateConnectionPool)
		}

		queues := api.Group("/queues")
		{
			queues.GET("", h.GetMessageQueues)
			queues.POST("", h.CreateMessageQueue)
			queues.GET("/:id", h.GetMessageQueue)
		}

		deadLetters := api.Group("/dead-letters")
		{
			deadLetters.GET("", h.GetDeadLetters)
			deadLetters.POST("/:id/requeue", h.RequeueDeadLetter)
		}

		api.GET("/metrics", h.GetPerformanceMetrics)
		api.POST("/optimize", h.OptimizePerformance)
		api.GET("/transport", h.GetTransportStats)
		api.GET("/config", h.GetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		utils.SendError(c, http.StatusNotFound, "Route not found")
	})

	return router
}
