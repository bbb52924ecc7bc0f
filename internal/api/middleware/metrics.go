package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-realtime-go/internal/core/metrics"
)

// MetricsMiddleware records request counts and latency by route template
func MetricsMiddleware(recorder metrics.HTTPRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		if recorder != nil {
			recorder.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
		}
	}
}
