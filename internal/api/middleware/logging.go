package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs one line per request. Successful requests are
// logged at Debug, client errors at Info and server errors at Warn.
func LoggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": status,
			"latency":     time.Since(start),
			"user_agent":  c.Request.UserAgent(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("error_message", c.Errors.String())
		}

		switch {
		case status >= 500:
			entry.Warn("HTTP Request")
		case status >= 400:
			entry.Info("HTTP Request")
		default:
			entry.Debug("HTTP Request")
		}
	}
}
