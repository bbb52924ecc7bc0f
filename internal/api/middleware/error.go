package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/pkg/utils"
)

// ErrorHandlingMiddleware recovers from handler panics, logs the stack and
// replies with the standard error envelope
func ErrorHandlingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"ip":          c.ClientIP(),
			"panic":       fmt.Sprintf("%v", recovered),
			"stack_trace": string(debug.Stack()),
		}).Error("Panic recovered")

		if !c.Writer.Written() {
			utils.SendError(c, http.StatusInternalServerError, "Internal server error")
		}
		c.Abort()
	})
}
