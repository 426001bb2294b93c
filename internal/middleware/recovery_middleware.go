// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mfdeploy/internal/utils"
)

// RecoveryMiddleware turns a handler panic into a 500 reply. A panic after
// the response has started can only be logged.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log := utils.LoggerWithRequestID(logger, c.GetString(RequestIDKey))
		log.Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("route", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.String("session_id", c.Param("id")),
			zap.Bool("response_started", c.Writer.Written()),
			zap.Stack("stacktrace"),
		)

		if c.Writer.Written() {
			c.Abort()
			return
		}
		utils.AbortWithError(c, http.StatusInternalServerError, "Internal server error", nil)
	})
}
