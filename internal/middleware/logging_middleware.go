// internal/middleware/logging_middleware.go
package middleware

import (
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"mfdeploy/internal/utils"
)

// LoggingMiddleware logs every request once it has been served. Successful
// requests to quietPaths, such as liveness probes, are logged at debug.
func LoggingMiddleware(logger *utils.ServiceLogger, quietPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		logger.LogAPIRequest(utils.APIRequest{
			Method:    c.Request.Method,
			Route:     route,
			Path:      c.Request.URL.Path,
			ClientIP:  c.ClientIP(),
			RequestID: c.GetString(RequestIDKey),
			SessionID: c.Param("id"),
			Status:    c.Writer.Status(),
			BytesIn:   c.Request.ContentLength,
			Duration:  time.Since(startTime),
		}, slices.Contains(quietPaths, c.Request.URL.Path))
	}
}
