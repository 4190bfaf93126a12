package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs every request once it completes. Client errors log at warn,
// server errors at error and health probes at debug.
func Logger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "conversation", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("request", attrs...)
		case status >= 400:
			log.Warn("request", attrs...)
		case c.FullPath() == "/health":
			log.Debug("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}
