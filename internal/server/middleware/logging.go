package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/theramjad/hyperwhisper-fly/internal/logger"
)

var quietPaths = map[string]bool{"/health": true, "/metrics": true}

// RequestLogger logs every request at a level chosen by status code.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return func(c *gin.Context) {
		if quietPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		fields := logger.Fields(
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			logger.FieldStatus, status,
			"latency", latency.String(),
			logger.FieldClientIP, c.ClientIP(),
			logger.FieldRequestID, c.GetString(RequestIDKey),
		)
		if latency > 5*time.Second {
			fields["slow"] = true
		}

		switch {
		case status >= 500:
			log.Error("Request completed", fields)
		case status >= 400:
			log.Warn("Request completed", fields)
		default:
			log.Debug("Request completed", fields)
		}
	}
}
