package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
)

// Recovery recovers from panics, logs the stack and answers INTERNAL_ERROR.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic: %v", rec)
				logger.Error("Panic recovered", logger.Fields(
					"error", err.Error(),
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				))
				appErr := apperrors.Internal(err)
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.ToResponse(c.GetString(RequestIDKey)))
			}
		}()
		c.Next()
	}
}
