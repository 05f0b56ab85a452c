package middleware

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		fields := []zap.Field{
			logger.String("request_id", c.GetString("request_id")),
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		}
		if id := c.GetString(ContextIdentifier); id != "" {
			fields = append(fields, logger.String("identifier", id))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status == 429:
			logger.Info("request throttled", fields...)
		default:
			logger.Debug("request completed", fields...)
		}
	}
}
