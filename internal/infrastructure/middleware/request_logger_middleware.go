package middleware

import (
	"time"

	"camstream/pkg/logger"
	"camstream/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

type HTTPMetrics interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// RequestLogger tags the request with an ID, logs it when done and feeds
// the HTTP metrics when m is not nil.
func RequestLogger(log *logger.ContextLogger, m HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := utils.SanitizeString(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		log.LogRequest(c.Request.Context(), c.Request.Method, route, status, elapsed.Milliseconds(),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		)
		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, route, status, elapsed)
		}
	}
}
