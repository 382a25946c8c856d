package middleware

import (
	"net/http" // Status text
	"time"     // Request timing

	"github.com/gin-gonic/gin" // Gin web framework

	"marketplace/internal/metrics" // Request collectors
)

// Metrics records every request's route, method, status and duration
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched" // Keep label cardinality bounded
		}
		m.ObserveRequest(route, c.Request.Method, http.StatusText(c.Writer.Status()), time.Since(start))
	}
}
