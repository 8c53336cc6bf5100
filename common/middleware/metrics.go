package middleware

import (
	"strings"
	"time"

	awspkg "github.com/TNZtims/bazaar-pos-sub001/pkg/aws"
	"github.com/gin-gonic/gin"
)

// MetricsMiddleware counts requests and errors per route template and store.
// Event streams are counted but their latency is skipped: it is the
// lifetime of the connection, not the cost of a request.
func MetricsMiddleware(metrics awspkg.MetricsRecorder, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		dims := map[string]string{
			"Service": serviceName,
			"Method":  c.Request.Method,
			"Route":   route,
			"Status":  statusClass(status),
		}
		if store := c.Param("storeId"); store != "" {
			dims["StoreID"] = store
		}

		metrics.Count(awspkg.MetricHTTPRequests, dims)
		if status >= 400 {
			metrics.Count(awspkg.MetricHTTPErrors, dims)
		}
		if !strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream") {
			metrics.Latency(awspkg.MetricHTTPLatency, time.Since(start), dims)
		}
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return string(rune('0'+status/100)) + "xx"
}
