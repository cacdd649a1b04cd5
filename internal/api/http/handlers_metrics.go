package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Metrics serves the Prometheus exposition format
func (h *Handlers) Metrics(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// MetricsJSON returns the counters behind the health endpoint
func (h *Handlers) MetricsJSON(c *gin.Context) {
	snap := h.metrics.Snapshot()

	var errorRate float64
	if snap.TotalRequests > 0 {
		errorRate = float64(snap.TotalErrors) / float64(snap.TotalRequests)
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":      time.Now(),
		"counters":       snap,
		"error_rate":     errorRate,
		"uptime_seconds": h.metrics.UptimeSeconds(),
		"pending":        h.manager.Pending(),
	})
}
