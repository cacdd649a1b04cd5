package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		metrics.RecordHTTPRequest(method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures one dispatch to a module worker
type Timer struct {
	start   time.Time
	metrics *Metrics
	module  string
}

// NewTimer starts timing a dispatch to module
func NewTimer(metrics *Metrics, module string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		module:  module,
	}
}

// Stop records the elapsed time under the given outcome
func (t *Timer) Stop(outcome string) time.Duration {
	duration := time.Since(t.start)
	if t.metrics != nil {
		t.metrics.RecordDispatch(t.module, outcome, duration)
	}
	return duration
}
