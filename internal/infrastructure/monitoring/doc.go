/*
Package monitoring collects Prometheus metrics for the plugin host.

Each Metrics value owns its registry, so tests and embedded hosts can create
as many as they like without colliding on global registration.

# Series

  - HTTP front end: request count and latency by method and status
  - Workers: count by lifecycle state, exits by module and reason
  - Dispatch: outcome and latency per module, pending requests, stale responses
  - Event stream: connected websocket clients

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/_maitre/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "status")
	// ... forward request, await response ...
	timer.Stop(monitoring.OutcomeOK)
*/
package monitoring
