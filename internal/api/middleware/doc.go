// Package middleware provides the gin middleware shared by the admin API and
// the module proxy.
//
//   - RequestID: propagates or mints X-Request-ID
//   - Logger: one zap entry per request, level chosen by status
//   - CORS: cross-origin access via gin-contrib/cors
//   - RateLimit / GlobalRateLimit: token buckets from x/time/rate, per client
//     IP with idle eviction, or shared
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.Logger(log))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
