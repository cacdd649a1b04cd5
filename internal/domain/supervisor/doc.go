// Package supervisor runs one worker process per module and routes HTTP
// requests to them.
//
// The Manager owns three pieces of shared state, each behind its own lock:
// the worker set, the RouteTable built from registerRoute messages, and
// the PendingSet of requests awaiting a correlated response. No operation
// holds more than one of those locks at a time.
//
// Route precedence is registration order: the first registered route whose
// path is a prefix of the request path wins, however specific later routes
// are. When a worker exits its routes are purged and its pending requests
// fail with ErrWorkerTerminated.
package supervisor
