// Package ws streams supervisor events to websocket clients.
//
// On connect the client receives a "snapshot" message with the current
// workers and routes, then one message per supervisor event (worker.spawned,
// worker.state, worker.exited, route.registered, route.purged, module.log).
// The ?module= query parameter limits the stream to one module.
//
// Message Types (Client → Server):
//   - ping: answered with pong
//
// Example Usage:
//
//	handler := ws.NewHandler(manager, metrics, logger)
//	router.GET("/_maitre/events", handler.HandleConnection)
package ws
