package supervisor

import "errors"

var (
	ErrNoRoute          = errors.New("no route matches")
	ErrDispatchTimeout  = errors.New("module did not respond in time")
	ErrWorkerTerminated = errors.New("worker terminated")
	ErrDuplicateRoute   = errors.New("route id already registered")
	ErrWorkerNotReady   = errors.New("worker did not become ready")
	ErrInvalidResponse  = errors.New("module sent an invalid response")
	ErrAlreadyRunning   = errors.New("module already has a live worker")
	ErrShuttingDown     = errors.New("supervisor is shutting down")
)
