package supervisor

import (
	"context"
	"io"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
)

// Process is a running worker as seen by the manager.
type Process interface {
	Pid() int
	// In carries host messages to the worker. Closing it asks the worker
	// to exit.
	In() io.WriteCloser
	// Out carries worker messages to the host. It reaches EOF when the
	// worker exits.
	Out() io.Reader
	// Wait blocks until the worker has exited.
	Wait() Exit
	Kill() error
}

// Exit describes how a worker ended.
type Exit struct {
	Code int
	Err  error
}

// Reason labels the exit for logs and metrics.
func (e Exit) Reason() string {
	switch e.Code {
	case 0:
		return "clean"
	case 2:
		return "usage"
	case 3:
		return "load_error"
	case 4:
		return "memory_limit"
	case 5:
		return "ipc"
	case -1:
		return "killed"
	default:
		return "crash"
	}
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, desc module.Descriptor) (Process, error)
}
