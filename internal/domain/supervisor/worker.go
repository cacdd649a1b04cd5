package supervisor

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/shared/id"
)

// Worker is one running instance of a module.
type Worker struct {
	ID     id.WorkerID
	Module module.Descriptor

	proc    Process
	enc     *protocol.Encoder
	logger  *logging.Logger
	started time.Time

	mu    sync.Mutex
	state State
	exit  *Exit

	ready    chan struct{}
	readOnce sync.Once
	done     chan struct{}
}

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	ID       id.WorkerID `json:"id"`
	Module   string      `json:"module"`
	Dir      string      `json:"dir"`
	Pid      int         `json:"pid"`
	State    State       `json:"state"`
	Started  time.Time   `json:"started"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Reason   string      `json:"exit_reason,omitempty"`
}

func newWorker(desc module.Descriptor, proc Process, logger *logging.Logger) *Worker {
	return &Worker{
		ID:      id.NewWorkerID(),
		Module:  desc,
		proc:    proc,
		enc:     protocol.NewEncoder(proc.In()),
		logger:  logger,
		started: time.Now(),
		state:   StateSpawned,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Info returns a snapshot of the worker.
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := WorkerInfo{
		ID:      w.ID,
		Module:  w.Module.Name,
		Dir:     w.Module.Dir,
		Pid:     w.proc.Pid(),
		State:   w.state,
		Started: w.started,
	}
	if w.exit != nil {
		code := w.exit.Code
		info.ExitCode = &code
		info.Reason = w.exit.Reason()
	}
	return info
}

// Done is closed once the worker has exited and been cleaned up.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Ready is closed when the worker reports ready or exits.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

func (w *Worker) alive() bool {
	return w.State() != StateTerminated
}

// advance moves the worker forward; it never moves back.
func (w *Worker) advance(to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if to <= w.state {
		return false
	}
	w.state = to
	if to >= StateReady {
		w.readOnce.Do(func() { close(w.ready) })
	}
	return true
}

func (w *Worker) terminate(exit Exit) {
	w.mu.Lock()
	w.state = StateTerminated
	w.exit = &exit
	w.mu.Unlock()
	w.readOnce.Do(func() { close(w.ready) })
}

func (w *Worker) send(m protocol.Message) error {
	return w.enc.Encode(m)
}
