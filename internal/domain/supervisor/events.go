package supervisor

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/maitre/internal/shared/id"
)

// EventType names a supervisor event.
type EventType string

const (
	EventWorkerSpawned   EventType = "worker.spawned"
	EventWorkerState     EventType = "worker.state"
	EventWorkerExited    EventType = "worker.exited"
	EventRouteRegistered EventType = "route.registered"
	EventRoutesPurged    EventType = "route.purged"
	EventModuleLog       EventType = "module.log"
)

// Event is a notification about worker or route changes.
type Event struct {
	Type     EventType   `json:"type"`
	Time     time.Time   `json:"time"`
	Module   string      `json:"module"`
	WorkerID id.WorkerID `json:"worker_id,omitempty"`
	State    string      `json:"state,omitempty"`
	Routes   []Route     `json:"routes,omitempty"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// eventBuffer is the per-subscriber backlog; slower subscribers miss events.
const eventBuffer = 64

type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
