package supervisor

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/shared/id"
)

// Pending is a request forwarded to a worker and not yet answered.
type Pending struct {
	ID      id.CorrelationID
	Worker  id.WorkerID
	Module  string
	Created time.Time

	done chan result
}

type result struct {
	resp protocol.Response
	err  error
}

// PendingSet tracks outstanding requests by correlation id. Removing an
// entry and completing it happen under the same lock, so each request is
// completed at most once.
type PendingSet struct {
	mu      sync.Mutex
	entries map[id.CorrelationID]*Pending
	ids     *id.Generator
}

// NewPendingSet creates an empty set minting ids from gen.
func NewPendingSet(gen *id.Generator) *PendingSet {
	if gen == nil {
		gen = id.Default()
	}
	return &PendingSet{entries: make(map[id.CorrelationID]*Pending), ids: gen}
}

// Create registers a new pending request for worker.
func (s *PendingSet) Create(worker id.WorkerID, module string) *Pending {
	p := &Pending{
		ID:      id.CorrelationID(s.ids.GenerateWithPrefix(id.CorrelationPrefix)),
		Worker:  worker,
		Module:  module,
		Created: time.Now(),
		done:    make(chan result, 1),
	}

	s.mu.Lock()
	s.entries[p.ID] = p
	s.mu.Unlock()
	return p
}

// Resolve completes the request with resp. It reports false when no such
// request is outstanding for that worker.
func (s *PendingSet) Resolve(worker id.WorkerID, resp protocol.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.CorrelationID(resp.ID)
	p, ok := s.entries[key]
	if !ok || p.Worker != worker {
		return false
	}
	delete(s.entries, key)
	p.done <- result{resp: resp}
	return true
}

// Fail completes one request with err.
func (s *PendingSet) Fail(worker id.WorkerID, key id.CorrelationID, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[key]
	if !ok || p.Worker != worker {
		return false
	}
	delete(s.entries, key)
	p.done <- result{err: err}
	return true
}

// FailWorker completes every request outstanding to worker with err.
func (s *PendingSet) FailWorker(worker id.WorkerID, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, p := range s.entries {
		if p.Worker != worker {
			continue
		}
		delete(s.entries, key)
		p.done <- result{err: err}
		n++
	}
	return n
}

// Remove drops a request without completing it.
func (s *PendingSet) Remove(key id.CorrelationID) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len returns the number of outstanding requests.
func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
