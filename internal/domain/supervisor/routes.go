package supervisor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/maitre/internal/shared/id"
)

// Route binds a path prefix to the worker that registered it.
type Route struct {
	ID         string      `json:"id"`
	Path       string      `json:"path"`
	Module     string      `json:"module"`
	WorkerID   id.WorkerID `json:"worker_id"`
	Registered time.Time   `json:"registered"`
}

// RouteTable keeps routes in registration order.
type RouteTable struct {
	mu    sync.RWMutex
	order []Route
	byID  map[string]int
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{byID: make(map[string]int)}
}

// Add appends r. An id already held by a live worker is rejected; an id
// left behind by a dead worker is replaced and moves to the end.
func (t *RouteTable) Add(r Route, alive func(id.WorkerID) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.byID[r.ID]; ok {
		owner := t.order[i]
		if alive != nil && alive(owner.WorkerID) {
			return fmt.Errorf("%w: %q is served by module %s", ErrDuplicateRoute, r.ID, owner.Module)
		}
		t.removeLocked(func(x Route) bool { return x.ID == r.ID })
	}

	t.byID[r.ID] = len(t.order)
	t.order = append(t.order, r)
	return nil
}

// Match returns the first registered route whose path prefixes path.
func (t *RouteTable) Match(path string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.order {
		if strings.HasPrefix(path, r.Path) {
			return r, true
		}
	}
	return Route{}, false
}

// PurgeWorker removes every route owned by worker and returns them.
func (t *RouteTable) PurgeWorker(worker id.WorkerID) []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(func(r Route) bool { return r.WorkerID == worker })
}

// List returns the routes in precedence order.
func (t *RouteTable) List() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Route(nil), t.order...)
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *RouteTable) removeLocked(drop func(Route) bool) []Route {
	var removed []Route
	kept := t.order[:0]
	for _, r := range t.order {
		if drop(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	clear(t.order[len(kept):])
	t.order = kept

	clear(t.byID)
	for i, r := range t.order {
		t.byID[r.ID] = i
	}
	return removed
}
