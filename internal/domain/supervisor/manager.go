package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/shared/id"
)

// Options configures a Manager.
type Options struct {
	Spawner        Spawner
	RequestTimeout time.Duration
	// KillGrace is how long Shutdown waits for a worker to exit on its own
	// before killing it.
	KillGrace time.Duration
	// SpawnConcurrency caps parallel spawns in Start; zero means no cap.
	SpawnConcurrency int
	Logger           *logging.Logger
	Metrics          *monitoring.Metrics
	IDs              *id.Generator
}

// Request is an inbound HTTP request bound for a module.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    json.RawMessage
}

// Manager supervises module workers and dispatches requests to them.
type Manager struct {
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	workers map[string]*Worker
	closing bool

	routes  *RouteTable
	pending *PendingSet
	events  *broadcaster
}

// NewManager creates a manager. Spawner is required.
func NewManager(opts Options) *Manager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.KillGrace < 0 {
		opts.KillGrace = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	return &Manager{
		opts:    opts,
		logger:  logger.Named("supervisor"),
		metrics: opts.Metrics,
		workers: make(map[string]*Worker),
		routes:  NewRouteTable(),
		pending: NewPendingSet(opts.IDs),
		events:  newBroadcaster(),
	}
}

// Start spawns a worker for every enabled module in parallel. A module that
// fails to spawn is logged and skipped; the returned error joins those
// failures.
func (m *Manager) Start(ctx context.Context, mods []module.Descriptor) error {
	g, ctx := errgroup.WithContext(ctx)
	if m.opts.SpawnConcurrency > 0 {
		g.SetLimit(m.opts.SpawnConcurrency)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, desc := range mods {
		if !desc.Enabled() {
			m.logger.Info("module disabled by manifest", zap.String("module", desc.Name))
			continue
		}
		g.Go(func() error {
			if _, err := m.StartModule(ctx, desc); err != nil {
				m.logger.Error("failed to start module", zap.String("module", desc.Name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", desc.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StartModule spawns a worker for desc, attaches its message handler and
// sends init. It does not wait for the worker to become ready.
func (m *Manager) StartModule(ctx context.Context, desc module.Descriptor) (*Worker, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if w, ok := m.workers[desc.Name]; ok && w.alive() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, desc.Name)
	}
	m.mu.Unlock()

	proc, err := m.opts.Spawner.Spawn(ctx, desc)
	if err != nil {
		return nil, err
	}

	w := newWorker(desc, proc, m.logger.Named(desc.Name))

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = proc.Kill()
		return nil, ErrShuttingDown
	}
	m.workers[desc.Name] = w
	m.mu.Unlock()

	m.logger.Info("worker spawned",
		zap.String("module", desc.Name),
		zap.String("worker_id", w.ID.String()),
		zap.Int("pid", proc.Pid()))
	m.events.publish(Event{Type: EventWorkerSpawned, Module: desc.Name, WorkerID: w.ID, State: StateSpawned.String()})

	readDone := make(chan struct{})
	go m.readLoop(w, readDone)
	go m.waitLoop(w, readDone)

	m.setState(w, StateInitializing)
	if err := w.send(protocol.Init{}); err != nil {
		m.logger.Error("failed to send init", zap.String("module", desc.Name), zap.Error(err))
	}
	return w, nil
}

// readLoop handles every message the worker sends until its output closes.
func (m *Manager) readLoop(w *Worker, done chan<- struct{}) {
	defer close(done)

	dec := protocol.NewDecoder(w.proc.Out())
	for {
		msg, err := dec.Decode()
		if err != nil {
			if protocol.Recoverable(err) {
				m.rejectMessage(w, err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("worker channel failed", zap.Error(err))
			}
			return
		}
		m.handleMessage(w, msg)
	}
}

func (m *Manager) handleMessage(w *Worker, msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.RegisterRoute:
		route := Route{
			ID:         msg.ID,
			Path:       msg.Path,
			Module:     w.Module.Name,
			WorkerID:   w.ID,
			Registered: time.Now(),
		}
		if !w.alive() {
			return
		}
		if err := m.routes.Add(route, m.alive); err != nil {
			w.logger.Warn("route rejected", zap.String("route_id", msg.ID), zap.String("path", msg.Path), zap.Error(err))
			return
		}
		w.logger.Info("route registered", zap.String("route_id", msg.ID), zap.String("path", msg.Path))
		m.metrics.SetRoutes(m.routes.Len())
		m.events.publish(Event{Type: EventRouteRegistered, Module: w.Module.Name, WorkerID: w.ID, Routes: []Route{route}})

	case protocol.Log:
		w.logger.Info(msg.Message, zap.String("source", "module"))
		m.events.publish(Event{Type: EventModuleLog, Module: w.Module.Name, WorkerID: w.ID, Message: msg.Message})

	case protocol.Ready:
		m.setState(w, StateReady)

	case protocol.Response:
		if !m.pending.Resolve(w.ID, msg) {
			w.logger.Warn("dropping response with unknown correlation id", zap.String("request_id", msg.ID))
			m.metrics.IncStaleResponses()
		}
		m.metrics.SetPending(m.pending.Len())

	default:
		w.logger.Warn("unexpected message from worker", zap.String("type", string(msg.Type())))
	}
}

// rejectMessage handles a line that failed to decode. A malformed response
// still names its request, which is failed rather than left to time out.
func (m *Manager) rejectMessage(w *Worker, err error) {
	var respErr *protocol.ResponseError
	if errors.As(err, &respErr) {
		if m.pending.Fail(w.ID, id.CorrelationID(respErr.ID), fmt.Errorf("%w: %v", ErrInvalidResponse, respErr.Err)) {
			m.metrics.SetPending(m.pending.Len())
		}
	}
	w.logger.Warn("dropping malformed worker message", zap.Error(err))
}

// waitLoop cleans up after the worker once its output has drained and the
// process has exited.
func (m *Manager) waitLoop(w *Worker, readDone <-chan struct{}) {
	<-readDone
	exit := w.proc.Wait()
	m.onExit(w, exit)
}

func (m *Manager) onExit(w *Worker, exit Exit) {
	w.terminate(exit)

	purged := m.routes.PurgeWorker(w.ID)
	failed := m.pending.FailWorker(w.ID, fmt.Errorf("%w: %s exited (%s)", ErrWorkerTerminated, w.Module.Name, exit.Reason()))

	m.mu.RLock()
	closing := m.closing
	m.mu.RUnlock()

	fields := []zap.Field{
		zap.String("module", w.Module.Name),
		zap.String("worker_id", w.ID.String()),
		zap.Int("exit_code", exit.Code),
		zap.String("reason", exit.Reason()),
		zap.Int("routes_purged", len(purged)),
		zap.Int("requests_failed", failed),
	}
	if exit.Err != nil {
		fields = append(fields, zap.Error(exit.Err))
	}
	if closing && exit.Code <= 0 {
		m.logger.Info("worker stopped", fields...)
	} else {
		m.logger.Error("worker exited", fields...)
	}

	m.metrics.RecordWorkerExit(w.Module.Name, exit.Reason())
	m.metrics.SetRoutes(m.routes.Len())
	m.metrics.SetPending(m.pending.Len())
	m.publishWorkerCounts()

	code := exit.Code
	if len(purged) > 0 {
		m.events.publish(Event{Type: EventRoutesPurged, Module: w.Module.Name, WorkerID: w.ID, Routes: purged})
	}
	m.events.publish(Event{Type: EventWorkerExited, Module: w.Module.Name, WorkerID: w.ID, State: StateTerminated.String(), ExitCode: &code})
	close(w.done)
}

func (m *Manager) setState(w *Worker, s State) {
	if !w.advance(s) {
		return
	}
	w.logger.Debug("worker state changed", zap.Stringer("state", s))
	m.publishWorkerCounts()
	m.events.publish(Event{Type: EventWorkerState, Module: w.Module.Name, WorkerID: w.ID, State: s.String()})
}

func (m *Manager) publishWorkerCounts() {
	counts := make(map[string]int, len(allStates))
	for _, s := range allStates {
		counts[s.String()] = 0
	}
	for _, info := range m.Workers() {
		counts[info.State.String()]++
	}
	m.metrics.SetWorkers(counts)
}

// alive reports whether worker is one of the live workers.
func (m *Manager) alive(worker id.WorkerID) bool {
	w := m.workerByID(worker)
	return w != nil && w.alive()
}

func (m *Manager) workerByID(worker id.WorkerID) *Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		if w.ID == worker {
			return w
		}
	}
	return nil
}

// Match returns the route that would serve path.
func (m *Manager) Match(path string) (Route, bool) {
	return m.routes.Match(path)
}

// Dispatch forwards req to the worker owning the first matching route and
// waits for its correlated response.
func (m *Manager) Dispatch(ctx context.Context, req Request) (Route, protocol.Response, error) {
	route, ok := m.routes.Match(req.Path)
	if !ok {
		return Route{}, protocol.Response{}, ErrNoRoute
	}

	w := m.workerByID(route.WorkerID)
	if w == nil || !w.alive() {
		return route, protocol.Response{}, fmt.Errorf("%w: %s", ErrWorkerTerminated, route.Module)
	}

	timer := monitoring.NewTimer(m.metrics, route.Module)
	p := m.pending.Create(w.ID, route.Module)
	m.metrics.SetPending(m.pending.Len())
	defer func() {
		m.pending.Remove(p.ID)
		m.metrics.SetPending(m.pending.Len())
	}()

	err := w.send(protocol.HTTPRequest{
		ID:      p.ID.String(),
		RouteID: route.ID,
		Method:  req.Method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		timer.Stop(monitoring.OutcomeSendError)
		return route, protocol.Response{}, fmt.Errorf("%w: %s: %v", ErrWorkerTerminated, route.Module, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	select {
	case res := <-p.done:
		if res.err != nil {
			outcome := monitoring.OutcomeTerminated
			if errors.Is(res.err, ErrInvalidResponse) {
				outcome = monitoring.OutcomeInvalid
			}
			timer.Stop(outcome)
			return route, protocol.Response{}, res.err
		}
		timer.Stop(monitoring.OutcomeOK)
		return route, res.resp, nil

	case <-ctx.Done():
		m.pending.Remove(p.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timer.Stop(monitoring.OutcomeTimeout)
			w.logger.Warn("request timed out",
				zap.String("request_id", p.ID.String()),
				zap.String("path", req.Path),
				zap.Duration("timeout", m.opts.RequestTimeout))
			return route, protocol.Response{}, fmt.Errorf("%w: %s after %s", ErrDispatchTimeout, route.Module, m.opts.RequestTimeout)
		}
		timer.Stop(monitoring.OutcomeCanceled)
		return route, protocol.Response{}, ctx.Err()
	}
}

// Routes returns the live routes in precedence order.
func (m *Manager) Routes() []Route {
	return m.routes.List()
}

// Pending returns the number of requests awaiting a response.
func (m *Manager) Pending() int {
	return m.pending.Len()
}

// Workers returns a snapshot of every worker, sorted by module name.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, w.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Module < infos[j].Module })
	return infos
}

// Worker returns the current worker for a module.
func (m *Manager) Worker(name string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[name]
	return w, ok
}

// WaitReady blocks until every worker is ready or terminated. Workers that
// terminated before becoming ready are reported with ErrWorkerNotReady.
func (m *Manager) WaitReady(ctx context.Context) error {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	var errs []error
	for _, w := range workers {
		select {
		case <-w.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
		if w.State() != StateReady {
			errs = append(errs, fmt.Errorf("%w: %s", ErrWorkerNotReady, w.Module.Name))
		}
	}
	return errors.Join(errs...)
}

// Subscribe returns a stream of supervisor events and a function that ends
// the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Kill terminates a module's worker immediately.
func (m *Manager) Kill(name string) error {
	w, ok := m.Worker(name)
	if !ok || !w.alive() {
		return fmt.Errorf("%w: %s", ErrWorkerTerminated, name)
	}
	return w.proc.Kill()
}

// Shutdown closes every worker's input so it exits on its own, kills those
// still running after KillGrace, and waits for all of them to be cleaned up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.stop(ctx, w); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", w.Module.Name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) stop(ctx context.Context, w *Worker) error {
	if w.alive() {
		_ = w.proc.In().Close()

		grace := time.NewTimer(m.opts.KillGrace)
		defer grace.Stop()
		select {
		case <-w.Done():
			return nil
		case <-grace.C:
			w.logger.Warn("worker ignored shutdown, killing it")
		case <-ctx.Done():
		}
		if err := w.proc.Kill(); err != nil {
			return err
		}
	}

	select {
	case <-w.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
