package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/shared/paths"
)

const maxTimers = 1024

// Entry point names looked up on the global object, then on the entry
// module's exports.
const (
	EntryInit              = "init"
	EntryHandleHTTPRequest = "handleHttpRequest"
)

// Config holds per-sandbox limits.
type Config struct {
	Entry        string        // entry script, relative to the module root
	MemoryLimit  int64         // heap growth ceiling in bytes; 0 disables the guard
	MaxCallStack int           // goja call stack depth
	MemoryPoll   time.Duration // memory guard sampling interval
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Entry:        "index.js",
		MemoryLimit:  8 << 20,
		MaxCallStack: 1024,
		MemoryPoll:   50 * time.Millisecond,
	}
}

// Runtime executes one module inside a goja VM confined to the module's
// directory. All VM access happens on a single loop goroutine; the exported
// methods are safe for concurrent use.
type Runtime struct {
	root   paths.Root
	config Config
	logger *zap.Logger

	vm    *goja.Runtime
	loop  *loop
	guard *memoryGuard

	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup
	closed chan struct{}
	once   sync.Once

	queuesMu sync.Mutex
	queues   map[string]*serialQueue

	// Owned by the loop goroutine.
	parse     goja.Callable
	graph     *graph
	modules   map[string]*goja.Object
	timers    map[int64]*time.Timer
	nextTimer int64
}

// New creates a sandbox rooted at dir with the given capabilities
// installed. No module code runs until Load.
func New(dir string, config Config, caps []Capability, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Entry == "" {
		config.Entry = DefaultConfig().Entry
	}
	if config.MaxCallStack <= 0 {
		config.MaxCallStack = DefaultConfig().MaxCallStack
	}
	if config.MemoryPoll <= 0 {
		config.MemoryPoll = DefaultConfig().MemoryPoll
	}
	if err := ValidateCapabilities(caps); err != nil {
		return nil, err
	}

	root, err := paths.NewRoot(dir)
	if err != nil {
		return nil, &LoadError{Stage: StageRead, Path: dir, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		root:    root,
		config:  config,
		logger:  logger,
		vm:      goja.New(),
		loop:    newLoop(logger),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		queues:  make(map[string]*serialQueue),
		modules: make(map[string]*goja.Object),
		timers:  make(map[int64]*time.Timer),
	}
	r.vm.SetMaxCallStackSize(config.MaxCallStack)

	err = r.loop.do(context.Background(), func() error {
		if err := r.setupGlobals(); err != nil {
			return err
		}
		return r.installCapabilities(caps)
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	if config.MemoryLimit > 0 {
		r.guard = newMemoryGuard(uint64(config.MemoryLimit), config.MemoryPoll, func(used uint64) {
			r.logger.Error("sandbox memory limit exceeded",
				zap.Uint64("used_bytes", used),
				zap.Int64("limit_bytes", config.MemoryLimit))
			r.vm.Interrupt(ErrMemoryLimit)
		})
	}
	return r, nil
}

// Root returns the sandbox root directory.
func (r *Runtime) Root() string {
	return r.root.String()
}

// MemoryExceeded is closed when the memory guard trips.
func (r *Runtime) MemoryExceeded() <-chan struct{} {
	if r.guard == nil {
		return nil
	}
	return r.guard.exceeded
}

// MemoryBaseline returns the heap size measured when the guard started,
// or zero when the guard is off.
func (r *Runtime) MemoryBaseline() uint64 {
	if r.guard == nil {
		return 0
	}
	return r.guard.baseline
}

// Exempt keeps n bytes of host-owned heap out of the module's memory
// accounting until release is called. The worker uses it for the protocol
// lines and request envelopes it handles for the module.
func (r *Runtime) Exempt(n int) (release func()) {
	if r.guard == nil || n <= 0 {
		return func() {}
	}
	return r.guard.exempt(int64(n))
}

// MemoryPeak returns the largest heap growth observed, in bytes.
func (r *Runtime) MemoryPeak() uint64 {
	if r.guard == nil {
		return 0
	}
	return r.guard.peakUsage()
}

// setupGlobals exposes the global object as `global` and provides timers.
// The VM starts without require, process or any I/O.
func (r *Runtime) setupGlobals() error {
	if err := r.vm.Set("global", r.vm.GlobalObject()); err != nil {
		return err
	}
	if err := r.vm.Set("setTimeout", r.setTimeout); err != nil {
		return err
	}
	return r.vm.Set("clearTimeout", r.clearTimeout)
}

// Load resolves and compiles the module graph, then evaluates the entry.
// Any failure is a *LoadError.
func (r *Runtime) Load(ctx context.Context) error {
	g, err := buildGraph(r.root, r.config.Entry)
	if err != nil {
		return err
	}

	return r.loop.do(ctx, func() error {
		if r.graph != nil {
			return errors.New("module already loaded")
		}
		r.graph = g
		if _, err := r.require(g.entry); err != nil {
			return &LoadError{Stage: StageEvaluate, Path: r.root.Rel(g.entry), Err: r.memoryError(r.scriptError(err))}
		}
		return nil
	})
}

// require evaluates the unit at path once and returns its exports. Only
// files already in the graph can be loaded.
func (r *Runtime) require(abs string) (goja.Value, error) {
	if mod, ok := r.modules[abs]; ok {
		return mod.Get("exports"), nil
	}
	u, ok := r.graph.units[abs]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, r.root.Rel(abs))
	}

	rel := filepath.ToSlash(r.root.Rel(abs))
	module := r.vm.NewObject()
	exports := r.vm.NewObject()
	_ = module.Set("id", rel)
	_ = module.Set("exports", exports)
	r.modules[abs] = module

	if u.program == nil {
		v, err := r.jsonParse(u.json)
		if err != nil {
			delete(r.modules, abs)
			return nil, err
		}
		_ = module.Set("exports", v)
		return v, nil
	}

	wrapper, err := r.vm.RunProgram(u.program)
	if err != nil {
		delete(r.modules, abs)
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		delete(r.modules, abs)
		return nil, fmt.Errorf("%s: module wrapper is not callable", rel)
	}

	requireFn := func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		dep, ok := u.deps[spec]
		if !ok {
			panic(r.vm.NewGoError(fmt.Errorf("%w: %q was not resolved when the module loaded", ErrModuleNotFound, spec)))
		}
		v, err := r.require(dep)
		if err != nil {
			var exc *goja.Exception
			if errors.As(err, &exc) {
				panic(exc.Value())
			}
			panic(r.vm.NewGoError(err))
		}
		return v
	}

	filename := "/" + rel
	_, err = fn(exports, exports, r.vm.ToValue(requireFn), module, r.vm.ToValue(filename), r.vm.ToValue(path.Dir(filename)))
	if err != nil {
		delete(r.modules, abs)
		return nil, err
	}
	return module.Get("exports"), nil
}

// Init invokes the module's init entry point and waits until it settles
// and every ordered host call it made has completed, whether init
// succeeded or not.
func (r *Runtime) Init(ctx context.Context) error {
	return r.settle(ctx, r.invoke(ctx, EntryInit))
}

// HandleHTTPRequest passes the serialised request envelope to the module's
// handleHttpRequest entry point and waits for the returned promise to
// settle. The module answers through its own capability calls; settlement
// alone produces no response. Ordered host calls the handler made are
// complete when it returns, even if the handler failed.
func (r *Runtime) HandleHTTPRequest(ctx context.Context, envelope string) error {
	defer r.Exempt(stringCost(envelope))()
	return r.settle(ctx, r.invoke(ctx, EntryHandleHTTPRequest, envelope))
}

// settle flushes the serial queues after an entry point returned err and
// reports err, or the flush failure when the call itself succeeded. A
// closed runtime has no queues left to flush.
func (r *Runtime) settle(ctx context.Context, err error) error {
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrMemoryLimit) {
		return err
	}
	if ferr := r.Flush(ctx); err == nil {
		return ferr
	}
	return err
}

// stringCost is the heap goja adds when a Go string enters the VM. ASCII
// strings are shared as-is; anything else is converted to UTF-16.
func stringCost(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return 2 * (len(s) + 1)
		}
	}
	return 0
}

// Flush waits until every serial capability call issued so far has run.
func (r *Runtime) Flush(ctx context.Context) error {
	r.queuesMu.Lock()
	queues := make([]*serialQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queuesMu.Unlock()

	for _, q := range queues {
		if err := q.barrier(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) invoke(ctx context.Context, name string, args ...any) error {
	settled := make(chan error, 1)
	err := r.loop.do(ctx, func() error {
		if r.graph == nil {
			return ErrNotLoaded
		}
		fn, ok := r.entryPoint(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrEntryPoint, name)
		}

		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jsArgs[i] = r.vm.ToValue(a)
		}
		v, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			return r.scriptError(err)
		}
		r.whenSettled(v, func(err error) { settled <- err })
		return nil
	})
	if err != nil {
		return r.memoryError(err)
	}

	select {
	case err := <-settled:
		return r.memoryError(err)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return ErrClosed
	}
}

func (r *Runtime) entryPoint(name string) (goja.Callable, bool) {
	if fn, ok := goja.AssertFunction(r.vm.GlobalObject().Get(name)); ok {
		return fn, true
	}
	entry, ok := r.modules[r.graph.entry]
	if !ok {
		return nil, false
	}
	exports, ok := entry.Get("exports").(*goja.Object)
	if !ok {
		return nil, false
	}
	return goja.AssertFunction(exports.Get(name))
}

// whenSettled calls done once v settles. Non-thenables settle at once.
func (r *Runtime) whenSettled(v goja.Value, done func(error)) {
	obj, ok := v.(*goja.Object)
	if !ok {
		done(nil)
		return
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		done(nil)
		return
	}

	onFulfilled := func(goja.FunctionCall) goja.Value {
		done(nil)
		return goja.Undefined()
	}
	onRejected := func(call goja.FunctionCall) goja.Value {
		done(r.rejection(call.Argument(0)))
		return goja.Undefined()
	}
	if _, err := then(obj, r.vm.ToValue(onFulfilled), r.vm.ToValue(onRejected)); err != nil {
		done(r.scriptError(err))
	}
}

// scriptError converts an error returned by goja into a Go error.
func (r *Runtime) scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		se := r.rejection(exc.Value())
		se.Stack = exc.String()
		return se
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ierr, ok := interrupted.Value().(error); ok {
			return ierr
		}
		return fmt.Errorf("interrupted: %v", interrupted.Value())
	}
	return err
}

// memoryError attributes a failure to the memory guard once it has
// tripped, whatever form the interrupt took inside the script.
func (r *Runtime) memoryError(err error) error {
	if err == nil || r.guard == nil || errors.Is(err, ErrMemoryLimit) {
		return err
	}
	select {
	case <-r.guard.exceeded:
		return fmt.Errorf("%w: %v", ErrMemoryLimit, err)
	default:
		return err
	}
}

// rejection extracts a message from a thrown or rejected value, preferring
// an Error's message property.
func (r *Runtime) rejection(v goja.Value) *ScriptError {
	if v == nil || goja.IsUndefined(v) {
		return &ScriptError{Message: "undefined"}
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return &ScriptError{Message: msg.String()}
		}
	}
	return &ScriptError{Message: v.String()}
}

func (r *Runtime) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("setTimeout: callback is not a function"))
	}
	if len(r.timers) >= maxTimers {
		panic(r.vm.NewTypeError("setTimeout: more than %d pending timers", maxTimers))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var extra []goja.Value
	if len(call.Arguments) > 2 {
		extra = append(extra, call.Arguments[2:]...)
	}

	r.nextTimer++
	id := r.nextTimer
	r.timers[id] = time.AfterFunc(delay, func() {
		r.loop.post(func() {
			if _, live := r.timers[id]; !live {
				return
			}
			delete(r.timers, id)
			if _, err := fn(goja.Undefined(), extra...); err != nil {
				r.logger.Warn("timer callback failed", zap.Error(r.scriptError(err)))
			}
		})
	})
	return r.vm.ToValue(id)
}

func (r *Runtime) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	return goja.Undefined()
}

func (r *Runtime) serialQueue(name string) *serialQueue {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		q = newSerialQueue()
		r.queues[name] = q
	}
	return q
}

// Close interrupts any running script, cancels in-flight host calls and
// releases the VM. It is safe to call more than once.
func (r *Runtime) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.vm.Interrupt(ErrClosed)
		r.loop.post(func() {
			for id, t := range r.timers {
				t.Stop()
				delete(r.timers, id)
			}
		})
		r.loop.close()
		close(r.closed)

		r.queuesMu.Lock()
		for _, q := range r.queues {
			q.stop()
		}
		r.queuesMu.Unlock()
		if r.guard != nil {
			r.guard.close()
		}
	})
	return nil
}
