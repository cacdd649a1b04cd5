package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
)

// Kind selects how a capability crosses into the sandbox.
type Kind int

const (
	// Async capabilities return a promise; the host function runs off the
	// loop and the sandbox resumes when it completes.
	Async Kind = iota
	// Sync capabilities run to completion before the sandbox call returns.
	// They must not block on anything slow.
	Sync
)

func (k Kind) String() string {
	if k == Sync {
		return "sync"
	}
	return "async"
}

// Func is a host function reachable from the sandbox. Arguments arrive as
// deep copies built from JSON-compatible values (map[string]any, []any,
// string, float64, int64, bool, nil). The result is copied back the same way.
type Func func(ctx context.Context, args []any) (any, error)

// Capability binds Func at a dotted path such as "os.loadavg".
type Capability struct {
	Path string
	Kind Kind
	// Serial runs async calls to this capability one at a time, in call
	// order. process.send relies on it so messages keep their order.
	Serial bool
	Func   Func
}

var capabilityPath = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// ValidateCapabilities checks paths and rejects duplicates.
func ValidateCapabilities(caps []Capability) error {
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		if !capabilityPath.MatchString(c.Path) {
			return fmt.Errorf("capability %q: invalid path", c.Path)
		}
		if c.Func == nil {
			return fmt.Errorf("capability %q: nil func", c.Path)
		}
		if _, dup := seen[c.Path]; dup {
			return fmt.Errorf("capability %q: defined twice", c.Path)
		}
		seen[c.Path] = struct{}{}
	}
	return nil
}

// bindPath creates, without overwriting, the namespace objects named by
// every segment but the last, then binds the last segment to leaf.
func bindPath(vm *goja.Runtime, path string, leaf goja.Value) error {
	segments := strings.Split(path, ".")
	obj := vm.GlobalObject()
	for i, seg := range segments[:len(segments)-1] {
		v := obj.Get(seg)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			next := vm.NewObject()
			if err := obj.Set(seg, next); err != nil {
				return err
			}
			obj = next
			continue
		}
		existing, ok := v.(*goja.Object)
		if !ok {
			return fmt.Errorf("capability %q: %s is not an object", path, strings.Join(segments[:i+1], "."))
		}
		obj = existing
	}
	return obj.Set(segments[len(segments)-1], leaf)
}

// installCapabilities binds every capability into the global namespace.
// Must run on the loop.
func (r *Runtime) installCapabilities(caps []Capability) error {
	for _, c := range caps {
		var fn func(goja.FunctionCall) goja.Value
		if c.Kind == Sync {
			fn = r.syncProxy(c)
		} else {
			fn = r.asyncProxy(c)
		}
		if err := bindPath(r.vm, c.Path, r.vm.ToValue(fn)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) syncProxy(c Capability) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args, err := exportArgs(call.Arguments)
		if err != nil {
			panic(r.vm.NewTypeError("%s: %v", c.Path, err))
		}
		result, err := c.Func(r.ctx, args)
		if err != nil {
			panic(r.vm.NewGoError(fmt.Errorf("%s: %w", c.Path, err)))
		}
		v, err := r.importValue(result)
		if err != nil {
			panic(r.vm.NewTypeError("%s: %v", c.Path, err))
		}
		return v
	}
}

func (r *Runtime) asyncProxy(c Capability) func(goja.FunctionCall) goja.Value {
	var queue *serialQueue
	if c.Serial {
		queue = r.serialQueue(c.Path)
	}

	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := r.vm.NewPromise()
		settle := func(result any, err error) {
			if err != nil {
				reject(r.vm.NewGoError(fmt.Errorf("%s: %w", c.Path, err)))
				return
			}
			v, err := r.importValue(result)
			if err != nil {
				reject(r.vm.NewTypeError("%s: %v", c.Path, err))
				return
			}
			resolve(v)
		}

		args, err := exportArgs(call.Arguments)
		if err != nil {
			settle(nil, err)
			return r.vm.ToValue(promise)
		}

		r.calls.Add(1)
		job := func() {
			defer r.calls.Done()
			result, err := c.Func(r.ctx, args)
			r.loop.post(func() { settle(result, err) })
		}
		if queue != nil {
			queue.push(job)
		} else {
			go job()
		}
		return r.vm.ToValue(promise)
	}
}

// exportArgs deep-copies sandbox values into plain Go values.
func exportArgs(values []goja.Value) ([]any, error) {
	args := make([]any, len(values))
	for i, v := range values {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		if _, isFunc := goja.AssertFunction(v); isFunc {
			return nil, fmt.Errorf("argument %d: functions cannot cross the sandbox boundary", i)
		}
		copied, err := deepCopy(v.Export())
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = copied
	}
	return args, nil
}

// importValue deep-copies a host value into a fresh sandbox value. Must
// run on the loop.
func (r *Runtime) importValue(v any) (goja.Value, error) {
	switch t := v.(type) {
	case nil:
		return goja.Undefined(), nil
	case string:
		return r.vm.ToValue(t), nil
	case bool:
		return r.vm.ToValue(t), nil
	}

	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not serialisable: %w", err)
	}
	return r.jsonParse(string(data))
}

func (r *Runtime) jsonParse(src string) (goja.Value, error) {
	if r.parse == nil {
		parse, ok := goja.AssertFunction(r.vm.Get("JSON").ToObject(r.vm).Get("parse"))
		if !ok {
			return nil, errors.New("JSON.parse unavailable")
		}
		r.parse = parse
	}
	return r.parse(goja.Undefined(), r.vm.ToValue(src))
}

// deepCopy round-trips v through JSON so that no reference is shared
// across the boundary.
func deepCopy(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string, bool, int64, float64:
		return t, nil
	}
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not serialisable: %w", err)
	}
	var out any
	if err := sonic.ConfigStd.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// serialQueue runs jobs one after another on its own goroutine. Jobs
// pushed before stop still run.
type serialQueue struct {
	mu      sync.RWMutex
	stopped bool
	jobs    chan func()
	done    chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{jobs: make(chan func(), 256), done: make(chan struct{})}
	go func() {
		defer close(q.done)
		for job := range q.jobs {
			job()
		}
	}()
	return q
}

func (q *serialQueue) push(job func()) {
	q.jobs <- job
}

// barrier blocks until every job pushed before it has run.
func (q *serialQueue) barrier(ctx context.Context) error {
	reached := make(chan struct{})

	q.mu.RLock()
	if q.stopped {
		q.mu.RUnlock()
		return ErrClosed
	}
	select {
	case q.jobs <- func() { close(reached) }:
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *serialQueue) stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}
