package sandbox

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// heapInUse reports live plus not-yet-swept heap object bytes.
func heapInUse() uint64 {
	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// memoryGuard polls heap growth above a baseline taken when the sandbox was
// created. goja allocates on the Go heap, so growth past the baseline is
// what the module's code is holding on to. Crossing the limit triggers one
// forced GC to rule out garbage; if usage is still over, onExceed fires
// once.
//
// Heap the host holds on the module's behalf, such as a request line on its
// way into the sandbox, is registered with exempt and left out of the count.
type memoryGuard struct {
	limit    uint64
	baseline uint64
	poll     time.Duration
	onExceed func(used uint64)

	exempted atomic.Int64

	mu   sync.Mutex
	peak uint64

	once     sync.Once
	exceeded chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

func newMemoryGuard(limit uint64, poll time.Duration, onExceed func(used uint64)) *memoryGuard {
	runtime.GC()
	g := &memoryGuard{
		limit:    limit,
		baseline: heapInUse(),
		poll:     poll,
		onExceed: onExceed,
		exceeded: make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go g.watch()
	return g
}

func (g *memoryGuard) watch() {
	defer close(g.done)
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			if g.check() {
				return
			}
		}
	}
}

// check reports whether the limit was exceeded.
func (g *memoryGuard) check() bool {
	used := g.used()
	if used <= g.limit {
		return false
	}
	runtime.GC()
	used = g.used()
	if used <= g.limit {
		return false
	}
	g.once.Do(func() {
		close(g.exceeded)
		if g.onExceed != nil {
			g.onExceed(used)
		}
	})
	return true
}

// exempt excludes n bytes from the count until release is called.
func (g *memoryGuard) exempt(n int64) (release func()) {
	g.exempted.Add(n)
	var once sync.Once
	return func() {
		once.Do(func() { g.exempted.Add(-n) })
	}
}

// used returns heap growth since the baseline, less exempted bytes.
func (g *memoryGuard) used() uint64 {
	now := heapInUse()
	floor := g.baseline
	if held := g.exempted.Load(); held > 0 {
		floor += uint64(held)
	}
	var used uint64
	if now > floor {
		used = now - floor
	}
	g.mu.Lock()
	if used > g.peak {
		g.peak = used
	}
	g.mu.Unlock()
	return used
}

func (g *memoryGuard) peakUsage() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *memoryGuard) close() {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	<-g.done
}
