package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/worker"
)

func testLogger(t *testing.T) *logging.Logger {
	return logging.Wrap(zaptest.NewLogger(t))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// writeModule creates root/name with the given files and returns its
// descriptor.
func writeModule(t *testing.T, root, name string, files map[string]string) module.Descriptor {
	t.Helper()
	dir := filepath.Join(root, name)
	for rel, src := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
	return module.Descriptor{Name: name, Dir: dir, Entry: "index.js"}
}

func workerConfig() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.Sandbox.MemoryLimit = 0
	cfg.Fetch.RPS = 0
	return cfg
}

func newInProcessManager(t *testing.T, timeout time.Duration) (*Manager, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	m := NewManager(Options{
		Spawner:        &InProcessSpawner{Config: workerConfig(), Logger: testLogger(t)},
		RequestTimeout: timeout,
		KillGrace:      time.Second,
		Logger:         testLogger(t),
		Metrics:        metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, metrics
}

// script plays a worker over the protocol. Its return value is the exit
// code; it should return when Decode fails.
type script func(dec *protocol.Decoder, enc *protocol.Encoder) int

// scriptedSpawner runs scripts in place of worker processes.
type scriptedSpawner struct {
	scripts map[string]script
}

func (s *scriptedSpawner) Spawn(_ context.Context, desc module.Descriptor) (Process, error) {
	run := s.scripts[desc.Name]
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := &fakeProcess{in: inW, inR: inR, out: outR, outW: outW, done: make(chan struct{})}
	go func() {
		code := run(protocol.NewDecoder(inR), protocol.NewEncoder(outW))
		p.finish(code)
	}()
	return p, nil
}

type fakeProcess struct {
	in   *io.PipeWriter
	inR  *io.PipeReader
	out  *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	killed bool
	once   sync.Once
	done   chan struct{}
	exit   Exit
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		if p.killed {
			code = -1
		}
		p.mu.Unlock()
		p.exit = Exit{Code: code}
		p.outW.Close()
		p.inR.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int           { return 4242 }
func (p *fakeProcess) In() io.WriteCloser { return p.in }
func (p *fakeProcess) Out() io.Reader     { return p.out }

func (p *fakeProcess) Wait() Exit {
	<-p.done
	return p.exit
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(-1)
	return nil
}

// serveRoute answers init by registering one route and reporting ready.
func serveRoute(dec *protocol.Decoder, enc *protocol.Encoder, routeID, path string) bool {
	msg, err := dec.Decode()
	if err != nil || msg.Type() != protocol.TypeInit {
		return false
	}
	return enc.Encode(protocol.RegisterRoute{ID: routeID, Path: path}) == nil &&
		enc.Encode(protocol.Ready{}) == nil
}

func newScriptedManager(t *testing.T, timeout time.Duration, scripts map[string]script) (*Manager, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	m := NewManager(Options{
		Spawner:        &scriptedSpawner{scripts: scripts},
		RequestTimeout: timeout,
		KillGrace:      100 * time.Millisecond,
		Logger:         testLogger(t),
		Metrics:        metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, metrics
}

func descriptor(name string) module.Descriptor {
	return module.Descriptor{Name: name, Dir: "/modules/" + name, Entry: "index.js"}
}
