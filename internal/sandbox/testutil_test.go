package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder captures process.send calls in order.
type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (rec *recorder) capability() Capability {
	return Capability{
		Path:   "process.send",
		Kind:   Async,
		Serial: true,
		Func: func(_ context.Context, args []any) (any, error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if len(args) > 0 {
				rec.msgs = append(rec.msgs, args[0])
			}
			return nil, nil
		},
	}
}

func (rec *recorder) all() []any {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]any(nil), rec.msgs...)
}

func writeModule(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, src := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Heap usage is process wide; keep the guard off except where tested.
	cfg.MemoryLimit = 0
	return cfg
}

func newTestRuntime(t *testing.T, dir string, caps ...Capability) *Runtime {
	t.Helper()
	rt, err := New(dir, testConfig(), caps, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
