package capabilities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

type outbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (o *outbox) send(m protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

func (o *outbox) all() []protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Message(nil), o.msgs...)
}

func runModule(t *testing.T, src string, opts Options) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(src), 0o644))

	cfg := sandbox.DefaultConfig()
	cfg.MemoryLimit = 0
	rt, err := sandbox.New(dir, cfg, Standard(opts), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Load(ctx))
	require.NoError(t, rt.Init(ctx))
}

func TestStandardCapabilitiesInSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ip":"198.51.100.4"}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	box := &outbox{}
	cfg := DefaultFetchConfig()
	cfg.AllowPrivate = true

	runModule(t, `
global.init = async function () {
  process.send(JSON.stringify({ type: "registerRoute", id: "ip", path: "/ip" }));
  const body = await fetch("`+srv.URL+`", "json");
  const load = os.loadavg();
  process.send({
    type: "log",
    message: [body.ip, load.length, typeof os.totalmem(), os.freemem() <= os.totalmem(), os.uptime() >= 0].join(","),
  });
  console.log("loaded", { n: 1 });
  console.warn("careful");
};`, Options{
		Logger:  zap.New(core),
		Send:    box.send,
		Fetcher: NewFetcher(cfg, zap.New(core)),
	})

	assert.Equal(t, []protocol.Message{
		protocol.RegisterRoute{ID: "ip", Path: "/ip"},
		protocol.Log{Message: "198.51.100.4,3,number,true,true"},
	}, box.all())

	assert.Equal(t, 1, logs.FilterMessage(`loaded {"n":1}`).Len())
	warn := logs.FilterMessage("careful").All()
	require.Len(t, warn, 1)
	assert.Equal(t, zapcore.WarnLevel, warn[0].Level)
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	box := &outbox{}
	runModule(t, `
global.init = async function () {
  const errors = [];
  for (const bad of ["{nope", { type: "teleport" }, { type: "registerRoute", id: "x", path: "relative" }]) {
    try { await process.send(bad); } catch (e) { errors.push(e.message.length > 0); }
  }
  process.send({ type: "log", message: String(errors.length) });
};`, Options{Send: box.send})

	assert.Equal(t, []protocol.Message{protocol.Log{Message: "3"}}, box.all())
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]any{`{"id":"req_1","status":200,"output":{"ok":true}}`})
	require.NoError(t, err)
	resp, ok := msg.(protocol.Response)
	require.True(t, ok)
	assert.Equal(t, "req_1", resp.ID)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Output))

	msg, err = ParseMessage([]any{map[string]any{"type": "ready"}})
	require.NoError(t, err)
	assert.Equal(t, protocol.Ready{}, msg)

	_, err = ParseMessage(nil)
	assert.Error(t, err)

	_, err = ParseMessage([]any{"not json"})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestFormatArgs(t *testing.T) {
	assert.Equal(t, `a 1 {"k":[true]} undefined`, FormatArgs([]any{"a", int64(1), map[string]any{"k": []any{true}}, nil}))
	assert.Equal(t, "", FormatArgs(nil))
}

func TestStandardWithoutOptionalCapabilities(t *testing.T) {
	paths := map[string]bool{}
	for _, c := range Standard(Options{}) {
		paths[c.Path] = true
	}
	assert.True(t, paths["console.log"])
	assert.True(t, paths["os.uptime"])
	assert.False(t, paths["process.send"])
	assert.False(t, paths["fetch"])
	assert.True(t, paths["html.select"])
	assert.NoError(t, sandbox.ValidateCapabilities(Standard(Options{Send: (&outbox{}).send, Fetcher: NewFetcher(DefaultFetchConfig(), nil)})))
}
