package ws

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/maitre/internal/domain/supervisor"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/monitoring"
)

type fakeSource struct {
	mu   sync.Mutex
	subs []chan supervisor.Event
}

func (f *fakeSource) Subscribe() (<-chan supervisor.Event, func()) {
	ch := make(chan supervisor.Event, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSource) Workers() []supervisor.WorkerInfo {
	return []supervisor.WorkerInfo{
		{ID: "wrk_a", Module: "a", State: supervisor.StateReady},
		{ID: "wrk_b", Module: "b", State: supervisor.StateInitializing},
	}
}

func (f *fakeSource) Routes() []supervisor.Route {
	return []supervisor.Route{{ID: "ra", Path: "/a", Module: "a"}}
}

func (f *fakeSource) publish(e supervisor.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- e
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func startServer(t *testing.T, source EventSource, metrics *monitoring.Metrics) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/_maitre/events", NewHandler(source, metrics, nil).HandleConnection)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/_maitre/events"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	source := &fakeSource{}
	metrics := monitoring.NewMetrics()
	conn := dial(t, startServer(t, source, metrics))

	var snap struct {
		Type    string           `json:"type"`
		Workers []map[string]any `json:"workers"`
		Routes  []map[string]any `json:"routes"`
	}
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	assert.Len(t, snap.Workers, 2)
	assert.Len(t, snap.Routes, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StreamClients))

	require.Eventually(t, func() bool { return source.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	code := 3
	source.publish(supervisor.Event{Type: supervisor.EventWorkerExited, Module: "b", State: "terminated", ExitCode: &code})

	var event supervisor.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, supervisor.EventWorkerExited, event.Type)
	assert.Equal(t, "b", event.Module)
	require.NotNil(t, event.ExitCode)
	assert.Equal(t, 3, *event.ExitCode)

	conn.Close()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StreamClients) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamFiltersByModule(t *testing.T) {
	source := &fakeSource{}
	conn := dial(t, startServer(t, source, nil)+"?module=a")

	var snap struct {
		Workers []supervisor.WorkerInfo `json:"workers"`
	}
	require.NoError(t, conn.ReadJSON(&snap))
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "a", snap.Workers[0].Module)

	require.Eventually(t, func() bool { return source.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	source.publish(supervisor.Event{Type: supervisor.EventModuleLog, Module: "b", Message: "hidden"})
	source.publish(supervisor.Event{Type: supervisor.EventModuleLog, Module: "a", Message: "shown"})

	var event supervisor.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "shown", event.Message)
}

func TestStreamAnswersPing(t *testing.T) {
	conn := dial(t, startServer(t, &fakeSource{}, nil))

	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "launch"}))
	var errMsg map[string]any
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, "error", errMsg["type"])
}
