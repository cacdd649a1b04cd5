package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/domain/supervisor"
	"github.com/GriffinCanCode/maitre/internal/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSupervisor answers Dispatch from a handler function and records the
// requests it saw.
type fakeSupervisor struct {
	mu       sync.Mutex
	seen     []supervisor.Request
	routes   []supervisor.Route
	workers  []supervisor.WorkerInfo
	dispatch func(req supervisor.Request) (protocol.Response, error)
}

func (f *fakeSupervisor) Dispatch(_ context.Context, req supervisor.Request) (supervisor.Route, protocol.Response, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()

	var route supervisor.Route
	for _, r := range f.routes {
		if strings.HasPrefix(req.Path, r.Path) {
			route = r
			break
		}
	}
	if route.ID == "" {
		return route, protocol.Response{}, supervisor.ErrNoRoute
	}
	resp, err := f.dispatch(req)
	return route, resp, err
}

func (f *fakeSupervisor) Routes() []supervisor.Route       { return f.routes }
func (f *fakeSupervisor) Workers() []supervisor.WorkerInfo { return f.workers }
func (f *fakeSupervisor) Pending() int                     { return 0 }

func (f *fakeSupervisor) last() supervisor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

func newRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	admin := r.Group("/_maitre")
	admin.GET("/health", h.Health)
	admin.GET("/modules", h.ListModules)
	admin.GET("/routes", h.ListRoutes)
	admin.GET("/metrics", h.Metrics)
	admin.GET("/metrics/json", h.MetricsJSON)
	r.NoRoute(h.Proxy)
	return r
}

func statusRoute() supervisor.Route {
	return supervisor.Route{ID: "r1", Path: "/status", Module: "status", WorkerID: "wrk_1"}
}

func serve(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProxyRelaysHTML(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(req supervisor.Request) (protocol.Response, error) {
			return protocol.Response{Status: 200, Output: protocol.TextOutput("<h1>" + req.Path + "</h1>")}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup}))

	w := serve(r, http.MethodGet, "/status/detail?verbose=1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<h1>/status/detail</h1>", w.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "status", w.Header().Get("X-Maitre-Module"))
	assert.Equal(t, "r1", w.Header().Get("X-Maitre-Route"))

	req := sup.last()
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/status/detail", req.Path)
	assert.Equal(t, "verbose=1", req.Query)
	assert.Nil(t, req.Body)
}

func TestProxyRelaysJSONStatusAndHeaders(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			return protocol.Response{
				Status:  201,
				Output:  json.RawMessage(`{"ok":true}`),
				Headers: map[string]string{"Cache-Control": "no-store", "X-Custom": "1"},
			}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup}))

	w := serve(r, http.MethodPost, "/status", "")
	assert.Equal(t, 201, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "1", w.Header().Get("X-Custom"))
}

func TestProxyModuleContentTypeWins(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			return protocol.Response{
				Output:  protocol.TextOutput("a,b"),
				Headers: map[string]string{"Content-Type": "text/csv"},
			}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup}))

	w := serve(r, http.MethodGet, "/status.csv", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "a,b", w.Body.String())
}

func TestProxyEmptyOutput(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			return protocol.Response{Status: 204}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup}))

	w := serve(r, http.MethodDelete, "/status/1", "")
	assert.Equal(t, 204, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestProxyEnvelope(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			return protocol.Response{Output: protocol.TextOutput("ok")}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup}))

	req := httptest.NewRequest(http.MethodPost, "/status", strings.NewReader(`{"name":"maitre"}`))
	req.Header.Add("X-Token", "first")
	req.Header.Add("X-Token", "second")
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := sup.last()
	assert.JSONEq(t, `{"name":"maitre"}`, string(got.Body))
	assert.Equal(t, "first", got.Headers["x-token"])
	assert.Equal(t, "application/json", got.Headers["content-type"])
	assert.Equal(t, "example.com", got.Headers["host"])

	serve(r, http.MethodPost, "/status", "plain words")
	assert.JSONEq(t, `"plain words"`, string(sup.last().Body))
}

func TestEncodeBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace", "  \n", ""},
		{"object", `{"a":1}`, `{"a":1}`},
		{"array", ` [1,2] `, `[1,2]`},
		{"number", `42`, `42`},
		{"text", `a=1&b=2`, `"a=1&b=2"`},
		{"broken json", `{"a":`, `"{\"a\":"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeBody([]byte(tt.in))
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestProxyErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"timeout", fmt.Errorf("%w: status", supervisor.ErrDispatchTimeout), http.StatusGatewayTimeout, "Module timed out"},
		{"terminated", fmt.Errorf("%w: status", supervisor.ErrWorkerTerminated), http.StatusInternalServerError, "Module error"},
		{"invalid", fmt.Errorf("%w: bad status", supervisor.ErrInvalidResponse), http.StatusBadGateway, "Invalid module response"},
		{"canceled", context.Canceled, http.StatusInternalServerError, "Module error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := &fakeSupervisor{
				routes: []supervisor.Route{statusRoute()},
				dispatch: func(supervisor.Request) (protocol.Response, error) {
					return protocol.Response{}, tt.err
				},
			}
			r := newRouter(NewHandlers(Options{Manager: sup}))

			w := serve(r, http.MethodGet, "/status", "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.body, w.Body.String())
		})
	}
}

func TestProxyBodyTooLarge(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			t.Fatal("oversized request was dispatched")
			return protocol.Response{}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup, MaxBodyBytes: 16}))

	w := serve(r, http.MethodPost, "/status", strings.Repeat("x", 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestProxyFallsThroughToStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>home</p>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.txt"), []byte("shadowed"), 0o644))

	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			return protocol.Response{Output: protocol.TextOutput("module")}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup, StaticDir: dir}))

	w := serve(r, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<p>home</p>", w.Body.String())

	w = serve(r, http.MethodGet, "/assets/app.js", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())

	// Module routes are matched before static files
	w = serve(r, http.MethodGet, "/status.txt", "")
	assert.Equal(t, "module", w.Body.String())

	w = serve(r, http.MethodGet, "/missing.css", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", w.Body.String())

	w = serve(r, http.MethodPost, "/assets/app.js", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStaticStaysInsideDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "public")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0o644))

	r := newRouter(NewHandlers(Options{Manager: &fakeSupervisor{}, StaticDir: dir}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../secret.txt"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestNoStaticDir(t *testing.T) {
	assert.Nil(t, NewStatic(""))
	assert.Nil(t, NewStatic(filepath.Join(t.TempDir(), "nope")))

	r := newRouter(NewHandlers(Options{Manager: &fakeSupervisor{}, StaticDir: "does-not-exist"}))
	w := serve(r, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminPrefixIsReserved(t *testing.T) {
	sup := &fakeSupervisor{
		routes: []supervisor.Route{{ID: "greedy", Path: "/", Module: "greedy"}},
		dispatch: func(supervisor.Request) (protocol.Response, error) {
			return protocol.Response{Output: protocol.TextOutput("greedy")}, nil
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup}))

	w := serve(r, http.MethodGet, "/_maitre/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodGet, "/_maitre/routes", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"greedy"`)

	w = serve(r, http.MethodGet, "/anything", "")
	assert.Equal(t, "greedy", w.Body.String())
}

func TestHealth(t *testing.T) {
	code := 3
	sup := &fakeSupervisor{
		routes: []supervisor.Route{statusRoute()},
		workers: []supervisor.WorkerInfo{
			{Module: "status", State: supervisor.StateReady},
			{Module: "broken", State: supervisor.StateTerminated, ExitCode: &code, Reason: "load_error"},
		},
	}
	r := newRouter(NewHandlers(Options{Manager: sup, Version: "1.2.3"}))

	w := serve(r, http.MethodGet, "/_maitre/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status  string         `json:"status"`
		Version string         `json:"version"`
		Workers map[string]int `json:"workers"`
		Routes  int            `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, map[string]int{"ready": 1, "terminated": 1}, body.Workers)
	assert.Equal(t, 1, body.Routes)
}

func TestListModules(t *testing.T) {
	off := false
	result := &module.Result{
		Root: "/srv/modules",
		Modules: []module.Descriptor{
			{Name: "status", Dir: "/srv/modules/status", Entry: "index.js"},
			{Name: "parked", Dir: "/srv/modules/parked", Entry: "index.js", Manifest: module.Manifest{Load: &off}},
		},
		Skipped: []module.Skipped{{Name: "empty", Dir: "/srv/modules/empty", Reason: module.ReasonMissingEntry}},
	}
	sup := &fakeSupervisor{
		workers: []supervisor.WorkerInfo{{ID: "wrk_1", Module: "status", State: supervisor.StateReady, Pid: 99}},
	}
	r := newRouter(NewHandlers(Options{Manager: sup, Modules: result}))

	w := serve(r, http.MethodGet, "/_maitre/modules", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Root    string `json:"root"`
		Modules []struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
			Worker  *struct {
				Pid   int    `json:"pid"`
				State string `json:"state"`
			} `json:"worker"`
		} `json:"modules"`
		Skipped []struct {
			Name   string `json:"name"`
			Reason string `json:"reason"`
		} `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "/srv/modules", body.Root)
	require.Len(t, body.Modules, 2)
	assert.True(t, body.Modules[0].Enabled)
	require.NotNil(t, body.Modules[0].Worker)
	assert.Equal(t, 99, body.Modules[0].Worker.Pid)
	assert.Equal(t, "ready", body.Modules[0].Worker.State)
	assert.False(t, body.Modules[1].Enabled)
	assert.Nil(t, body.Modules[1].Worker)
	require.Len(t, body.Skipped, 1)
	assert.Equal(t, "empty", body.Skipped[0].Name)
}

func TestMetricsEndpoints(t *testing.T) {
	h := NewHandlers(Options{Manager: &fakeSupervisor{}})
	r := newRouter(h)

	w := serve(r, http.MethodGet, "/_maitre/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "maitre_uptime_seconds")

	w = serve(r, http.MethodGet, "/_maitre/metrics/json", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"counters"`)
}
