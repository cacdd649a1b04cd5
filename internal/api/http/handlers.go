package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/domain/supervisor"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/maitre/internal/protocol"
)

// AdminPrefix is reserved for host endpoints; modules cannot serve it.
const AdminPrefix = "/_maitre/"

// Supervisor is the part of the module manager the handlers use.
type Supervisor interface {
	Dispatch(ctx context.Context, req supervisor.Request) (supervisor.Route, protocol.Response, error)
	Routes() []supervisor.Route
	Workers() []supervisor.WorkerInfo
	Pending() int
}

// Options configures Handlers.
type Options struct {
	Manager   Supervisor
	Modules   *module.Result
	Metrics   *monitoring.Metrics
	Logger    *logging.Logger
	StaticDir string
	Version   string
	// MaxBodyBytes caps request bodies forwarded to modules.
	MaxBodyBytes int64
}

// Handlers contains all HTTP handlers
type Handlers struct {
	manager Supervisor
	modules *module.Result
	metrics *monitoring.Metrics
	logger  *logging.Logger
	static  *Static
	version string
	maxBody int64
	started time.Time
}

// DefaultMaxBodyBytes leaves room for the envelope inside one protocol line.
// Workers keep the forwarded request out of the module's memory ceiling, so
// it is independent of SANDBOX_MEMORY_MB.
const DefaultMaxBodyBytes = protocol.MaxBodySize

// NewHandlers creates a new handler set
func NewHandlers(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	if opts.Modules == nil {
		opts.Modules = &module.Result{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Handlers{
		manager: opts.Manager,
		modules: opts.Modules,
		metrics: opts.Metrics,
		logger:  logger.Named("http"),
		static:  NewStatic(opts.StaticDir),
		version: opts.Version,
		maxBody: opts.MaxBodyBytes,
		started: time.Now(),
	}
}

// Health reports host liveness and a worker summary. A host with any
// terminated worker is "degraded" but still answers 200.
func (h *Handlers) Health(c *gin.Context) {
	counts := make(map[string]int)
	status := "healthy"
	for _, w := range h.manager.Workers() {
		counts[w.State.String()]++
		if w.State == supervisor.StateTerminated {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"service":        "maitre",
		"version":        h.version,
		"uptime_seconds": time.Since(h.started).Seconds(),
		"workers":        counts,
		"routes":         len(h.manager.Routes()),
		"pending":        h.manager.Pending(),
		"metrics":        h.metrics.Snapshot(),
	})
}

// ModuleStatus is one discovered module with its worker, if any.
type ModuleStatus struct {
	module.Descriptor
	Enabled bool                   `json:"enabled"`
	Worker  *supervisor.WorkerInfo `json:"worker,omitempty"`
}

// ListModules lists discovered modules, the workers hosting them and the
// directories that were skipped.
func (h *Handlers) ListModules(c *gin.Context) {
	workers := make(map[string]supervisor.WorkerInfo)
	for _, w := range h.manager.Workers() {
		workers[w.Module] = w
	}

	mods := make([]ModuleStatus, 0, len(h.modules.Modules))
	for _, d := range h.modules.Modules {
		st := ModuleStatus{Descriptor: d, Enabled: d.Enabled()}
		if w, ok := workers[d.Name]; ok {
			st.Worker = &w
		}
		mods = append(mods, st)
	}

	skipped := h.modules.Skipped
	if skipped == nil {
		skipped = []module.Skipped{}
	}
	c.JSON(http.StatusOK, gin.H{
		"root":    h.modules.Root,
		"modules": mods,
		"skipped": skipped,
	})
}

// ListRoutes lists live routes in match order.
func (h *Handlers) ListRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"routes": h.manager.Routes(),
	})
}
