package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	apihttp "github.com/GriffinCanCode/maitre/internal/api/http"
	"github.com/GriffinCanCode/maitre/internal/api/middleware"
	"github.com/GriffinCanCode/maitre/internal/api/ws"
	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/domain/supervisor"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/config"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/maitre/internal/worker"
)

// eventsPath is served without compression so the websocket upgrade can
// hijack the connection.
const eventsPath = "/_maitre/events"

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	// Spawner overrides how workers are started. When nil, InProcess picks
	// between goroutine workers and one process per module.
	Spawner   supervisor.Spawner
	InProcess bool
	Version   string
}

// Server wraps the HTTP server and dependencies
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	manager *supervisor.Manager
	modules *module.Result
	router  *gin.Engine
	http    *http.Server
}

// New discovers modules and builds the supervisor and router. Workers are
// not spawned until Start.
func New(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	logger.Info("Initializing maitre",
		zap.String("addr", cfg.Server.Host+":"+cfg.Server.Port),
		zap.String("modules_root", cfg.Modules.Root),
		zap.Int("memory_mb", cfg.Sandbox.MemoryLimitMB),
		zap.Duration("request_timeout", cfg.Modules.RequestTimeout),
	)

	found, err := module.Discover(ctx, cfg.Modules.Root, module.Options{
		Include:      cfg.Modules.Include,
		Exclude:      cfg.Modules.Exclude,
		DefaultEntry: cfg.Sandbox.Entry,
	})
	if err != nil {
		return nil, fmt.Errorf("discover modules: %w", err)
	}
	for _, s := range found.Skipped {
		fields := []zap.Field{zap.String("module", s.Name), zap.String("reason", string(s.Reason))}
		if s.Err != nil {
			fields = append(fields, zap.Error(s.Err))
		}
		logger.Warn("Module skipped", fields...)
	}
	logger.Info("Modules discovered", zap.Int("count", len(found.Modules)), zap.Int("skipped", len(found.Skipped)))

	spawner := opts.Spawner
	if spawner == nil {
		spawner, err = newSpawner(cfg, opts.InProcess, logger)
		if err != nil {
			return nil, err
		}
	}

	manager := supervisor.NewManager(supervisor.Options{
		Spawner:        spawner,
		RequestTimeout: cfg.Modules.RequestTimeout,
		KillGrace:      cfg.Modules.KillGrace,
		Logger:         logger,
		Metrics:        metrics,
	})

	handlers := apihttp.NewHandlers(apihttp.Options{
		Manager:   manager,
		Modules:   found,
		Metrics:   metrics,
		Logger:    logger,
		StaticDir: cfg.Server.StaticDir,
		Version:   opts.Version,
	})
	wsHandler := ws.NewHandler(manager, metrics, logger)

	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		manager: manager,
		modules: found,
		router:  NewRouter(cfg, logger, metrics, handlers, wsHandler),
	}, nil
}

func newSpawner(cfg *config.Config, inProcess bool, logger *logging.Logger) (supervisor.Spawner, error) {
	wcfg := WorkerConfig(cfg)
	if inProcess {
		// Workers would share the host heap, so the per-module ceiling
		// cannot be measured.
		wcfg.Sandbox.MemoryLimit = 0
		logger.Warn("Running modules in-process; memory ceilings are off and a crashing module takes the host down")
		return &supervisor.InProcessSpawner{Config: wcfg, Logger: logger}, nil
	}
	return supervisor.NewExecSpawner(cfg.Modules.WorkerBinary, wcfg, logger)
}

// WorkerConfig derives the settings handed to every worker from the host
// configuration.
func WorkerConfig(cfg *config.Config) worker.Config {
	w := worker.DefaultConfig()
	w.Sandbox.Entry = cfg.Sandbox.Entry
	w.Sandbox.MemoryLimit = cfg.Sandbox.MemoryLimitBytes()
	w.Sandbox.MaxCallStack = cfg.Sandbox.MaxCallStack
	w.Sandbox.MemoryPoll = cfg.Sandbox.MemoryPoll
	w.Fetch.Timeout = cfg.Fetch.Timeout
	w.Fetch.MaxBodyBytes = cfg.Fetch.MaxBodyBytes
	w.Fetch.AllowPrivate = cfg.Fetch.AllowPrivate
	w.Fetch.RPS = cfg.Fetch.RPS
	w.Fetch.Retries = cfg.Fetch.Retries
	w.LogLevel = cfg.Logging.Level
	w.LogDevelopment = cfg.Logging.Development
	return w
}

// NewRouter builds the gin engine: admin endpoints under /_maitre/, every
// other path proxied to modules.
func NewRouter(cfg *config.Config, logger *logging.Logger, metrics *monitoring.Metrics, handlers *apihttp.Handlers, wsHandler *ws.Handler) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = false
	router.RedirectTrailingSlash = false

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Logger))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	admin := router.Group(strings.TrimSuffix(apihttp.AdminPrefix, "/"))
	admin.GET("/health", handlers.Health)
	admin.GET("/modules", handlers.ListModules)
	admin.GET("/routes", handlers.ListRoutes)
	admin.GET("/metrics", handlers.Metrics)
	admin.GET("/metrics/json", handlers.MetricsJSON)
	admin.GET("/events", wsHandler.HandleConnection)

	// Everything else belongs to modules, then static files
	router.NoRoute(handlers.Proxy)

	return router
}

// Handler returns the root HTTP handler, gzip-wrapped when enabled.
func (s *Server) Handler() http.Handler {
	if !s.config.Server.Gzip {
		return s.router
	}
	gz := gzhttp.GzipHandler(s.router)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == eventsPath {
			s.router.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

// Manager exposes the module supervisor.
func (s *Server) Manager() *supervisor.Manager {
	return s.manager
}

// Modules returns the discovery result.
func (s *Server) Modules() *module.Result {
	return s.modules
}

// Start spawns a worker for every discovered module. Modules that fail to
// start are logged and left out; the host keeps serving the rest.
func (s *Server) Start(ctx context.Context) {
	if err := s.manager.Start(ctx, s.modules.Modules); err != nil {
		s.logger.Warn("Some modules failed to start", zap.Error(err))
	}

	go func() {
		if err := s.manager.WaitReady(ctx); err != nil {
			s.logger.Warn("Some modules are not ready", zap.Error(err))
		}
		s.logger.Info("Modules ready", zap.Int("routes", len(s.manager.Routes())))
	}()
}

// Listen opens the server socket, capped at MaxConnections when set.
func (s *Server) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if n := s.config.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	return ln, nil
}

// Serve starts workers and serves HTTP on ln until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http").Logger),
	}

	s.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.Close()
			return err
		}
		return nil
	case <-ctx.Done():
	}
	return s.Close()
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Close stops accepting requests, lets in-flight ones finish and stops every
// worker.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP shutdown failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Error("Worker shutdown failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
	}

	_ = s.logger.Sync()
	return errors.Join(errs...)
}
