package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Modules   ModulesConfig
	Sandbox   SandboxConfig
	Fetch     FetchConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000" validate:"required,numeric"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	StaticDir       string        `envconfig:"STATIC_DIR" default:"dist/client"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" default:"0" validate:"gte=0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
	Gzip            bool          `envconfig:"GZIP" default:"true"`
}

// ModulesConfig controls module discovery and worker supervision.
type ModulesConfig struct {
	Root           string        `envconfig:"MODULES_ROOT" default:"modules" validate:"required"`
	Include        string        `envconfig:"MODULES_INCLUDE" default:"*"`
	Exclude        string        `envconfig:"MODULES_EXCLUDE" default:""`
	WorkerBinary   string        `envconfig:"WORKER_BIN" default:""`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s" validate:"gt=0"`
	KillGrace      time.Duration `envconfig:"WORKER_KILL_GRACE" default:"3s" validate:"gte=0"`
}

// SandboxConfig holds per-worker sandbox limits.
type SandboxConfig struct {
	MemoryLimitMB int           `envconfig:"SANDBOX_MEMORY_MB" default:"8" validate:"gt=0"`
	Entry         string        `envconfig:"SANDBOX_ENTRY" default:"index.js" validate:"required"`
	MaxCallStack  int           `envconfig:"SANDBOX_CALL_STACK" default:"1024" validate:"gt=0"`
	MemoryPoll    time.Duration `envconfig:"SANDBOX_MEMORY_POLL" default:"50ms" validate:"gt=0"`
}

// FetchConfig restricts the network fetch capability exposed to modules.
type FetchConfig struct {
	Timeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"15s" validate:"gt=0"`
	MaxBodyBytes int64         `envconfig:"FETCH_MAX_BODY" default:"1048576" validate:"gt=0"`
	AllowPrivate bool          `envconfig:"FETCH_ALLOW_PRIVATE" default:"false"`
	RPS          float64       `envconfig:"FETCH_RPS" default:"10" validate:"gte=0"`
	Retries      int           `envconfig:"FETCH_RETRIES" default:"2" validate:"gte=0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" validate:"gt=0"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" validate:"gt=0"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

var validate = validator.New()

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// MemoryLimitBytes returns the sandbox memory ceiling in bytes.
func (s SandboxConfig) MemoryLimitBytes() int64 {
	return int64(s.MemoryLimitMB) << 20
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			StaticDir:       "dist/client",
			ShutdownTimeout: 10 * time.Second,
			Gzip:            true,
		},
		Modules: ModulesConfig{
			Root:           "modules",
			Include:        "*",
			RequestTimeout: 30 * time.Second,
			KillGrace:      3 * time.Second,
		},
		Sandbox: SandboxConfig{
			MemoryLimitMB: 8,
			Entry:         "index.js",
			MaxCallStack:  1024,
			MemoryPoll:    50 * time.Millisecond,
		},
		Fetch: FetchConfig{
			Timeout:      15 * time.Second,
			MaxBodyBytes: 1 << 20,
			RPS:          10,
			Retries:      2,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
