package worker

import (
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/maitre/internal/capabilities"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

// Exit codes reported by Run.
const (
	ExitOK     = 0
	ExitUsage  = 2
	ExitLoad   = 3
	ExitMemory = 4
	ExitIPC    = 5
)

// File descriptors of the IPC pipes in a spawned worker.
const (
	InputFD  = 3
	OutputFD = 4
)

// Config is everything a worker needs to host one module. The host passes
// it on the command line so its own configuration stays authoritative.
type Config struct {
	Dir     string
	Sandbox sandbox.Config
	Fetch   capabilities.FetchConfig

	LogLevel       string
	LogDevelopment bool

	// SoftMemoryLimit also sets the Go runtime's soft memory limit to the
	// sandbox baseline plus its ceiling. Only meaningful in a dedicated
	// process.
	SoftMemoryLimit bool
}

// DefaultConfig mirrors the host defaults.
func DefaultConfig() Config {
	return Config{
		Sandbox:  sandbox.DefaultConfig(),
		Fetch:    capabilities.DefaultFetchConfig(),
		LogLevel: "info",
	}
}

const (
	flagEntry        = "entry"
	flagMemory       = "memory-bytes"
	flagCallStack    = "call-stack"
	flagMemoryPoll   = "memory-poll"
	flagFetchTimeout = "fetch-timeout"
	flagFetchMaxBody = "fetch-max-body"
	flagFetchPrivate = "fetch-allow-private"
	flagFetchRPS     = "fetch-rps"
	flagFetchRetries = "fetch-retries"
	flagLogLevel     = "log-level"
	flagLogDev       = "log-dev"
)

// BindFlags registers the worker flags on fs, defaulting to c's values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Sandbox.Entry, flagEntry, c.Sandbox.Entry, "entry script relative to the module directory")
	fs.Int64Var(&c.Sandbox.MemoryLimit, flagMemory, c.Sandbox.MemoryLimit, "sandbox heap ceiling in bytes (0 disables)")
	fs.IntVar(&c.Sandbox.MaxCallStack, flagCallStack, c.Sandbox.MaxCallStack, "maximum script call stack depth")
	fs.DurationVar(&c.Sandbox.MemoryPoll, flagMemoryPoll, c.Sandbox.MemoryPoll, "memory guard sampling interval")
	fs.DurationVar(&c.Fetch.Timeout, flagFetchTimeout, c.Fetch.Timeout, "fetch request timeout")
	fs.Int64Var(&c.Fetch.MaxBodyBytes, flagFetchMaxBody, c.Fetch.MaxBodyBytes, "largest fetch response body in bytes")
	fs.BoolVar(&c.Fetch.AllowPrivate, flagFetchPrivate, c.Fetch.AllowPrivate, "allow fetch to reach private and loopback addresses")
	fs.Float64Var(&c.Fetch.RPS, flagFetchRPS, c.Fetch.RPS, "fetch requests per second (0 = unlimited)")
	fs.IntVar(&c.Fetch.Retries, flagFetchRetries, c.Fetch.Retries, "fetch retries on transient failures")
	fs.StringVar(&c.LogLevel, flagLogLevel, c.LogLevel, "log level")
	fs.BoolVar(&c.LogDevelopment, flagLogDev, c.LogDevelopment, "console log encoding")
}

// Args renders c as the argument list of `maitre worker`, directory last.
func (c Config) Args() []string {
	args := []string{
		"--" + flagEntry + "=" + c.Sandbox.Entry,
		"--" + flagMemory + "=" + strconv.FormatInt(c.Sandbox.MemoryLimit, 10),
		"--" + flagCallStack + "=" + strconv.Itoa(c.Sandbox.MaxCallStack),
		"--" + flagMemoryPoll + "=" + c.Sandbox.MemoryPoll.String(),
		"--" + flagFetchTimeout + "=" + c.Fetch.Timeout.String(),
		"--" + flagFetchMaxBody + "=" + strconv.FormatInt(c.Fetch.MaxBodyBytes, 10),
		"--" + flagFetchPrivate + "=" + strconv.FormatBool(c.Fetch.AllowPrivate),
		"--" + flagFetchRPS + "=" + strconv.FormatFloat(c.Fetch.RPS, 'f', -1, 64),
		"--" + flagFetchRetries + "=" + strconv.Itoa(c.Fetch.Retries),
		"--" + flagLogLevel + "=" + c.LogLevel,
		"--" + flagLogDev + "=" + strconv.FormatBool(c.LogDevelopment),
	}
	return append(args, c.Dir)
}

// shutdownGrace bounds how long in-flight handlers may keep writing after
// the host closes the channel.
const shutdownGrace = 500 * time.Millisecond
