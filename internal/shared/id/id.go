// Package id provides identifier generation for the plugin host.
//
// Two kinds of identifiers exist:
//   - Correlation IDs pair a forwarded HTTP request with the module's
//     response. They are prefixed ULIDs drawn from a monotonic entropy
//     source, so every ID minted by one process is strictly greater than the
//     previous one and can never alias an outstanding ID.
//   - Worker IDs name one spawned worker process instance. A module that is
//     restarted gets a fresh worker ID, which lets the supervisor tell a
//     stale route owner from a live one.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// CorrelationID pairs a request forwarded to a worker with its response
type CorrelationID string

// WorkerID identifies one worker process instance
type WorkerID string

const (
	CorrelationPrefix = "req"
	WorkerPrefix      = "wrk"
)

// Generator mints ULIDs that increase strictly within one generator.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(entropy, 0),
	}
}

// Generate returns the next ULID. Within the same millisecond the monotonic
// reader increments the random component; if the wall clock steps backwards
// the previous timestamp is reused so ordering still holds.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(time.Now())
	if ms < g.last.Time() {
		ms = g.last.Time()
	}

	next, err := ulid.New(ms, g.entropy)
	if err != nil {
		// Random component overflowed within this millisecond; move on to
		// the next one.
		next = ulid.MustNew(ms+1, g.entropy)
	}
	g.last = next
	return next
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewCorrelationID mints a correlation ID from the default generator
func NewCorrelationID() CorrelationID {
	return CorrelationID(Default().GenerateWithPrefix(CorrelationPrefix))
}

// NewWorkerID mints a random worker instance ID
func NewWorkerID() WorkerID {
	return WorkerID(WorkerPrefix + "_" + uuid.NewString())
}

func (c CorrelationID) String() string { return string(c) }
func (w WorkerID) String() string      { return string(w) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the mint time of a prefixed or bare ULID
func Timestamp(id string) (time.Time, error) {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
