package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(settings Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	settings.now = clock.Now
	return New("test", settings), clock
}

func call(b *Breaker, ok bool) error {
	return b.Do(func() error {
		if ok {
			return nil
		}
		return errUpstream
	})
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		calls    []bool
		advance  time.Duration
		expected State
	}{
		{"stays closed on successes", []bool{true, true, true}, 0, StateClosed},
		{"opens after consecutive failures", []bool{false, false, false}, 0, StateOpen},
		{"success resets the streak", []bool{false, false, true, false, false}, 0, StateClosed},
		{"half-open after cooldown", []bool{false, false, false}, 2 * time.Second, StateHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(Settings{
				Cooldown: time.Second,
				Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
			})

			for _, ok := range tt.calls {
				_ = call(b, ok)
			}
			clock.Advance(tt.advance)

			assert.Equal(t, tt.expected, b.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Settings{Trip: func(c Counts) bool { return c.Failures >= 1 }})

	require.ErrorIs(t, call(b, false), errUpstream)

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenTrials(t *testing.T) {
	b, clock := newTestBreaker(Settings{
		Trials:   2,
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.Failures >= 1 },
	})

	_ = call(b, false)
	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, call(b, true))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, call(b, true))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.Failures >= 1 },
	})

	_ = call(b, false)
	clock.Advance(2 * time.Second)
	_ = call(b, false)

	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowResetsCounts(t *testing.T) {
	b, clock := newTestBreaker(Settings{
		Window: time.Second,
		Trip:   func(c Counts) bool { return c.Failures >= 3 },
	})

	_ = call(b, false)
	_ = call(b, false)
	assert.Equal(t, uint32(2), b.Counts().Failures)

	clock.Advance(2 * time.Second)
	_ = call(b, false)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(1), b.Counts().Failures)
}

func TestBreakerOnStateChange(t *testing.T) {
	var transitions []string
	b, _ := newTestBreaker(Settings{
		Trip: func(c Counts) bool { return c.Failures >= 1 },
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = call(b, false)

	assert.Equal(t, []string{"test:closed->open"}, transitions)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(Settings{Trip: func(c Counts) bool { return c.Failures >= 1 }})

	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestGroupIsolatesKeys(t *testing.T) {
	g := NewGroup(Settings{Trip: func(c Counts) bool { return c.Failures >= 1 }})

	_ = g.Do("bad.example", func() error { return errUpstream })

	assert.ErrorIs(t, g.Do("bad.example", func() error { return nil }), ErrCircuitOpen)
	assert.NoError(t, g.Do("good.example", func() error { return nil }))
	assert.Same(t, g.Get("good.example"), g.Get("good.example"))

	states := g.States()
	assert.Equal(t, StateOpen, states["bad.example"])
	assert.Equal(t, StateClosed, states["good.example"])
}
