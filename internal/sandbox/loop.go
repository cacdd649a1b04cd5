package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// loop serialises every touch of the VM onto one goroutine. Host goroutines
// hand work to it with post; nothing else may call into goja.
type loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}
}

func newLoop(logger *zap.Logger) *loop {
	l := &loop{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		jobs := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, job := range jobs {
			l.exec(job)
		}
	}
}

func (l *loop) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("sandbox job panicked", zap.Any("panic", r))
		}
	}()
	job()
}

// post queues fn. It reports false once the loop is closed.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for it. If ctx ends first, do returns
// ctx.Err() and fn still runs later.
func (l *loop) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	ok := l.post(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sandbox panic: %v", r)
			}
			done <- err
		}()
		err = fn()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work; queued jobs still run.
func (l *loop) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.stopped
}
