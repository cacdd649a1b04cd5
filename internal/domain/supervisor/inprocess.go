package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/worker"
)

// InProcessSpawner runs workers as goroutines connected by in-memory pipes.
// The protocol and the sandbox are the real ones, but modules share the
// host's address space: a crash takes the host down and the memory guard
// sees the whole process heap. Meant for tests and local debugging.
type InProcessSpawner struct {
	Config worker.Config
	Logger *logging.Logger
}

var inProcessPids atomic.Int64

// Spawn starts an in-process worker for desc.
func (s *InProcessSpawner) Spawn(_ context.Context, desc module.Descriptor) (Process, error) {
	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	cfg := s.Config
	cfg.Dir = desc.Dir
	cfg.Sandbox.Entry = desc.Entry
	cfg.SoftMemoryLimit = false

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &inProcess{
		pid:    int(inProcessPids.Add(1)),
		in:     inW,
		inR:    inR,
		out:    outR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	w := worker.New(cfg, inR, outW, logger.Logger.Named(desc.Name).With(zap.String("module", desc.Name)))
	go func() {
		code := w.Run(ctx)
		p.finish(Exit{Code: code})
	}()
	return p, nil
}

type inProcess struct {
	pid    int
	in     *io.PipeWriter
	inR    *io.PipeReader
	out    *io.PipeReader
	outW   *io.PipeWriter
	cancel context.CancelFunc

	once   sync.Once
	killed atomic.Bool
	done   chan struct{}
	exit   Exit
}

func (p *inProcess) finish(exit Exit) {
	p.once.Do(func() {
		if p.killed.Load() {
			exit = Exit{Code: -1}
		}
		p.exit = exit
		p.outW.Close()
		p.inR.Close()
		close(p.done)
	})
}

func (p *inProcess) Pid() int           { return p.pid }
func (p *inProcess) In() io.WriteCloser { return p.in }
func (p *inProcess) Out() io.Reader     { return p.out }

func (p *inProcess) Wait() Exit {
	<-p.done
	return p.exit
}

// Kill stops the worker loop and cuts its pipes. A handler stuck inside
// the sandbox is interrupted when the worker closes its runtime.
func (p *inProcess) Kill() error {
	p.killed.Store(true)
	p.cancel()
	p.inR.Close()
	p.outW.Close()
	return nil
}
