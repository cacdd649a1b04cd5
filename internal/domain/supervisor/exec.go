package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/maitre/internal/domain/module"
	"github.com/GriffinCanCode/maitre/internal/infrastructure/logging"
	"github.com/GriffinCanCode/maitre/internal/worker"
)

// ExecSpawner runs each worker as `<binary> worker [flags] <dir>` with the
// IPC pipes on descriptors 3 and 4 and stdio passed into host logs.
type ExecSpawner struct {
	Binary string
	Config worker.Config
	Logger *logging.Logger
}

// NewExecSpawner uses binary, or the running executable when empty.
func NewExecSpawner(binary string, config worker.Config, logger *logging.Logger) (*ExecSpawner, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		binary = self
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ExecSpawner{Binary: binary, Config: config, Logger: logger}, nil
}

// Spawn starts a worker for desc.
func (s *ExecSpawner) Spawn(_ context.Context, desc module.Descriptor) (Process, error) {
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc pipe: %w", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, fmt.Errorf("ipc pipe: %w", err)
	}

	cfg := s.Config
	cfg.Dir = desc.Dir
	cfg.Sandbox.Entry = desc.Entry
	args := append([]string{"worker"}, cfg.Args()...)

	// The worker outlives no request, so it is not tied to ctx; Shutdown
	// and Kill end it.
	cmd := exec.Command(s.Binary, args...)
	cmd.Dir = desc.Dir
	cmd.Stdin = nil
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	cmd.SysProcAttr = sysProcAttr()

	// Worker logs keep their own level; bare stderr text (a Go panic, say)
	// comes out as a warning.
	stdout := s.Logger.LineWriter(zapcore.InfoLevel, zap.String("module", desc.Name), zap.String("stream", "stdout"))
	stderr := s.Logger.LineWriter(zapcore.WarnLevel, zap.String("module", desc.Name), zap.String("stream", "stderr"))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{toWorkerR, toWorkerW, fromWorkerR, fromWorkerW} {
			f.Close()
		}
		return nil, fmt.Errorf("start worker for %s: %w", desc.Name, err)
	}

	// The child holds its own copies of these ends.
	toWorkerR.Close()
	fromWorkerW.Close()

	p := &execProcess{
		cmd:    cmd,
		in:     toWorkerW,
		out:    fromWorkerR,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	in     *os.File
	out    *os.File
	stdout io.Closer
	stderr io.Closer

	once sync.Once
	done chan struct{}
	exit Exit
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.stdout.Close()
	p.stderr.Close()

	exit := Exit{Code: p.cmd.ProcessState.ExitCode()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	} else if exitErr != nil && exit.Code == -1 {
		exit.Err = errors.New(exitErr.String())
	}
	p.exit = exit
	p.in.Close()
	close(p.done)
}

func (p *execProcess) Pid() int           { return p.cmd.Process.Pid }
func (p *execProcess) In() io.WriteCloser { return p.in }
func (p *execProcess) Out() io.Reader     { return p.out }

func (p *execProcess) Wait() Exit {
	<-p.done
	return p.exit
}

// Kill signals the worker's whole process group.
func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		err = killGroup(p.cmd.Process)
	})
	return err
}
