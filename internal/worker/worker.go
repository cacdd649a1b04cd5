package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/capabilities"
	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

// Worker hosts one module and speaks the protocol with the host.
type Worker struct {
	config Config
	logger *zap.Logger
	dec    *protocol.Decoder
	enc    *protocol.Encoder
	rt     *sandbox.Runtime

	ipcOnce sync.Once
	ipcErr  chan error

	initOnce sync.Once
	inflight sync.WaitGroup
}

// Host-side copies of a protocol line while it is decoded: the decoder's
// string view of the line and the raw request body.
const decodeCopies = 2

// Host-side copies of an outgoing message: the encoded line and the line
// with its newline appended.
const encodeCopies = 2

// New creates a worker reading host messages from in and writing its own
// to out.
func New(config Config, in io.Reader, out io.Writer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		config: config,
		logger: logger,
		dec:    newDecoder(in, config),
		enc:    protocol.NewEncoder(out),
		ipcErr: make(chan error, 1),
	}
}

// newDecoder sizes the line buffer up front when a memory ceiling is set.
// It is then allocated before the sandbox takes its baseline and is never
// charged to the module.
func newDecoder(in io.Reader, config Config) *protocol.Decoder {
	if config.Sandbox.MemoryLimit <= 0 {
		return protocol.NewDecoder(in)
	}
	return protocol.NewDecoderBuffer(in, make([]byte, protocol.MaxMessageSize+1))
}

// OpenIPC returns the pipes inherited from the supervisor.
func OpenIPC() (in, out *os.File, err error) {
	in = os.NewFile(InputFD, "maitre-ipc-in")
	out = os.NewFile(OutputFD, "maitre-ipc-out")
	if in == nil || out == nil {
		return nil, nil, errors.New("ipc descriptors are not open")
	}
	if _, err := in.Stat(); err != nil {
		return nil, nil, fmt.Errorf("ipc input: %w", err)
	}
	if _, err := out.Stat(); err != nil {
		return nil, nil, fmt.Errorf("ipc output: %w", err)
	}
	return in, out, nil
}

// Run loads the module and serves host messages until the host closes the
// channel, the module breaks a limit, or ctx is cancelled. It returns the
// process exit code.
func (w *Worker) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	caps := capabilities.Standard(capabilities.Options{
		Logger:  w.logger.Named("module"),
		Send:    w.send,
		Fetcher: capabilities.NewFetcher(w.config.Fetch, w.logger.Named("fetch")),
	})

	rt, err := sandbox.New(w.config.Dir, w.config.Sandbox, caps, w.logger)
	if err != nil {
		return w.loadFailed(err)
	}
	defer rt.Close()
	w.rt = rt

	if w.config.SoftMemoryLimit && w.config.Sandbox.MemoryLimit > 0 {
		limit := int64(rt.MemoryBaseline()) + w.config.Sandbox.MemoryLimit
		debug.SetMemoryLimit(limit)
		w.logger.Debug("soft memory limit set", zap.Int64("bytes", limit))
	}

	if err := rt.Load(ctx); err != nil {
		return w.loadFailed(err)
	}
	w.logger.Info("module loaded", zap.String("dir", rt.Root()))

	msgs := make(chan inbound)
	readErr := make(chan error, 1)
	go w.read(ctx, rt, msgs, readErr)

	for {
		select {
		case in := <-msgs:
			w.dispatch(ctx, rt, in)

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				w.logger.Info("host closed the channel")
				w.drain()
				return ExitOK
			}
			w.logger.Error("ipc read failed", zap.Error(err))
			return ExitIPC

		case err := <-w.ipcErr:
			w.logger.Error("ipc write failed", zap.Error(err))
			return ExitIPC

		case <-rt.MemoryExceeded():
			w.logger.Error("module exceeded its memory ceiling",
				zap.Uint64("peak_bytes", rt.MemoryPeak()),
				zap.Int64("limit_bytes", w.config.Sandbox.MemoryLimit))
			return ExitMemory

		case <-ctx.Done():
			return ExitOK
		}
	}
}

// inbound is one decoded host message. For requests, envelope is the
// request line exactly as the host sent it, and release ends its memory
// exemption.
type inbound struct {
	msg      protocol.Message
	envelope string
	release  func()
}

func (w *Worker) read(ctx context.Context, rt *sandbox.Runtime, msgs chan<- inbound, errs chan<- error) {
	for {
		line, err := w.dec.Next()
		if err != nil {
			errs <- err
			return
		}
		in, err := decode(rt, line)
		if err != nil {
			w.logger.Warn("dropping malformed host message", zap.Error(err))
			continue
		}
		select {
		case msgs <- in:
		case <-ctx.Done():
			in.release()
			return
		}
	}
}

// decode parses one host line. The copies made while parsing and the
// envelope kept for the handler belong to the host, so they are exempt
// from the module's memory ceiling.
func decode(rt *sandbox.Runtime, line []byte) (inbound, error) {
	decoding := rt.Exempt(decodeCopies * len(line))
	defer decoding()

	msg, err := protocol.Unmarshal(line)
	if err != nil {
		return inbound{}, err
	}
	in := inbound{msg: msg, release: func() {}}
	if req, ok := msg.(protocol.HTTPRequest); ok {
		in.release = rt.Exempt(len(line))
		in.envelope = string(line)
		// The module reads the body from the envelope.
		req.Body = nil
		in.msg = req
	}
	return in, nil
}

func (w *Worker) dispatch(ctx context.Context, rt *sandbox.Runtime, in inbound) {
	switch m := in.msg.(type) {
	case protocol.Init:
		started := false
		w.initOnce.Do(func() {
			started = true
			w.inflight.Add(1)
			go w.init(ctx, rt)
		})
		if !started {
			w.logger.Warn("ignoring repeated init")
		}

	case protocol.HTTPRequest:
		w.inflight.Add(1)
		go w.handle(ctx, rt, m, in.envelope, in.release)
		return

	default:
		w.logger.Warn("unexpected message from host", zap.String("type", string(m.Type())))
	}
	in.release()
}

// init runs the module's init entry point and reports ready. A failing init
// is logged; the module stays up and may still serve whatever it registered.
func (w *Worker) init(ctx context.Context, rt *sandbox.Runtime) {
	defer w.inflight.Done()

	err := rt.Init(ctx)
	switch {
	case err == nil:
	case fatal(err):
		return
	default:
		w.logger.Warn("module init failed", zap.Error(err))
		w.report(fmt.Sprintf("init failed: %v", err))
	}
	if err := w.send(protocol.Ready{}); err == nil {
		w.logger.Debug("module ready")
	}
}

// handle feeds one request to the module. The module answers through
// process.send; only a thrown error or rejection produces a 500 here.
func (w *Worker) handle(ctx context.Context, rt *sandbox.Runtime, req protocol.HTTPRequest, envelope string, release func()) {
	defer w.inflight.Done()
	defer release()

	// Anything the handler sent before failing has gone out by now.
	err := rt.HandleHTTPRequest(ctx, envelope)
	if err == nil || fatal(err) {
		return
	}

	w.logger.Warn("request handler failed",
		zap.String("request_id", req.ID),
		zap.String("path", req.Path),
		zap.Error(err))
	w.respondError(req.ID, err)
}

func (w *Worker) respondError(id string, err error) {
	_ = w.send(protocol.Response{
		ID:     id,
		Status: 500,
		Output: protocol.TextOutput(err.Error()),
	})
}

// fatal reports errors that end the worker through another path.
func fatal(err error) bool {
	return errors.Is(err, sandbox.ErrMemoryLimit) ||
		errors.Is(err, sandbox.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// send writes one message to the host. A write failure means the channel
// is gone and stops the worker.
func (w *Worker) send(m protocol.Message) error {
	if resp, ok := m.(protocol.Response); ok && w.rt != nil {
		defer w.rt.Exempt(encodeCopies * len(resp.Output))()
	}
	err := w.enc.Encode(m)
	if err == nil || errors.Is(err, protocol.ErrMessageTooLarge) {
		return err
	}
	w.ipcOnce.Do(func() { w.ipcErr <- err })
	return err
}

// report emits a log message to the host.
func (w *Worker) report(message string) {
	_ = w.send(protocol.Log{Message: message})
}

func (w *Worker) loadFailed(err error) int {
	w.logger.Error("module failed to load", zap.String("dir", w.config.Dir), zap.Error(err))
	w.report(fmt.Sprintf("load error: %v", err))
	if errors.Is(err, sandbox.ErrMemoryLimit) {
		return ExitMemory
	}
	return ExitLoad
}

// drain gives in-flight handlers a moment to send their responses.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		w.logger.Debug("shutting down with handlers still running")
	}
}
