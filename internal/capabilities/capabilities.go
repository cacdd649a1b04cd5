package capabilities

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

// SendFunc delivers one message to the host. protocol.Encoder.Encode fits.
type SendFunc func(protocol.Message) error

// Options selects the capabilities built by Standard.
type Options struct {
	Logger *zap.Logger
	Send   SendFunc
	// Fetcher is optional; without it modules get no fetch.
	Fetcher *Fetcher
}

// Standard returns the capability table for a module worker.
func Standard(opts Options) []sandbox.Capability {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	caps := Console(logger)
	if opts.Send != nil {
		caps = append(caps, Send(opts.Send, logger))
	}
	if opts.Fetcher != nil {
		caps = append(caps, opts.Fetcher.Capability())
	}
	caps = append(caps, HTML()...)
	return append(caps, OS()...)
}
