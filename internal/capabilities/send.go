package capabilities

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/maitre/internal/protocol"
	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

var errNoMessage = errors.New("process.send requires a message")

// Send returns the process.send capability. Modules pass either a message
// object or its JSON text; both are validated before they reach the host.
// Calls are serialised so messages arrive in call order.
func Send(send SendFunc, logger *zap.Logger) sandbox.Capability {
	return sandbox.Capability{
		Path:   "process.send",
		Kind:   sandbox.Async,
		Serial: true,
		Func: func(_ context.Context, args []any) (any, error) {
			msg, err := ParseMessage(args)
			if err != nil {
				logger.Warn("module sent an invalid message", zap.Error(err))
				return nil, err
			}
			if err := send(msg); err != nil {
				return nil, fmt.Errorf("deliver %s: %w", msg.Type(), err)
			}
			return nil, nil
		},
	}
}

// ParseMessage turns the first process.send argument into a message.
func ParseMessage(args []any) (protocol.Message, error) {
	if len(args) == 0 || args[0] == nil {
		return nil, errNoMessage
	}

	var data []byte
	switch v := args[0].(type) {
	case string:
		data = []byte(v)
	default:
		raw, err := sonic.ConfigStd.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
		}
		data = raw
	}
	return protocol.Unmarshal(data)
}
