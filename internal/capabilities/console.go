package capabilities

import (
	"context"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/maitre/internal/sandbox"
)

var consoleLevels = []struct {
	name  string
	level zapcore.Level
}{
	{"log", zapcore.InfoLevel},
	{"info", zapcore.InfoLevel},
	{"warn", zapcore.WarnLevel},
	{"error", zapcore.ErrorLevel},
	{"debug", zapcore.DebugLevel},
}

// Console returns the console.* capabilities, all writing to logger.
func Console(logger *zap.Logger) []sandbox.Capability {
	logger = logger.With(zap.String("source", "console"))

	caps := make([]sandbox.Capability, 0, len(consoleLevels))
	for _, l := range consoleLevels {
		level := l.level
		caps = append(caps, sandbox.Capability{
			Path: "console." + l.name,
			Kind: sandbox.Sync,
			Func: func(_ context.Context, args []any) (any, error) {
				if ce := logger.Check(level, FormatArgs(args)); ce != nil {
					ce.Write()
				}
				return nil, nil
			},
		})
	}
	return caps
}

// FormatArgs renders console arguments the way a terminal would: strings
// verbatim, everything else as compact JSON, separated by spaces.
func FormatArgs(args []any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case nil:
			parts = append(parts, "undefined")
		case string:
			parts = append(parts, v)
		default:
			data, err := sonic.ConfigStd.Marshal(v)
			if err != nil {
				parts = append(parts, "[unserialisable]")
				continue
			}
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, " ")
}
