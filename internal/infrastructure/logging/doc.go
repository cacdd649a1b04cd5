// Package logging provides structured logging using uber/zap.
//
// Two output modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// The host names one child logger per module. Worker processes write their
// own diagnostics to stdout/stderr; the host pipes both streams through
// LineWriter so every line becomes a structured entry tagged with the
// module and stream it came from. A worker's own JSON entries keep the
// level they were logged at.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8000"))
//	w := logger.Named("status").LineWriter(zapcore.InfoLevel, zap.String("stream", "stdout"))
//	cmd.Stdout = w
package logging
