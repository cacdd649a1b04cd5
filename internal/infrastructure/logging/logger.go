package logging

import (
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with convenience methods.
type Logger struct {
	*zap.Logger
}

// Config defines logger configuration.
type Config struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	OutputPaths []string
}

// DefaultConfig returns production-ready logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Development: false,
		OutputPaths: []string{"stdout"},
	}
}

// DevelopmentConfig returns development logger configuration.
func DevelopmentConfig() Config {
	return Config{
		Level:       "debug",
		Development: true,
		OutputPaths: []string{"stdout"},
	}
}

// New creates a new logger with the provided configuration.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encodingFormat(cfg.Development),
		EncoderConfig:     encoderConfig(cfg.Development),
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: !cfg.Development,
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	logger, err := New(DefaultConfig())
	if err != nil {
		return NewNop()
	}
	return logger
}

// NewDevelopment creates a logger with development configuration.
func NewDevelopment() *Logger {
	logger, err := New(DevelopmentConfig())
	if err != nil {
		return NewNop()
	}
	return logger
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adapts an existing zap logger, e.g. one built by zaptest.
func Wrap(l *zap.Logger) *Logger {
	return &Logger{Logger: l}
}

// Named returns a child logger scoped to a component or module.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// LineWriter returns an io.WriteCloser that emits one log entry per line
// written to it. Used to pass a child process's stdout/stderr into the
// host's structured logs. Lines that are this package's own JSON entries
// keep their level, message and fields; anything else is logged verbatim
// at level. Close flushes a trailing partial line.
func (l *Logger) LineWriter(level zapcore.Level, fields ...zap.Field) io.WriteCloser {
	return &lineWriter{logger: l.Logger.With(fields...), level: level}
}

type lineWriter struct {
	mu     sync.Mutex
	logger *zap.Logger
	level  zapcore.Level
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	return nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return
	}
	if line[0] == '{' && w.emitEntry(line) {
		return
	}
	if ce := w.logger.Check(w.level, string(line)); ce != nil {
		ce.Write()
	}
}

// Keys the child's encoder owns; the host stamps its own.
var childKeys = map[string]bool{"level": true, "message": true, "timestamp": true, "caller": true, "logger": true}

// emitEntry re-logs a JSON entry written by a child's production encoder.
// It reports false when line is not one.
func (w *lineWriter) emitEntry(line []byte) bool {
	var entry map[string]any
	if err := sonic.ConfigStd.Unmarshal(line, &entry); err != nil {
		return false
	}
	levelText, _ := entry["level"].(string)
	msg, ok := entry["message"].(string)
	if !ok {
		return false
	}
	level, err := parseLevel(levelText)
	if err != nil {
		return false
	}
	if level > zapcore.ErrorLevel {
		// A child's fatal must not end the host.
		level = zapcore.ErrorLevel
	}

	ce := w.logger.Check(level, msg)
	if ce == nil {
		return true
	}
	keys := make([]string, 0, len(entry))
	for k := range entry {
		if !childKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys)+1)
	if name, ok := entry["logger"].(string); ok && name != "" {
		fields = append(fields, zap.String("child_logger", name))
	}
	for _, k := range keys {
		fields = append(fields, zap.Any(k, entry[k]))
	}
	ce.Write(fields...)
	return true
}

// parseLevel converts string level to zapcore.Level.
func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// encodingFormat returns encoding format based on environment.
func encodingFormat(development bool) string {
	if development {
		return "console"
	}
	return "json"
}

// encoderConfig returns encoder configuration based on environment.
func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		return zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	}

	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
