package sandbox

import (
	"errors"
	"fmt"
)

var (
	ErrSandboxViolation = errors.New("sandbox violation")
	ErrModuleNotFound   = errors.New("module not found")
	ErrMemoryLimit      = errors.New("sandbox memory limit exceeded")
	ErrNotLoaded        = errors.New("module not loaded")
	ErrEntryPoint       = errors.New("entry point not defined")
	ErrClosed           = errors.New("sandbox closed")
)

// Stage names the load step that failed.
type Stage string

const (
	StageRead     Stage = "read"
	StageResolve  Stage = "resolve"
	StageCompile  Stage = "compile"
	StageEvaluate Stage = "evaluate"
)

// LoadError is returned when a module cannot be brought up. It is fatal to
// the worker that hit it and to nothing else.
type LoadError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("load: %s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err is, or wraps, a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// ScriptError is an exception thrown, or a rejection raised, by module code.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return e.Message
}
