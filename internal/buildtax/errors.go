// Package buildtax carries the error taxonomy used throughout the build
// orchestrator: every failure is tagged user, configuration, or
// infrastructure, with a severity, so the Backend's completion loop can
// decide whether to cache it and how the reporter should present it.
package buildtax

import (
	"errors"
	"fmt"

	"github.com/yungbote/buildctl/internal/domain/build"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNoWorkers      = errors.New("no workers available")
	ErrJobCancelled   = errors.New("job cancelled")
	ErrUnknownService = errors.New("unknown service")
	ErrEmptyResult    = errors.New("handler produced empty result")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// BuildError is the typed record a raw worker error is converted into by
// the error categorizer.
type BuildError struct {
	ErrorType build.ErrorType
	Category  string
	Severity  build.Severity
	Message   string
	FilePath  string
	Guidance  string
	Cause     error
}

func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}
	if e.FilePath != "" {
		return fmt.Sprintf("[%s/%s] %s: %s", e.ErrorType, e.Category, e.FilePath, e.Message)
	}
	return fmt.Sprintf("[%s/%s] %s", e.ErrorType, e.Category, e.Message)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// Cacheable reports whether this error's taxonomy makes it eligible for the
// Cache DB's stored_errors table: only user errors are reproducible
// properties of the input.
func (e *BuildError) Cacheable() bool {
	return e != nil && e.ErrorType == build.ErrorTypeUser
}

// New builds a BuildError, defaulting severity to "error" when unset.
func New(errType build.ErrorType, category, message, guidance string, cause error) *BuildError {
	return &BuildError{
		ErrorType: errType,
		Category:  category,
		Severity:  build.SeverityError,
		Message:   message,
		Guidance:  guidance,
		Cause:     cause,
	}
}

// PermanentError marks errors the worker base loop must distinguish from
// transient ones so retry policy does not retry a guaranteed-failing job
// (missing tool binaries, missing input file after the precondition check).
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Cause == nil {
		return "permanent error"
	}
	return e.Cause.Error()
}

func (e *PermanentError) Unwrap() error { return e.Cause }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
