package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/notebookd/internal/probe"
	"github.com/loykin/notebookd/internal/resolver"
)

// ConfigurationError is raised by the resolver before anything is spawned.
type ConfigurationError = resolver.ConfigurationError

var (
	// ErrPortInUse marks a transient spawn failure.
	ErrPortInUse = probe.ErrPortInUse
	ErrClosed    = errors.New("supervisor closed")
	ErrNoConfig  = errors.New("no launch configuration: start the server first")
)

// SpawnError means the OS refused to create the process, or the port was
// already taken.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "spawn notebook server: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// ReadinessTimeoutError means the process started but never became reachable.
// The process has been killed.
type ReadinessTimeoutError struct {
	Timeout time.Duration
	Addr    string
	Hint    string

	// ErrorLines counts error-looking lines the child wrote to stderr.
	ErrorLines int64
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("notebook server not ready on %s after %s", e.Addr, e.Timeout) + hintSuffix(e.Hint, e.ErrorLines)
}

// UnexpectedExitError means the process exited without being asked to.
// Fatal exits are not retried automatically.
type UnexpectedExitError struct {
	Code   int
	Uptime time.Duration
	Fatal  bool
	Err    error
	Hint   string

	// ErrorLines counts error-looking lines the child wrote to stderr.
	ErrorLines int64
}

func (e *UnexpectedExitError) Error() string {
	var msg string
	if e.Code >= 0 {
		msg = fmt.Sprintf("notebook server exited with code %d after %s", e.Code, e.Uptime.Round(time.Millisecond))
	} else {
		msg = fmt.Sprintf("notebook server terminated after %s", e.Uptime.Round(time.Millisecond))
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	return msg + hintSuffix(e.Hint, e.ErrorLines)
}

// hintSuffix renders what was captured from the child's stderr.
func hintSuffix(hint string, lines int64) string {
	switch {
	case hint == "":
		return ""
	case lines > 1:
		return fmt.Sprintf(" (%d error lines, last: %s)", lines, hint)
	}
	return " (last error output: " + hint + ")"
}

func (e *UnexpectedExitError) Unwrap() error { return e.Err }

// TerminationTimeoutError is logged when a graceful stop had to be escalated
// to a kill. It never reaches callers.
type TerminationTimeoutError struct {
	PID   int
	Grace time.Duration
}

func (e *TerminationTimeoutError) Error() string {
	return fmt.Sprintf("pid %d did not exit within %s of SIGTERM", e.PID, e.Grace)
}

// Transient reports whether err is worth an automatic retry.
func Transient(err error) bool {
	var (
		se *SpawnError
		rt *ReadinessTimeoutError
		ue *UnexpectedExitError
	)
	switch {
	case errors.As(err, &ue):
		return !ue.Fatal
	case errors.As(err, &rt):
		return true
	case errors.As(err, &se):
		return errors.Is(se.Err, ErrPortInUse)
	}
	return false
}

// Kind names err for metrics and API responses.
func Kind(err error) string {
	var (
		ce *ConfigurationError
		se *SpawnError
		rt *ReadinessTimeoutError
		ue *UnexpectedExitError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "configuration"
	case errors.As(err, &ue):
		return "unexpected_exit"
	case errors.As(err, &rt):
		return "readiness_timeout"
	case errors.As(err, &se):
		return "spawn"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	return "internal"
}
