package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels wrapped by ConcurrencyError so callers can use errors.Is.
var (
	// ErrLocked means an advisory lock could not be acquired within its timeout.
	ErrLocked = errors.New("locked")
	// ErrAlreadyRunning means another daemon instance holds the instance lock.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNoSnapshot means no status file exists (daemon not running).
	ErrNoSnapshot = errors.New("no status snapshot")
)

// TransientIOError represents a storage operation that failed for a reason
// expected to clear on its own (file busy, database locked).
type TransientIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient I/O failure during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// ConfigError represents a malformed registry or configuration file. The
// message is meant to be shown to the user as-is.
type ConfigError struct {
	Path   string
	Field  string // dotted location inside the file, may be empty
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Path != "" {
		fmt.Fprintf(&b, " in %s", e.Path)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConcurrencyError represents lock contention on the session registry or the
// daemon instance lock. Err is ErrLocked or ErrAlreadyRunning.
type ConcurrencyError struct {
	Resource  string
	Waited    time.Duration
	HolderPID int
	Err       error
}

func (e *ConcurrencyError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Resource, e.Err)
	if e.HolderPID > 0 {
		msg += fmt.Sprintf(" (held by PID %d)", e.HolderPID)
	}
	if e.Waited > 0 {
		msg += fmt.Sprintf(" after waiting %s", e.Waited)
	}
	return msg
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// RenderError means the terminal cannot be driven interactively.
type RenderError struct {
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render unavailable (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("render unavailable (%s)", e.Reason)
}

func (e *RenderError) Unwrap() error { return e.Err }

// UnknownContextError is returned when a context id is not in the registry.
type UnknownContextError struct {
	ID         string
	Suggestion string
}

func (e *UnknownContextError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown context %q (did you mean %q?)", e.ID, e.Suggestion)
	}
	return fmt.Sprintf("unknown context %q", e.ID)
}

// HandoffRejectedError is returned when a send violates the registry's
// handoff rules.
type HandoffRejectedError struct {
	From    string
	To      string
	Type    string
	Allowed []string
}

func (e *HandoffRejectedError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s may not send to %s", e.From, e.To)
	}
	return fmt.Sprintf("%s may not send %q to %s (allowed: %s)",
		e.From, e.Type, e.To, strings.Join(e.Allowed, ", "))
}
