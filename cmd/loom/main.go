// Package main is the entry point for the loom CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"loom/pkg/protocol"
)

// Exit codes follow sysexits(3) so supervisors can tell a clean stop from a
// crash or a configuration problem.
const (
	exitOK       = 0
	exitFailure  = 1
	exitSoftware = 70 // unrecoverable daemon error
	exitTempFail = 75 // lock held or daemon already running
	exitConfig   = 78 // malformed registry or config
)

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr *protocol.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	if errors.Is(err, protocol.ErrLocked) || errors.Is(err, protocol.ErrAlreadyRunning) {
		return exitTempFail
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}
