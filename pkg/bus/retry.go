package bus

import (
	"context"
	"strings"
	"time"

	"loom/pkg/protocol"
)

// isBusy reports whether err is SQLite lock contention, which clears on its
// own once the other writer commits.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// classify wraps contention errors as *protocol.TransientIOError.
func (b *Bus) classify(op string, err error) error {
	if isBusy(err) {
		return &protocol.TransientIOError{Op: op, Path: b.path, Err: err}
	}
	return err
}

// withRetry runs fn, retrying busy failures with doubling backoff. When the
// budget is spent the last error is returned as *protocol.TransientIOError.
func (b *Bus) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := b.opts.Backoff
	var err error
	for attempt := 1; attempt <= b.opts.Retries; attempt++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
		if attempt == b.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return &protocol.TransientIOError{Op: op, Path: b.path, Err: err}
}
