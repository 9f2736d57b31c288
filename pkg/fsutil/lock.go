package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"loom/pkg/protocol"
)

// ErrWouldBlock is returned by TryLock when another holder has the lock.
var ErrWouldBlock = errors.New("lock held by another process")

// lockPollInterval is how often Acquire retries a contended lock.
const lockPollInterval = 25 * time.Millisecond

// FileLock is an exclusive advisory lock on a file (flock(2)). flock locks
// belong to the open file description, so two FileLocks on the same path
// exclude each other even inside one process.
type FileLock struct {
	path     string
	resource string

	mu sync.Mutex
	f  *os.File
}

// NewFileLock creates an unlocked FileLock on path. resource names the
// guarded thing in error messages (e.g. "session registry").
func NewFileLock(path, resource string) *FileLock {
	return &FileLock{path: path, resource: resource}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryLock attempts to take the lock without waiting. It returns ErrWouldBlock
// when the lock is held elsewhere.
func (l *FileLock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // lock path is application-owned
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	if err := flock(f, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.f = f
	return nil
}

func flock(f *os.File, how int) error {
	for {
		err := syscall.Flock(int(f.Fd()), how)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EWOULDBLOCK):
			return ErrWouldBlock
		default:
			return err
		}
	}
}

// Acquire polls TryLock until it succeeds, ctx ends, or timeout elapses.
// Contention past the timeout yields a *protocol.ConcurrencyError wrapping
// protocol.ErrLocked. A zero timeout tries exactly once.
func (l *FileLock) Acquire(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		err := l.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if !time.Now().Before(deadline) {
			return &protocol.ConcurrencyError{
				Resource:  l.resource,
				Waited:    time.Since(start).Round(time.Millisecond),
				HolderPID: ReadHolderPID(l.path),
				Err:       protocol.ErrLocked,
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s: %w", l.resource, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// WritePID records pid inside the held lock file so contenders can report
// who holds it.
func (l *FileLock) WritePID(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("write PID to %s: lock not held", l.path)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", l.path, err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(pid)), 0); err != nil {
		return fmt.Errorf("write PID to %s: %w", l.path, err)
	}
	return l.f.Sync()
}

// ClearPID empties the held lock file, marking a clean release.
func (l *FileLock) ClearPID() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", l.path, err)
	}
	return l.f.Sync()
}

// Unlock releases the lock. It is idempotent.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}

// ReadHolderPID returns the PID recorded in a lock file, or 0 if none.
func ReadHolderPID(path string) int {
	data, err := os.ReadFile(path) //nolint:gosec // lock path is application-owned
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// IsLockHeld probes path: true when some process holds the flock
// exclusively. The probe takes a shared lock, so concurrent probes never see
// each other, and a missing file means nobody holds it.
func IsLockHeld(path string) (bool, error) {
	f, err := os.Open(path) //nolint:gosec // lock path is application-owned
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open lock file %s: %w", path, err)
	}
	defer f.Close()

	err = flock(f, syscall.LOCK_SH|syscall.LOCK_NB)
	if errors.Is(err, ErrWouldBlock) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", path, err)
	}
	return false, flock(f, syscall.LOCK_UN)
}
