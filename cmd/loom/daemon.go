package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"loom/pkg/fsutil"
)

// DaemonStatusValue represents the health state of the daemon.
type DaemonStatusValue string

const (
	// StatusRunning means the instance lock is held by a live process.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means the lock is free and was released cleanly.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the lock is free but still names a PID: the daemon
	// died without shutting down.
	StatusStale DaemonStatusValue = "stale"
)

// IsProcessAlive checks whether a process with the given PID is running.
// On Unix, sending signal 0 checks for existence without actually signaling.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// DaemonStatus probes the instance lock. Returns the status, the PID (0 if
// unknown), and any unexpected error.
func DaemonStatus(lockPath string) (status DaemonStatusValue, pid int, err error) {
	if _, statErr := os.Stat(lockPath); os.IsNotExist(statErr) {
		return StatusStopped, 0, nil
	}
	held, err := fsutil.IsLockHeld(lockPath)
	if err != nil {
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	pid = fsutil.ReadHolderPID(lockPath)
	if held {
		return StatusRunning, pid, nil
	}
	if pid != 0 {
		return StatusStale, pid, nil
	}
	return StatusStopped, 0, nil
}

// stopPollInterval is how often StopDaemon checks for exit.
const stopPollInterval = 50 * time.Millisecond

// StopDaemon sends SIGTERM to the lock holder and waits up to timeout for the
// lock to be released.
func StopDaemon(ctx context.Context, lockPath string, pid int, timeout time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		held, err := fsutil.IsLockHeld(lockPath)
		if err != nil {
			return fmt.Errorf("wait for daemon exit: %w", err)
		}
		if !held {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon (PID %d) did not exit within %s", pid, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}
}

// SetupSignalHandler installs a SIGTERM/SIGINT handler that cancels the
// returned context when a signal is received. Callers should defer cancel.
func SetupSignalHandler(parent context.Context) (shutdownCtx context.Context, cancel context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// DaemonSpawner abstracts spawning the daemon subprocess for testability.
type DaemonSpawner interface {
	SpawnDaemon(logPath string) (pid int, err error)
}

// ExecDaemonSpawner spawns `loom daemon start --foreground` detached from the
// terminal, with output appended to logPath.
type ExecDaemonSpawner struct{}

// SpawnDaemon re-executes the current binary in its own session.
func (e *ExecDaemonSpawner) SpawnDaemon(logPath string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	child := exec.Command(self, "daemon", "start", "--foreground") //nolint:gosec,noctx // intentionally re-executing self; daemon must outlive parent

	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return 0, fmt.Errorf("create daemon log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return 0, fmt.Errorf("open daemon log %s: %w", logPath, err)
	}
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	// logFile fd is inherited by the child; parent can close its copy.
	_ = logFile.Close()
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}
