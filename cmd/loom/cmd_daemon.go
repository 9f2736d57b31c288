package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"loom/pkg/daemon"
	"loom/pkg/protocol"
	"loom/pkg/status"
)

// readyPollInterval is how often `daemon start` checks for the first snapshot.
const readyPollInterval = 100 * time.Millisecond

// newDaemonCmd creates the "loom daemon" command group.
func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the loom background daemon",
		Long:  "Start, stop, and inspect the daemon that watches file activity and\npublishes the status snapshot.",
	}
	cmd.AddCommand(newDaemonStartCmd(), newDaemonStopCmd(), newDaemonStatusCmd())
	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	var (
		foreground bool
		wait       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		Long: `Starts the daemon in the background and waits for its first status snapshot.
With --foreground the daemon runs in this process until SIGINT or SIGTERM.

Exit codes: 0 clean stop, 75 already running, 78 bad configuration,
70 unrecoverable error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if foreground {
				return runForeground(cmd.Context(), e)
			}
			isTTY := isatty.IsTerminal(os.Stdout.Fd())
			return runDaemonStart(cmd.Context(), cmd.OutOrStdout(), e, &ExecDaemonSpawner{}, wait, isTTY)
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "run the daemon in this process")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the first snapshot")
	return cmd
}

// runForeground runs the daemon until a signal arrives. Errors other than
// configuration and lock contention are reported as a crash.
func runForeground(parent context.Context, e *env) error {
	ctx, cancel := SetupSignalHandler(parent)
	defer cancel()

	log.SetPrefix(fmt.Sprintf("loomd[%d] ", os.Getpid()))
	err := daemon.Run(ctx, daemon.Options{
		Paths:        e.paths,
		RegistryPath: e.registryPath(),
		PID:          os.Getpid(),
		Logger:       log.Default(),
	})
	if err == nil {
		return nil
	}
	var cfgErr *protocol.ConfigError
	if errors.As(err, &cfgErr) || errors.Is(err, protocol.ErrAlreadyRunning) {
		return err
	}
	return &exitError{code: exitSoftware, err: fmt.Errorf("daemon: %w", err)}
}

// runDaemonStart implements the detached start flow:
//  1. Refuse if an instance already holds the lock
//  2. Validate the registry so config errors surface here, not in the log
//  3. Spawn the daemon subprocess
//  4. Wait for its first snapshot
func runDaemonStart(ctx context.Context, w io.Writer, e *env, spawner DaemonSpawner, wait time.Duration, isTTY bool) error {
	st, pid, err := DaemonStatus(e.paths.DaemonLockPath)
	if err != nil {
		return err
	}
	if st == StatusRunning {
		return &protocol.ConcurrencyError{Resource: "daemon", HolderPID: pid, Err: protocol.ErrAlreadyRunning}
	}

	progress := newStartupLog(w, isTTY)
	reg, err := e.registry()
	if err != nil {
		progress.Fail("load context registry")
		return err
	}
	progress.Step(fmt.Sprintf("registry %s (%d contexts)", reg.Path, len(reg.Contexts)))

	stop := progress.StartSpinner("starting daemon")
	pid, err = spawner.SpawnDaemon(e.paths.DaemonLogPath)
	if err != nil {
		stop(false)
		return err
	}

	if err := waitForSnapshot(ctx, e.paths.StatusPath, pid, wait); err != nil {
		stop(false)
		return fmt.Errorf("%w (see %s)", err, e.paths.DaemonLogPath)
	}
	stop(true)
	fmt.Fprintf(w, "daemon started (PID %d)\n", pid)
	return nil
}

// waitForSnapshot polls until a snapshot written by pid appears.
func waitForSnapshot(ctx context.Context, statusPath string, pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if snap, err := status.Read(statusPath); err == nil && snap.DaemonPID == pid {
			return nil
		}
		if !IsProcessAlive(pid) {
			return fmt.Errorf("daemon (PID %d) exited during startup", pid)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon (PID %d) wrote no snapshot within %s", pid, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Long:  "Sends SIGTERM to the daemon and waits for it to flush and release its lock.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			st, pid, err := DaemonStatus(e.paths.DaemonLockPath)
			if err != nil {
				return err
			}
			switch st {
			case StatusStopped:
				fmt.Fprintln(w, "daemon is not running")
				return nil
			case StatusStale:
				fmt.Fprintf(w, "daemon is not running (PID %d exited without shutting down)\n", pid)
				return nil
			}

			fmt.Fprintf(w, "sending SIGTERM to daemon (PID %d)\n", pid)
			if err := StopDaemon(cmd.Context(), e.paths.DaemonLockPath, pid, e.cfg.Daemon.StopTimeout); err != nil {
				return err
			}
			fmt.Fprintln(w, "daemon stopped")
			return nil
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		Long:  "Reports running, stopped, or stale, plus the age of the latest snapshot.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			st, pid, err := DaemonStatus(e.paths.DaemonLockPath)
			if err != nil {
				return err
			}
			snap, snapErr := status.Read(e.paths.StatusPath)
			if snapErr != nil && !errors.Is(snapErr, protocol.ErrNoSnapshot) {
				return snapErr
			}
			printDaemonStatus(cmd.OutOrStdout(), st, pid, snap, time.Now(), e.cfg.Daemon.StaleFactor)
			return nil
		},
	}
}

func printDaemonStatus(w io.Writer, st DaemonStatusValue, pid int, snap *protocol.StatusSnapshot, now time.Time, staleFactor int) {
	switch st {
	case StatusRunning:
		fmt.Fprintf(w, "daemon:   running (PID %d)\n", pid)
	case StatusStale:
		fmt.Fprintf(w, "daemon:   stale (PID %d exited without shutting down)\n", pid)
	default:
		fmt.Fprintln(w, "daemon:   stopped")
	}

	if snap == nil {
		fmt.Fprintln(w, "snapshot: none")
		return
	}
	age := now.Sub(snap.GeneratedAt).Round(time.Second)
	line := fmt.Sprintf("snapshot: %s old (generated %s)", age, snap.GeneratedAt.Local().Format(time.DateTime))
	if snap.IsStale(now, staleFactor) {
		line += " STALE"
	}
	fmt.Fprintln(w, line)
	if snap.DaemonStartedAt != nil && st == StatusRunning {
		fmt.Fprintf(w, "uptime:   %s\n", now.Sub(*snap.DaemonStartedAt).Round(time.Second))
	}
}
