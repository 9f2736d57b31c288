// Package main implements loom-dash, the live terminal dashboard for loom.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"loom/internal/version"
	"loom/pkg/alert"
	"loom/pkg/config"
	"loom/pkg/protocol"
)

// Exit codes.
const (
	exitFailure = 1
	exitConfig  = 78
)

type runOptions struct {
	mode  string
	theme string
	plain bool
	once  bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "loom-dash: %v\n", err)
		var ce *protocol.ConfigError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:           "loom-dash",
		Short:         "Live dashboard for loom contexts",
		Long:          "Shows the active context, per-context activity, pending messages, health,\nand the checkpoint reminder. Falls back to one plain line per refresh when\nstdout is not a terminal.",
		Version:       version.String(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.SetVersionTemplate("loom-dash {{.Version}}\n")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "start in this view (full, compact, split, minimized)")
	cmd.Flags().StringVar(&opts.theme, "theme", "", "catppuccin flavor (latte, frappe, macchiato, mocha)")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print one summary line per refresh instead of the interactive view")
	cmd.Flags().BoolVar(&opts.once, "once", false, "print one summary line and exit")
	return cmd
}

func run(ctx context.Context, opts runOptions, stdout, stderr io.Writer) error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	if err := paths.EnsureHome(); err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return err
	}

	prefs, err := loadPrefs(paths.DashboardPrefsPath)
	if err != nil {
		fmt.Fprintf(stderr, "warning: %v (using defaults)\n", err)
	}
	if opts.mode != "" {
		if _, err := parseMode(opts.mode); err != nil {
			return err
		}
		prefs.Mode = opts.mode
	}
	if opts.theme != "" {
		prefs.Theme = opts.theme
	}

	src := newFileSources(paths)
	defer src.Close()

	thresholds := alert.Thresholds{
		Nudge:    cfg.Alerts.NudgeAfter,
		Urgent:   cfg.Alerts.UrgentAfter,
		Critical: cfg.Alerts.CriticalAfter,
	}
	notifier := &alert.DesktopNotifier{Bell: stderr, Desktop: cfg.Alerts.Notify}
	plain := plainOptions{
		Refresh:     cfg.Dashboard.RefreshInterval,
		StaleFactor: cfg.Daemon.StaleFactor,
		Thresholds:  thresholds,
		Notifier:    notifier,
		Once:        opts.once,
	}

	if opts.plain || opts.once {
		return runPlain(ctx, stdout, src, plain)
	}
	if !isTerminal(stdout) {
		fmt.Fprintf(stderr, "loom-dash: %v; printing plain lines\n", &protocol.RenderError{Reason: "stdout is not a terminal"})
		return runPlain(ctx, stdout, src, plain)
	}

	w := watchStatusFile(paths.StatusPath)
	defer w.Close()

	m := newModel(Options{
		Sources:      src,
		Watcher:      w,
		Notifier:     notifier,
		Thresholds:   thresholds,
		Refresh:      cfg.Dashboard.RefreshInterval,
		StaleFactor:  cfg.Daemon.StaleFactor,
		Prefs:        prefs,
		DefaultTheme: cfg.Dashboard.Theme,
	})
	err = runProgram(ctx, m, cfg.Dashboard.ShutdownGrace)
	var re *protocol.RenderError
	if errors.As(err, &re) {
		fmt.Fprintf(stderr, "loom-dash: %v; falling back to plain output\n", re)
		return runPlain(ctx, stdout, src, plain)
	}
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
