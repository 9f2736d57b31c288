package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/eventlog"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	eventType string
	follow    bool
}

// logsPollInterval is how often --follow checks for new events.
const logsPollInterval = time.Second

// newLogsCmd creates the "loom logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [context]",
		Short: "Query and tail the event log",
		Long:  "Displays recent events from the loom event log, oldest first.\nOptionally filter by context or event type and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			opts := eventlog.QueryOpts{EventType: cfg.eventType, Limit: cfg.tail}
			if len(args) == 1 {
				reg, err := e.registry()
				if err != nil {
					return err
				}
				c, err := reg.Lookup(args[0])
				if err != nil {
					return err
				}
				opts.ContextID = c.ID
			}

			w := cmd.OutOrStdout()
			r, err := eventlog.NewReader(e.paths.StateDBPath)
			if err != nil {
				if _, statErr := os.Stat(e.paths.StateDBPath); errors.Is(statErr, os.ErrNotExist) {
					fmt.Fprintln(w, "no events found")
					return nil
				}
				return err
			}
			defer r.Close()

			lastID, err := printLogs(cmd.Context(), r, w, opts)
			if err != nil || !cfg.follow {
				return err
			}
			return followLogs(cmd.Context(), r, w, opts, lastID)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only show events of this type (e.g. checkpoint, message, pin)")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	return cmd
}

// printLogs shows the newest matching events oldest first and returns the
// highest id shown.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) (int64, error) {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		latest, err := r.LatestID(ctx)
		return latest, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	return events[0].ID, nil
}

// followLogs prints matching events newer than afterID until ctx ends.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, afterID int64) error {
	ticker := time.NewTicker(logsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := r.Since(ctx, afterID, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll events: %w", err)
		}
		for _, ev := range events {
			afterID = ev.ID
			if matchesLogFilter(ev, opts) {
				formatEvent(w, ev)
			}
		}
	}
}

func matchesLogFilter(ev eventlog.Event, opts eventlog.QueryOpts) bool {
	if opts.ContextID != "" && ev.ContextID != opts.ContextID {
		return false
	}
	return opts.EventType == "" || ev.Type == opts.EventType
}

// formatEvent prints one event line.
func formatEvent(w io.Writer, ev eventlog.Event) {
	line := fmt.Sprintf("%s  %-13s %-9s", ev.CreatedAt.Local().Format(time.DateTime), ev.Type, ev.Source)
	if ev.ContextID != "" {
		line += " [" + ev.ContextID + "]"
	}
	if ev.Payload != "" {
		line += " " + ev.Payload
	}
	fmt.Fprintln(w, line)
}
