package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/protocol"
	"loom/pkg/status"
)

// newStatusCmd creates the "loom status" subcommand.
func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest status snapshot",
		Long:  "Prints the active context, per-context activity, pending messages, session\ncounters, and health from the snapshot the daemon publishes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			snap, err := status.Read(e.paths.StatusPath)
			if errors.Is(err, protocol.ErrNoSnapshot) {
				fmt.Fprintln(w, "daemon not running (no status snapshot yet); start it with `loom daemon start`")
				return nil
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			renderStatus(w, snap, time.Now(), e.cfg.Daemon.StaleFactor)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

// renderStatus prints a human-readable snapshot.
func renderStatus(w io.Writer, snap *protocol.StatusSnapshot, now time.Time, staleFactor int) {
	generated := snap.GeneratedAt.Local().Format(time.DateTime)
	if snap.IsStale(now, staleFactor) {
		fmt.Fprintf(w, "STALE: last snapshot %s (%s ago); daemon may be stopped\n\n",
			generated, now.Sub(snap.GeneratedAt).Round(time.Second))
	}

	active := snap.ActiveContext
	if active == "" {
		active = "none"
	}
	if snap.Pinned && snap.PinnedUntil != nil {
		active += fmt.Sprintf(" (pinned until %s)", snap.PinnedUntil.Local().Format(time.TimeOnly))
	}
	fmt.Fprintf(w, "active:     %s\n", active)
	fmt.Fprintf(w, "health:     %s\n", formatHealth(snap))
	fmt.Fprintf(w, "checkpoint: %s\n", formatCheckpoint(snap, now))
	fmt.Fprintf(w, "updated:    %s\n", generated)
	if snap.DroppedActivityTotal > 0 {
		fmt.Fprintf(w, "dropped:    %d activity events (queue overflow)\n", snap.DroppedActivityTotal)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTEXT\tACTIVITY\tPENDING\tSESSION")
	for _, id := range status.SortedContexts(snap) {
		marker := " "
		if id == snap.ActiveContext {
			marker = "*"
		}
		pending := "?"
		if snap.PendingMessages != nil {
			pending = fmt.Sprintf("%d", snap.PendingMessages[id])
		}
		session := "-"
		if v, ok := snap.SessionCounters[id]; ok {
			session = fmt.Sprintf("%d", v)
		}
		fmt.Fprintf(tw, "%s %s\t%3d%%\t%s\t%s\n", marker, id, snap.ActivityPercent[id], pending, session)
	}
	_ = tw.Flush()
}

func formatHealth(snap *protocol.StatusSnapshot) string {
	if snap.HealthScore == nil {
		return "unknown"
	}
	s := fmt.Sprintf("%.1f/10", *snap.HealthScore)
	if snap.CriticalCount != nil && snap.WarningCount != nil {
		s += fmt.Sprintf(" (%d critical, %d warnings)", *snap.CriticalCount, *snap.WarningCount)
	}
	return s
}

func formatCheckpoint(snap *protocol.StatusSnapshot, now time.Time) string {
	if snap.LastCheckpointAt == nil {
		return "never"
	}
	return fmt.Sprintf("%s ago", now.Sub(*snap.LastCheckpointAt).Round(time.Minute))
}
