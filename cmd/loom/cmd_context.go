package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/status"
)

// defaultPinTTL applies when `context pin` gets no --ttl.
const defaultPinTTL = 15 * time.Minute

// newContextCmd creates the "loom context" command group.
func newContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "context",
		Aliases: []string{"ctx"},
		Short:   "Inspect or pin the active context",
	}
	cmd.AddCommand(newContextPinCmd(), newContextUnpinCmd(), newContextShowCmd(), newContextListCmd())
	return cmd
}

func newContextPinCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "pin <context>",
		Short: "Force the active context for a while",
		Long:  "Overrides automatic classification until the TTL expires or `loom context unpin`.\nThe running daemon republishes as soon as the pin is written.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			e, err := loadEnv()
			if err != nil {
				return err
			}
			reg, err := e.registry()
			if err != nil {
				return err
			}
			c, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}

			pin := protocol.Pin{ContextID: c.ID, Until: time.Now().Add(ttl), SetBy: "cli"}
			if err := status.WritePin(e.paths.PinPath, pin); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]any{"until": pin.Until.UTC(), "ttl": ttl.String()})
			if err := e.appendEvent(cmd.Context(), eventlog.KindPin, c.ID, string(payload)); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: record pin event: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pinned %s until %s\n", c.DisplayName(), pin.Until.Format(time.TimeOnly))
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", defaultPinTTL, "how long the pin lasts")
	return cmd
}

func newContextUnpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin",
		Short: "Return to automatic classification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := status.ClearPin(e.paths.PinPath); err != nil {
				return err
			}
			if err := e.appendEvent(cmd.Context(), eventlog.KindPin, "", `{"cleared":true}`); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: record unpin event: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pin cleared")
			return nil
		},
	}
}

func newContextShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current classification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			snap, err := status.Read(e.paths.StatusPath)
			if err != nil && !errors.Is(err, protocol.ErrNoSnapshot) {
				return err
			}
			pin, err := status.ReadPin(e.paths.PinPath)
			if err != nil {
				return err
			}
			showContext(cmd.OutOrStdout(), snap, pin, time.Now(), e.cfg.Daemon.StaleFactor)
			return nil
		},
	}
}

func showContext(w io.Writer, snap *protocol.StatusSnapshot, pin *protocol.Pin, now time.Time, staleFactor int) {
	switch {
	case snap == nil:
		fmt.Fprintln(w, "active: unknown (daemon not running)")
	case snap.ActiveContext == "":
		fmt.Fprintln(w, "active: none")
	default:
		fmt.Fprintf(w, "active: %s (%d%%)\n", snap.ActiveContext, snap.ActivityPercent[snap.ActiveContext])
	}
	if snap != nil && snap.IsStale(now, staleFactor) {
		fmt.Fprintf(w, "        stale since %s\n", snap.GeneratedAt.Local().Format(time.DateTime))
	}
	if pin.Live(now) {
		fmt.Fprintf(w, "pinned: %s for %s more\n", pin.ContextID, pin.Until.Sub(now).Round(time.Second))
	}
}

func newContextListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered contexts, watched paths, and handoff rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			reg, err := e.registry()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "registry: %s\n", reg.Path)
			for _, c := range reg.Contexts {
				role := ""
				if c.Coordinator {
					role = " (coordinator)"
				}
				fmt.Fprintf(w, "%s [%s] %s%s\n", c.ID, c.Prefix, c.DisplayName(), role)
				for _, p := range c.Paths {
					fmt.Fprintf(w, "    %s\n", p)
				}
			}
			if rules := reg.Rules(); len(rules) > 0 {
				fmt.Fprintln(w, "handoff rules:")
				for _, r := range rules {
					fmt.Fprintf(w, "    %s\n", r)
				}
			}
			return nil
		},
	}
}
