package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/version"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Coordinate parallel working contexts on one machine",
		Long:          "loom watches which context you are working in, carries messages between\ncontexts, numbers their sessions, and publishes a live status snapshot.",
		Version:       fmt.Sprintf("loom %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newDaemonCmd(),
		newStatusCmd(),
		newMessagesCmd(),
		newSessionCmd(),
		newContextCmd(),
		newCheckpointCmd(),
		newLogsCmd(),
		newMonitorCmd(),
	)

	return cmd
}
