package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/eventlog"
	"loom/pkg/status"
)

// newCheckpointCmd creates the "loom checkpoint" subcommand.
func newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint [note...]",
		Short: "Record a checkpoint and reset the reminder",
		Long:  "Records that work was saved. Running dashboards reset their alert level\nto gentle on the next refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			note := strings.Join(args, " ")
			cp, err := status.WriteCheckpoint(e.paths.CheckpointPath, time.Now(), "cli", note)
			if err != nil {
				return err
			}
			payload, _ := json.Marshal(cp)
			if err := e.appendEvent(cmd.Context(), eventlog.KindCheckpoint, "", string(payload)); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: record checkpoint event: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint recorded at %s\n", cp.At.Local().Format(time.TimeOnly))
			return nil
		},
	}
}
