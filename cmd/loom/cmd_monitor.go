package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

// dashBinary is the dashboard executable launched by `loom monitor`.
const dashBinary = "loom-dash"

// newMonitorCmd creates the "loom monitor" subcommand.
func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "monitor [loom-dash flags]",
		Short:              "Open the live terminal dashboard",
		Long:               "Runs loom-dash attached to this terminal. Extra arguments are passed through.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			bin, err := findDashBinary()
			if err != nil {
				return err
			}
			dashCmd := exec.CommandContext(cmd.Context(), bin, args...) //nolint:gosec // fixed binary name
			dashCmd.Stdin = os.Stdin
			dashCmd.Stdout = os.Stdout
			dashCmd.Stderr = os.Stderr

			if err := dashCmd.Run(); err != nil {
				return fmt.Errorf("run %s: %w", dashBinary, err)
			}
			return nil
		},
	}
}

// findDashBinary prefers a loom-dash installed next to this executable.
func findDashBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), dashBinary)
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	bin, err := exec.LookPath(dashBinary)
	if err != nil {
		return "", fmt.Errorf("find %s: %w", dashBinary, err)
	}
	return bin, nil
}
