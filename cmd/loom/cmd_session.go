package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSessionCmd creates the "loom session" command group.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Number working sessions per context",
	}
	cmd.AddCommand(newSessionIncrementCmd(), newSessionGetCmd())
	return cmd
}

func newSessionIncrementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "increment <context>",
		Short: "Start a new session and print its label (e.g. D12)",
		Long: `Advances the context's session counter and prints the new label.
Concurrent callers always receive distinct, increasing numbers. If another
writer holds the counter lock past the timeout, exits 75 without changing it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			reg, err := e.registry()
			if err != nil {
				return err
			}
			if _, err := reg.Lookup(args[0]); err != nil {
				return err
			}

			s, err := e.sessions(reg).Increment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.ID())
			return nil
		},
	}
}

func newSessionGetCmd() *cobra.Command {
	var label bool

	cmd := &cobra.Command{
		Use:   "get <context>",
		Short: "Print the current session number (0 if never started)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			reg, err := e.registry()
			if err != nil {
				return err
			}
			if _, err := reg.Lookup(args[0]); err != nil {
				return err
			}

			s, err := e.sessions(reg).Get(args[0])
			if err != nil {
				return err
			}
			if label {
				fmt.Fprintln(cmd.OutOrStdout(), s.ID())
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Value)
			return nil
		},
	}

	cmd.Flags().BoolVar(&label, "label", false, "print the prefixed label instead of the number")
	return cmd
}
