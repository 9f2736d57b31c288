package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/bus"
	"loom/pkg/protocol"
)

// newMessagesCmd creates the "loom messages" command group.
func newMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg"},
		Short:   "Send and read cross-context messages",
	}
	cmd.AddCommand(newMessagesSendCmd(), newMessagesListCmd(), newMessagesReadCmd(), newMessagesPruneCmd())
	return cmd
}

func newMessagesSendCmd() *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "send <from> <to|broadcast> <type> <payload>",
		Short: "Send a message to a context or to every context",
		Long: `Sends a durable message. The recipient receives it the next time it reads,
whether or not it is running now. A payload of "-" is read from stdin.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to, msgType, payload := args[0], args[1], args[2], args[3]
			prio, err := protocol.ParsePriority(priority)
			if err != nil {
				return err
			}
			if payload == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				payload = strings.TrimRight(string(data), "\n")
			}

			e, err := loadEnv()
			if err != nil {
				return err
			}
			reg, err := e.registry()
			if err != nil {
				return err
			}
			b, err := e.openBus(cmd.Context(), reg)
			if err != nil {
				return err
			}
			defer b.Close()

			msg, err := b.Send(cmd.Context(), from, to, msgType, payload, prio)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s %s → %s (#%d)\n", msg.Type, msg.From, msg.To, msg.Seq)
			return nil
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high, or urgent")
	return cmd
}

func newMessagesListCmd() *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list <context>",
		Short: "List messages for a context without marking them read",
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
			b, err := e.openBus(cmd.Context(), reg)
			if err != nil {
				return err
			}
			defer b.Close()

			msgs, err := b.List(cmd.Context(), args[0], bus.ListOpts{IncludeRead: all, Limit: limit})
			if err != nil {
				return err
			}
			printMessages(cmd.OutOrStdout(), msgs, all)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include messages already read")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "show at most this many (newest)")
	return cmd
}

func newMessagesReadCmd() *cobra.Command {
	var peek bool

	cmd := &cobra.Command{
		Use:   "read <context>",
		Short: "Print unread messages for a context and mark them read",
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
			b, err := e.openBus(cmd.Context(), reg)
			if err != nil {
				return err
			}
			defer b.Close()

			var msgs []protocol.Message
			if peek {
				msgs, err = b.Peek(cmd.Context(), args[0])
			} else {
				msgs, err = b.Receive(cmd.Context(), args[0], true)
			}
			if err != nil {
				return err
			}
			printMessages(cmd.OutOrStdout(), msgs, false)
			return nil
		},
	}

	cmd.Flags().BoolVar(&peek, "peek", false, "do not mark messages read")
	return cmd
}

func newMessagesPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Archive read messages older than the retention period",
		Long:  "Moves read messages older than --older-than into the archive table.\nUnread messages are never pruned.",
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
			if olderThan <= 0 {
				olderThan = e.cfg.Messages.Retention
			}
			b, err := e.openBus(cmd.Context(), reg)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := b.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d messages read more than %s ago\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention cutoff (default from config)")
	return cmd
}

func printMessages(w io.Writer, msgs []protocol.Message, showRead bool) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}
	for _, m := range msgs {
		flag := ""
		if m.Priority == protocol.PriorityHigh || m.Priority == protocol.PriorityUrgent {
			flag = " [" + strings.ToUpper(string(m.Priority)) + "]"
		}
		state := ""
		if showRead && m.ReadAt != nil {
			state = " (read)"
		}
		fmt.Fprintf(w, "#%d %s %s → %s %s%s%s\n",
			m.Seq, m.CreatedAt.Local().Format(time.DateTime), m.From, m.To, m.Type, flag, state)
		if m.Payload != "" {
			fmt.Fprintf(w, "    %s\n", m.Payload)
		}
	}
}
