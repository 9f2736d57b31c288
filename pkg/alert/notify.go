package alert

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"loom/pkg/runner"
)

// Notifier makes an escalation audible.
type Notifier interface {
	Notify(ctx context.Context, t Transition) error
}

// DesktopNotifier rings the terminal bell from Nudge up and, when Desktop is
// set, raises an OS notification for Urgent and Critical.
type DesktopNotifier struct {
	Runner  runner.CommandRunner
	Bell    io.Writer
	Desktop bool
	Title   string
	// GOOS selects the notifier command; empty means runtime.GOOS.
	GOOS    string
	Timeout time.Duration
}

// Notify implements Notifier.
func (n *DesktopNotifier) Notify(ctx context.Context, t Transition) error {
	if !t.Fire || t.To < Nudge {
		return nil
	}
	if n.Bell != nil {
		rings := 1
		if t.To >= Urgent {
			rings = 2
		}
		if _, err := io.WriteString(n.Bell, strings.Repeat("\a", rings)); err != nil {
			return fmt.Errorf("ring bell: %w", err)
		}
	}
	if !n.Desktop || t.To < Urgent {
		return nil
	}

	name, args, ok := n.command(Message(t))
	if !ok {
		return nil
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := n.Runner
	if r == nil {
		r = &runner.ExecCommandRunner{}
	}
	if _, err := r.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}
	return nil
}

func (n *DesktopNotifier) command(body string) (string, []string, bool) {
	title := n.Title
	if title == "" {
		title = "loom"
	}
	goos := n.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "linux", "freebsd", "openbsd":
		return "notify-send", []string{"--urgency=critical", title, body}, true
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return "osascript", []string{"-e", script}, true
	default:
		return "", nil, false
	}
}

// Message is the human text for a transition.
func Message(t Transition) string {
	mins := int(t.Elapsed.Round(time.Minute) / time.Minute)
	switch t.To {
	case Critical:
		return fmt.Sprintf("No checkpoint for %d minutes. Checkpoint now.", mins)
	case Urgent:
		return fmt.Sprintf("No checkpoint for %d minutes. Checkpoint soon.", mins)
	case Nudge:
		return fmt.Sprintf("%d minutes since the last checkpoint.", mins)
	default:
		return "Checkpoint recorded."
	}
}
