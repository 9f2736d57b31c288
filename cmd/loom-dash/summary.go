package main

import (
	"fmt"
	"strings"
	"time"

	"loom/pkg/alert"
	"loom/pkg/protocol"
)

// summary is the state behind the one-line views: minimized mode and the
// plain fallback.
type summary struct {
	snap        *protocol.StatusSnapshot
	baseline    time.Time
	level       alert.Level
	acked       bool
	now         time.Time
	staleFactor int
}

// line renders s without styling, e.g.
//
//	loom │ active: dev │ msgs: 3 │ health: 87 │ ckpt: 12m ago │ nudge
func (s summary) line() string {
	parts := []string{"loom"}
	if flag := staleFlag(s.snap, s.now, s.staleFactor); flag != "" {
		parts = append(parts, flag)
	}

	active := "none"
	if s.snap != nil && s.snap.ActiveContext != "" {
		active = s.snap.ActiveContext
		if s.snap.Pinned {
			active += " (pinned)"
		}
	}
	parts = append(parts, "active: "+active)
	parts = append(parts, "msgs: "+pendingTotal(s.snap))
	parts = append(parts, "health: "+healthScore(s.snap))

	ckpt := "never"
	if !s.baseline.IsZero() {
		ckpt = ago(s.now.Sub(s.baseline))
	}
	parts = append(parts, "ckpt: "+ckpt)

	lvl := s.level.String()
	if s.acked {
		lvl += " (ack)"
	}
	parts = append(parts, lvl)
	return strings.Join(parts, " │ ")
}

// staleFlag is empty for fresh data and otherwise names the last-known time.
func staleFlag(snap *protocol.StatusSnapshot, now time.Time, factor int) string {
	if snap == nil {
		return "STALE: no snapshot (daemon not running?)"
	}
	if !snap.IsStale(now, factor) {
		return ""
	}
	return fmt.Sprintf("STALE: last update %s (%s)",
		snap.GeneratedAt.Local().Format(time.TimeOnly), ago(now.Sub(snap.GeneratedAt)))
}

func pendingTotal(snap *protocol.StatusSnapshot) string {
	if snap == nil || snap.PendingMessages == nil {
		return "?"
	}
	total := 0
	for _, n := range snap.PendingMessages {
		total += n
	}
	return fmt.Sprint(total)
}

func healthScore(snap *protocol.StatusSnapshot) string {
	if snap == nil || snap.HealthScore == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.0f", *snap.HealthScore)
}

// ago formats d as a short age: "just now", "45s ago", "12m ago", "2h05m ago".
func ago(d time.Duration) string {
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh%02dm ago", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}
