package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"loom/pkg/alert"
	"loom/pkg/eventlog"
	"loom/pkg/status"
)

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	now := m.now()

	var body string
	switch m.mode {
	case ModeMinimized:
		body = m.renderMinimized(now)
	case ModeCompact:
		body = m.renderCompact(now)
	case ModeSplit:
		body = m.renderSplit(now)
	default:
		body = m.renderFull(now)
	}

	sections := []string{body}
	if m.flash != "" {
		sections = append(sections, m.styles.Flash.Render(m.flash))
	}
	if m.showHelp {
		sections = append(sections, m.renderHelp())
	} else if m.mode != ModeMinimized {
		sections = append(sections, m.help.View(m.keys))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) summary(now time.Time) summary {
	base, _ := alertBaseline(m.snap, m.checkpoint)
	return summary{
		snap:        m.snap,
		baseline:    base,
		level:       m.alerts.Level(),
		acked:       m.alerts.Acknowledged(),
		now:         now,
		staleFactor: m.staleFactor,
	}
}

func (m Model) levelStyle() lipgloss.Style {
	return m.styles.Levels[m.alerts.Level().String()]
}

func (m Model) renderMinimized(now time.Time) string {
	return m.levelStyle().Render(m.summary(now).line())
}

// renderHeader renders the title line: active context and staleness.
func (m Model) renderHeader(now time.Time) string {
	parts := []string{m.styles.Title.Render("loom")}
	if flag := staleFlag(m.snap, now, m.staleFactor); flag != "" {
		parts = append(parts, m.styles.Stale.Render(flag))
	}
	active := "none"
	if m.snap != nil && m.snap.ActiveContext != "" {
		active = m.snap.ActiveContext
		if m.snap.Pinned && m.snap.PinnedUntil != nil {
			active += " (pinned until " + m.snap.PinnedUntil.Local().Format(time.TimeOnly) + ")"
		}
	}
	parts = append(parts, m.styles.Label.Render("active: ")+m.styles.Active.Render(active))
	return strings.Join(parts, "  ")
}

// renderAlert renders the checkpoint reminder line.
func (m Model) renderAlert(now time.Time) string {
	level := m.alerts.Level()
	badge := strings.ToUpper(level.String())
	if m.alerts.Acknowledged() {
		badge += " (ack)"
	}
	line := m.levelStyle().Render(badge)

	base, ok := alertBaseline(m.snap, m.checkpoint)
	if !ok {
		return line + m.styles.Muted.Render("  no checkpoint yet")
	}
	line += m.styles.Label.Render("  checkpoint " + ago(now.Sub(base)))
	if level < alert.Critical {
		line += m.styles.Muted.Render(fmt.Sprintf("  next level in %s", m.alerts.Remaining(now).Round(time.Second)))
	}
	if m.lastAlert != "" && level > alert.Gentle {
		line += "\n" + m.levelStyle().Render(m.lastAlert)
	}
	return line
}

// renderHealth renders the health audit summary.
func (m Model) renderHealth() string {
	if m.snap == nil || m.snap.HealthScore == nil {
		return m.styles.Label.Render("health: ") + m.styles.Muted.Render("unknown")
	}
	line := m.styles.Label.Render("health: ") + m.styles.Active.Render(healthScore(m.snap))
	if m.snap.CriticalCount != nil {
		line += m.styles.Label.Render(fmt.Sprintf("  critical: %d", *m.snap.CriticalCount))
	}
	if m.snap.WarningCount != nil {
		line += m.styles.Label.Render(fmt.Sprintf("  warnings: %d", *m.snap.WarningCount))
	}
	return line
}

// renderContexts renders one row per context with an activity bar.
func (m Model) renderContexts(withBars bool) string {
	ids := status.SortedContexts(m.snap)
	if len(ids) == 0 {
		return m.styles.Muted.Render("no contexts reported")
	}

	width := 0
	for _, id := range ids {
		width = max(width, lipgloss.Width(id))
	}

	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		marker, name := "  ", m.styles.Label.Render(fmt.Sprintf("%-*s", width, id))
		if id == m.snap.ActiveContext {
			marker, name = m.styles.Active.Render("▸ "), m.styles.Active.Render(fmt.Sprintf("%-*s", width, id))
		}
		pct := m.snap.ActivityPercent[id]
		row := marker + name + "  "
		if withBars {
			row += m.bar.ViewAs(float64(pct)/100) + " "
		}
		row += fmt.Sprintf("%3d%%", pct)

		pending := "?"
		if n, ok := m.snap.PendingMessages[id]; ok {
			pending = fmt.Sprint(n)
		}
		row += m.styles.Label.Render("  msgs " + pending)
		if n, ok := m.snap.SessionCounters[id]; ok {
			row += m.styles.Muted.Render(fmt.Sprintf("  session %d", n))
		}
		rows = append(rows, row)
	}
	return strings.Join(rows, "\n")
}

// renderEvents renders the newest n events, oldest first.
func (m Model) renderEvents(n int) string {
	if len(m.events) == 0 {
		return m.styles.Muted.Render("no events yet")
	}
	events := m.events
	if len(events) > n {
		events = events[len(events)-n:]
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, m.renderEvent(e))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvent(e eventlog.Event) string {
	line := m.styles.Muted.Render(e.CreatedAt.Local().Format(time.TimeOnly)) + " " +
		m.styles.Label.Render(e.Type)
	if e.ContextID != "" {
		line += " " + m.styles.Active.Render(e.ContextID)
	}
	if e.Payload != "" {
		line += " " + m.styles.Muted.Render(truncate(e.Payload, 48))
	}
	return line
}

func (m Model) renderCompact(now time.Time) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(now),
		m.renderContexts(false),
		m.renderAlert(now),
	)
}

func (m Model) renderFull(now time.Time) string {
	contexts := m.styles.Panel.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Section.Render("Contexts"),
		m.renderContexts(true),
	))
	events := m.styles.Panel.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Section.Render("Events"),
		m.renderEvents(m.eventRows(8)),
	))
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(now),
		contexts,
		m.renderAlert(now),
		m.renderHealth(),
		events,
	)
}

func (m Model) renderSplit(now time.Time) string {
	half := 0
	if m.width > 0 {
		half = m.width/2 - 2
	}
	left := m.styles.Panel
	right := m.styles.Panel
	if half > 0 {
		left = left.Width(half)
		right = right.Width(half)
	}
	leftCol := left.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Section.Render("Contexts"),
		m.renderContexts(true),
		"",
		m.renderAlert(now),
		m.renderHealth(),
	))
	rightCol := right.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Section.Render("Events"),
		m.renderEvents(m.eventRows(14)),
	))
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(now),
		lipgloss.JoinHorizontal(lipgloss.Top, leftCol, rightCol),
	)
}

// eventRows fits the event tail to the terminal height, up to limit rows.
func (m Model) eventRows(limit int) int {
	if m.height <= 0 {
		return limit
	}
	return max(3, min(limit, m.height-len(status.SortedContexts(m.snap))-12))
}

func (m Model) renderHelp() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.HelpTitle.Render("Help - "+m.mode.String()+" view"),
		m.help.View(m.keys),
	)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
