// Package protocol holds the types, constants, typed errors, and SQL schema
// shared by the loom daemon, CLI, and dashboard.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the kind of filesystem change behind an ActivityEvent.
type EventKind string

// Event kinds.
const (
	KindCreate EventKind = "create"
	KindModify EventKind = "modify"
	KindDelete EventKind = "delete"
)

// ActivityEvent is one debounced change to a watched path, attributed to a
// context. It is never persisted individually.
type ActivityEvent struct {
	ContextID string    `json:"context_id"`
	Path      string    `json:"path"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Priority orders messages for display. Delivery order is always FIFO.
type Priority string

// Message priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates s. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q (want low, normal, high, or urgent)", s)
	}
}

// Message is a durable note from one context to another (or to Broadcast).
type Message struct {
	Seq       int64      `json:"seq"`
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Type      string     `json:"type"`
	Payload   string     `json:"payload"`
	Priority  Priority   `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// IsBroadcast reports whether the message addresses every context.
func (m Message) IsBroadcast() bool {
	return m.To == Broadcast
}

// HealthSummary is the opaque result of the external health audit.
type HealthSummary struct {
	HealthScore   float64 `json:"health_score"`
	CriticalCount int     `json:"critical_count"`
	WarningCount  int     `json:"warning_count"`
}

// StatusSnapshot is the point-in-time picture written by the publisher.
// Pointer fields are nil when the value is unknown.
type StatusSnapshot struct {
	HealthScore          *float64         `json:"health_score"`
	ActiveContext        string           `json:"active_context"`
	Pinned               bool             `json:"pinned"`
	PinnedUntil          *time.Time       `json:"pinned_until,omitempty"`
	ActivityPercent      map[string]int   `json:"per_context_activity_percent"`
	LastActivityAt       map[string]int64 `json:"last_activity_unix,omitempty"`
	PendingMessages      map[string]int   `json:"pending_message_counts"`
	SessionCounters      map[string]int64 `json:"session_counters,omitempty"`
	CriticalCount        *int             `json:"critical_count"`
	WarningCount         *int             `json:"warning_count"`
	LastCheckpointAt     *time.Time       `json:"last_checkpoint_at"`
	GeneratedAt          time.Time        `json:"generated_at"`
	DaemonPID            int              `json:"daemon_pid,omitempty"`
	DaemonStartedAt      *time.Time       `json:"daemon_started_at,omitempty"`
	TickIntervalSeconds  float64          `json:"tick_interval_seconds,omitempty"`
	DroppedActivityTotal uint64           `json:"dropped_activity_total,omitempty"`
}

// TickInterval returns the publisher interval recorded in the snapshot, or
// DefaultTickInterval when the writer did not record one.
func (s *StatusSnapshot) TickInterval() time.Duration {
	if s == nil || s.TickIntervalSeconds <= 0 {
		return DefaultTickInterval
	}
	return time.Duration(s.TickIntervalSeconds * float64(time.Second))
}

// IsStale reports whether the snapshot is older than factor tick intervals at now.
func (s *StatusSnapshot) IsStale(now time.Time, factor int) bool {
	if s == nil {
		return true
	}
	if factor <= 0 {
		factor = DefaultStaleFactor
	}
	return now.Sub(s.GeneratedAt) > time.Duration(factor)*s.TickInterval()
}

// AlertBaseline returns the instant alert escalation is measured from: the
// later of the last checkpoint and the daemon start.
func (s *StatusSnapshot) AlertBaseline() (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	var base time.Time
	if s.LastCheckpointAt != nil {
		base = *s.LastCheckpointAt
	}
	if s.DaemonStartedAt != nil && s.DaemonStartedAt.After(base) {
		base = *s.DaemonStartedAt
	}
	return base, !base.IsZero()
}

// Checkpoint records a manual or automatic checkpoint.
type Checkpoint struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Note   string    `json:"note,omitempty"`
}

// Pin is a manual classifier override requested from outside the daemon.
type Pin struct {
	ContextID string    `json:"context_id"`
	Until     time.Time `json:"until"`
	SetBy     string    `json:"set_by,omitempty"`
}

// Live reports whether the pin still applies at now.
func (p *Pin) Live(now time.Time) bool {
	return p != nil && p.ContextID != "" && now.Before(p.Until)
}
