// Package status assembles and publishes the periodic StatusSnapshot, and
// owns the small state files around it (checkpoint, pin).
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"loom/pkg/activity"
	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/session"
)

// ActivitySource is satisfied by *activity.Classifier.
type ActivitySource interface {
	SnapshotAt(now time.Time) activity.Snapshot
}

// PendingCounter is satisfied by *bus.Bus.
type PendingCounter interface {
	PendingCounts(ctx context.Context, contexts []string) (map[string]int, error)
}

// SessionLister is satisfied by *session.Registry.
type SessionLister interface {
	All() (map[string]session.Session, error)
}

// EventAppender is satisfied by *eventlog.Writer.
type EventAppender interface {
	Append(ctx context.Context, kind, contextID, payload string) (int64, error)
}

// Options wires a Publisher. Only StatusPath and Activity are required;
// every other source is optional and its fields stay unknown without it.
type Options struct {
	StatusPath     string
	CheckpointPath string
	Contexts       []string

	Activity ActivitySource
	Pending  PendingCounter
	Sessions SessionLister
	Health   HealthSource
	Events   EventAppender

	// Dropped reports the watcher's overflow counter.
	Dropped func() uint64

	TickInterval time.Duration
	PID          int
	StartedAt    time.Time
	Logger       *log.Logger
	Now          func() time.Time
}

// Publisher writes one snapshot per Tick.
type Publisher struct {
	opts   Options
	logger *log.Logger

	mu         sync.Mutex
	lastActive string
	ticked     bool
}

// NewPublisher builds a Publisher.
func NewPublisher(opts Options) *Publisher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = protocol.DefaultTickInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{opts: opts, logger: logger}
}

// Tick gathers every source, writes the snapshot atomically, and returns it.
// Source failures leave their fields unknown and are logged; only a failed
// write is returned.
func (p *Publisher) Tick(ctx context.Context) (*protocol.StatusSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	snap := &protocol.StatusSnapshot{
		GeneratedAt:         now.UTC(),
		DaemonPID:           p.opts.PID,
		TickIntervalSeconds: p.opts.TickInterval.Seconds(),
		ActivityPercent:     map[string]int{},
		PendingMessages:     map[string]int{},
	}
	if !p.opts.StartedAt.IsZero() {
		started := p.opts.StartedAt.UTC()
		snap.DaemonStartedAt = &started
	}

	if p.opts.Activity != nil {
		a := p.opts.Activity.SnapshotAt(now)
		snap.ActiveContext = a.Active.ContextID
		snap.Pinned = a.Active.Pinned
		if a.Active.Pinned {
			until := a.Active.PinnedUntil.UTC()
			snap.PinnedUntil = &until
		}
		for _, id := range p.opts.Contexts {
			snap.ActivityPercent[id] = 0
		}
		for id, pct := range a.Percent {
			snap.ActivityPercent[id] = pct
		}
		if len(a.Last) > 0 {
			snap.LastActivityAt = make(map[string]int64, len(a.Last))
			for id, ts := range a.Last {
				snap.LastActivityAt[id] = ts.Unix()
			}
		}
	}

	if p.opts.Health != nil {
		h, err := p.opts.Health.Health(ctx)
		if err != nil {
			p.logger.Printf("status: health summary unavailable: %v", err)
		} else {
			score, crit, warn := h.HealthScore, h.CriticalCount, h.WarningCount
			snap.HealthScore = &score
			snap.CriticalCount = &crit
			snap.WarningCount = &warn
		}
	}

	if p.opts.Pending != nil {
		counts, err := p.opts.Pending.PendingCounts(ctx, p.opts.Contexts)
		if err != nil {
			p.logger.Printf("status: pending message counts unavailable: %v", err)
			snap.PendingMessages = nil
		} else {
			snap.PendingMessages = counts
		}
	}

	if p.opts.Sessions != nil {
		all, err := p.opts.Sessions.All()
		if err != nil {
			p.logger.Printf("status: session counters unavailable: %v", err)
		} else if len(all) > 0 {
			snap.SessionCounters = make(map[string]int64, len(all))
			for id, s := range all {
				snap.SessionCounters[id] = s.Value
			}
		}
	}

	if p.opts.CheckpointPath != "" {
		cp, err := ReadCheckpoint(p.opts.CheckpointPath)
		if err != nil {
			p.logger.Printf("status: checkpoint unreadable: %v", err)
		} else if cp != nil {
			at := cp.At.UTC()
			snap.LastCheckpointAt = &at
		}
	}

	if p.opts.Dropped != nil {
		snap.DroppedActivityTotal = p.opts.Dropped()
	}

	if err := Write(p.opts.StatusPath, snap); err != nil {
		return nil, fmt.Errorf("publish status: %w", err)
	}

	if p.ticked && snap.ActiveContext != p.lastActive {
		p.publishLocked(ctx, eventlog.KindActiveChange, snap.ActiveContext, map[string]any{
			"from": p.lastActive, "to": snap.ActiveContext, "pinned": snap.Pinned,
		})
	}
	p.lastActive = snap.ActiveContext
	p.ticked = true
	return snap, nil
}

// PublishEvent pushes an event to running dashboards without waiting for the
// next tick. payload is JSON-encoded.
func (p *Publisher) PublishEvent(ctx context.Context, kind, contextID string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publishLocked(ctx, kind, contextID, payload)
}

func (p *Publisher) publishLocked(ctx context.Context, kind, contextID string, payload any) error {
	if p.opts.Events == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	if _, err := p.opts.Events.Append(ctx, kind, contextID, string(data)); err != nil {
		p.logger.Printf("status: publish %s event: %v", kind, err)
		return err
	}
	return nil
}

// SortedContexts returns the snapshot's context ids for stable display.
func SortedContexts(snap *protocol.StatusSnapshot) []string {
	if snap == nil {
		return nil
	}
	seen := map[string]bool{}
	for id := range snap.ActivityPercent {
		seen[id] = true
	}
	for id := range snap.PendingMessages {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
