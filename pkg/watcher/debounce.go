package watcher

import (
	"sort"
	"time"

	"loom/pkg/protocol"
)

type pendingChange struct {
	contextID string
	kind      protocol.EventKind
	firstSeen time.Time
	lastSeen  time.Time
}

// debouncer collapses raw changes per path. A path is emitted once no raw
// change has been seen for the interval, or once it has been pending for the
// interval, so a file written continuously still emits about once per
// interval.
type debouncer struct {
	interval time.Duration
	pending  map[string]*pendingChange
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval, pending: make(map[string]*pendingChange)}
}

// observe records one raw change.
func (d *debouncer) observe(path, contextID string, kind protocol.EventKind, at time.Time) {
	p, ok := d.pending[path]
	if !ok {
		d.pending[path] = &pendingChange{contextID: contextID, kind: kind, firstSeen: at, lastSeen: at}
		return
	}
	p.kind = collapse(p.kind, kind)
	p.contextID = contextID
	if at.After(p.lastSeen) {
		p.lastSeen = at
	}
}

// collapse merges a new raw kind into a pending one.
func collapse(prev, next protocol.EventKind) protocol.EventKind {
	switch {
	case next == protocol.KindDelete:
		return protocol.KindDelete
	case prev == protocol.KindCreate:
		return protocol.KindCreate
	case prev == protocol.KindDelete:
		return protocol.KindModify
	default:
		return next
	}
}

// due removes and returns changes that are quiet or have waited the full
// interval, ordered by time then path.
func (d *debouncer) due(now time.Time) []protocol.ActivityEvent {
	var out []protocol.ActivityEvent
	for path, p := range d.pending {
		if now.Sub(p.lastSeen) < d.interval && now.Sub(p.firstSeen) < d.interval {
			continue
		}
		out = append(out, protocol.ActivityEvent{ContextID: p.contextID, Path: path, Kind: p.kind, Timestamp: p.lastSeen})
		delete(d.pending, path)
	}
	sortEvents(out)
	return out
}

// flushAll removes and returns every pending change.
func (d *debouncer) flushAll() []protocol.ActivityEvent {
	out := make([]protocol.ActivityEvent, 0, len(d.pending))
	for path, p := range d.pending {
		out = append(out, protocol.ActivityEvent{ContextID: p.contextID, Path: path, Kind: p.kind, Timestamp: p.lastSeen})
	}
	d.pending = make(map[string]*pendingChange)
	sortEvents(out)
	return out
}

func (d *debouncer) len() int { return len(d.pending) }

func sortEvents(evs []protocol.ActivityEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].Path < evs[j].Path
	})
}
