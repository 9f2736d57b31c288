package watcher

import (
	"log"
	"sync"

	"loom/pkg/protocol"
)

// EventQueue is a bounded FIFO of activity events between the watcher and
// its consumer. When full, the oldest event is evicted to make room and a
// warning is logged.
type EventQueue struct {
	mu      sync.Mutex
	events  []protocol.ActivityEvent
	cap     int
	dropped uint64
	ready   chan struct{}
	logger  *log.Logger
}

// NewEventQueue creates a queue with the given maximum capacity.
func NewEventQueue(capacity int, logger *log.Logger) *EventQueue {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EventQueue{
		events: make([]protocol.ActivityEvent, 0, capacity),
		cap:    capacity,
		ready:  make(chan struct{}, 1),
		logger: logger,
	}
}

// Push appends ev, evicting the oldest event when full. It reports whether
// an event was dropped.
func (q *EventQueue) Push(ev protocol.ActivityEvent) bool {
	q.mu.Lock()
	dropped := false
	if len(q.events) >= q.cap {
		old := q.events[0]
		copy(q.events, q.events[1:])
		q.events[len(q.events)-1] = ev
		q.dropped++
		dropped = true
		q.mu.Unlock()
		q.logger.Printf("watcher: activity queue full (%d), dropped oldest event %s %s", q.cap, old.Kind, old.Path)
	} else {
		q.events = append(q.events, ev)
		q.mu.Unlock()
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Drain returns all queued events in arrival order and clears the queue.
func (q *EventQueue) Drain() []protocol.ActivityEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}
	out := make([]protocol.ActivityEvent, len(q.events))
	copy(out, q.events)
	q.events = q.events[:0]
	return out
}

// Ready is signalled (coalesced) whenever events are pushed.
func (q *EventQueue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Dropped returns the total number of events evicted on overflow.
func (q *EventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
