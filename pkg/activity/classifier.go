// Package activity decides which context is active right now.
//
// Each context keeps the timestamps of its events inside a rolling horizon H.
// The classification score is recency, r = clamp(1 - age(last)/H, 0, 1), so
// the context with the most recent event wins. Ties break by latest event
// timestamp, then in-window event count, then lexicographically smaller id.
// A context whose last event has aged past H scores 0 and is never active.
//
// Activity intensity is the linearly decayed event count,
// i = Σ (1 - age/H), and is reported as min(100, round(100*i/S)) percent
// for a saturation S.
package activity

import (
	"math"
	"sort"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// maxEventsPerContext bounds memory under sustained churn; the oldest
// timestamps are dropped first, which only lowers intensity.
const maxEventsPerContext = 4096

// Options configures a Classifier. Zero values take the package defaults.
type Options struct {
	Horizon    time.Duration
	Saturation float64
	Now        func() time.Time
}

// Classification is the result of Classify.
type Classification struct {
	ContextID   string    // "" when no context is active
	Pinned      bool      // result forced by Override
	PinnedUntil time.Time // zero unless Pinned
	Score       float64   // recency score of ContextID, 1 when pinned
}

// Snapshot is everything the publisher needs from one consistent read.
type Snapshot struct {
	Active  Classification
	Percent map[string]int
	Last    map[string]time.Time
	Counts  map[string]int
}

type window struct {
	stamps []time.Time // ascending
}

type override struct {
	contextID string
	until     time.Time
}

// Classifier is safe for concurrent use.
type Classifier struct {
	horizon    time.Duration
	saturation float64
	now        func() time.Time

	mu       sync.Mutex
	windows  map[string]*window
	override *override
}

// New creates a classifier that reports percentages for every id in
// contexts, including idle ones.
func New(contexts []string, opts Options) *Classifier {
	if opts.Horizon <= 0 {
		opts.Horizon = protocol.DefaultHorizon
	}
	if opts.Saturation <= 0 {
		opts.Saturation = protocol.DefaultSaturation
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Classifier{
		horizon:    opts.Horizon,
		saturation: opts.Saturation,
		now:        opts.Now,
		windows:    make(map[string]*window, len(contexts)),
	}
	for _, id := range contexts {
		c.windows[id] = &window{}
	}
	return c
}

// Ingest records one activity event. Events with no context are ignored.
func (c *Classifier) Ingest(ev protocol.ActivityEvent) {
	if ev.ContextID == "" {
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[ev.ContextID]
	if !ok {
		w = &window{}
		c.windows[ev.ContextID] = w
	}
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(ts) })
	w.stamps = append(w.stamps, time.Time{})
	copy(w.stamps[i+1:], w.stamps[i:])
	w.stamps[i] = ts
	if len(w.stamps) > maxEventsPerContext {
		w.stamps = w.stamps[len(w.stamps)-maxEventsPerContext:]
	}
}

// Classify returns the active context at the classifier's current time.
func (c *Classifier) Classify() Classification {
	return c.ClassifyAt(c.now())
}

// ClassifyAt returns the active context at now.
func (c *Classifier) ClassifyAt(now time.Time) Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	return c.classifyLocked(now)
}

// Override pins the classification to contextID for ttl.
func (c *Classifier) Override(contextID string, ttl time.Duration) {
	c.OverrideUntil(contextID, c.now().Add(ttl))
}

// OverrideUntil pins the classification to contextID until the given instant.
func (c *Classifier) OverrideUntil(contextID string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = &override{contextID: contextID, until: until}
}

// ClearOverride ends a pin early. It is a no-op without one.
func (c *Classifier) ClearOverride() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = nil
}

// Percentages returns per-context activity percent at the current time.
func (c *Classifier) Percentages() map[string]int {
	return c.SnapshotAt(c.now()).Percent
}

// SnapshotAt returns classification, percentages, last event times, and
// in-window counts computed under one lock.
func (c *Classifier) SnapshotAt(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)

	s := Snapshot{
		Active:  c.classifyLocked(now),
		Percent: make(map[string]int, len(c.windows)),
		Last:    make(map[string]time.Time, len(c.windows)),
		Counts:  make(map[string]int, len(c.windows)),
	}
	for id, w := range c.windows {
		s.Percent[id] = c.percent(w, now)
		s.Counts[id] = len(w.stamps)
		if n := len(w.stamps); n > 0 {
			s.Last[id] = w.stamps[n-1]
		}
	}
	return s
}

func (c *Classifier) classifyLocked(now time.Time) Classification {
	if c.override != nil {
		if now.Before(c.override.until) {
			return Classification{
				ContextID:   c.override.contextID,
				Pinned:      true,
				PinnedUntil: c.override.until,
				Score:       1,
			}
		}
		c.override = nil
	}

	var (
		best      string
		bestScore float64
		bestLast  time.Time
		bestCount int
	)
	for id, w := range c.windows {
		n := len(w.stamps)
		if n == 0 {
			continue
		}
		last := w.stamps[n-1]
		score := c.recency(last, now)
		if score <= 0 {
			continue
		}
		if best == "" || better(score, last, n, id, bestScore, bestLast, bestCount, best) {
			best, bestScore, bestLast, bestCount = id, score, last, n
		}
	}
	return Classification{ContextID: best, Score: bestScore}
}

// better applies the tie-break order: score, latest event, count, id.
func better(score float64, last time.Time, count int, id string,
	bScore float64, bLast time.Time, bCount int, bID string) bool {
	if score != bScore {
		return score > bScore
	}
	if !last.Equal(bLast) {
		return last.After(bLast)
	}
	if count != bCount {
		return count > bCount
	}
	return id < bID
}

func (c *Classifier) recency(last, now time.Time) float64 {
	age := now.Sub(last)
	if age < 0 {
		age = 0
	}
	r := 1 - float64(age)/float64(c.horizon)
	return math.Max(0, math.Min(1, r))
}

func (c *Classifier) percent(w *window, now time.Time) int {
	var intensity float64
	for _, ts := range w.stamps {
		intensity += c.recency(ts, now)
	}
	p := int(math.Round(100 * intensity / c.saturation))
	if p > 100 {
		p = 100
	}
	return p
}

// expireLocked drops timestamps older than the horizon.
func (c *Classifier) expireLocked(now time.Time) {
	cutoff := now.Add(-c.horizon)
	for _, w := range c.windows {
		i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
		if i > 0 {
			w.stamps = append(w.stamps[:0], w.stamps[i:]...)
		}
	}
}
