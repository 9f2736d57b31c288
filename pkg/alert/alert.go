// Package alert implements the dashboard's checkpoint reminder: a level that
// escalates gentle → nudge → urgent → critical as time passes since the last
// checkpoint, and resets on a new checkpoint or daemon restart.
package alert

import (
	"fmt"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// Level is an escalation step. Levels are ordered; higher is louder.
type Level int

// Alert levels.
const (
	Gentle Level = iota
	Nudge
	Urgent
	Critical
)

func (l Level) String() string {
	switch l {
	case Gentle:
		return "gentle"
	case Nudge:
		return "nudge"
	case Urgent:
		return "urgent"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Thresholds are elapsed durations at which each level starts.
type Thresholds struct {
	Nudge    time.Duration
	Urgent   time.Duration
	Critical time.Duration
}

// DefaultThresholds returns 20m / 25m / 30m.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Nudge:    protocol.DefaultNudgeAfter,
		Urgent:   protocol.DefaultUrgentAfter,
		Critical: protocol.DefaultCriticalAfter,
	}
}

// LevelFor maps an elapsed duration to its level.
func (t Thresholds) LevelFor(elapsed time.Duration) Level {
	switch {
	case elapsed >= t.Critical:
		return Critical
	case elapsed >= t.Urgent:
		return Urgent
	case elapsed >= t.Nudge:
		return Nudge
	default:
		return Gentle
	}
}

// Transition describes an escalation produced by Evaluate.
type Transition struct {
	From    Level
	To      Level
	At      time.Time
	Elapsed time.Duration
	// Fire is true when the new level should ring: it escalated past
	// gentle and is not acknowledged.
	Fire bool
}

// State is one dashboard's alert state. It is safe for concurrent use.
type State struct {
	thresholds Thresholds

	mu           sync.Mutex
	level        Level
	baseline     time.Time
	lastFiredAt  time.Time
	acknowledged bool
}

// NewState returns a State at Gentle.
func NewState(t Thresholds) *State {
	return &State{thresholds: t}
}

// Evaluate advances the state for the given baseline (last checkpoint or
// daemon start) at now. A baseline later than the one seen before is a
// checkpoint and resets to Gentle. Otherwise the level only moves up.
func (s *State) Evaluate(baseline, now time.Time) (Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if baseline.After(s.baseline) {
		s.resetLocked(baseline)
	}
	if s.baseline.IsZero() {
		return Transition{}, false
	}

	elapsed := now.Sub(s.baseline)
	next := s.thresholds.LevelFor(elapsed)
	if next <= s.level {
		return Transition{}, false
	}

	t := Transition{From: s.level, To: next, At: now, Elapsed: elapsed}
	s.level = next
	s.acknowledged = false
	if next > Gentle {
		t.Fire = true
		s.lastFiredAt = now
	}
	return t, true
}

// Checkpoint resets the state to Gentle with a fresh baseline.
func (s *State) Checkpoint(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(at)
}

func (s *State) resetLocked(baseline time.Time) {
	s.baseline = baseline
	s.level = Gentle
	s.acknowledged = false
	s.lastFiredAt = time.Time{}
}

// Acknowledge silences the current level. Reaching a higher level clears it.
func (s *State) Acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.level > Gentle {
		s.acknowledged = true
	}
}

// Level returns the current level.
func (s *State) Level() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Acknowledged reports whether the current level was acknowledged.
func (s *State) Acknowledged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acknowledged
}

// LastFiredAt returns when the last escalation rang, or zero.
func (s *State) LastFiredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFiredAt
}

// Elapsed returns the time since the baseline at now, or zero when no
// baseline is known.
func (s *State) Elapsed(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseline.IsZero() {
		return 0
	}
	return now.Sub(s.baseline)
}

// Remaining returns the time left before the next level, or zero at Critical.
func (s *State) Remaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseline.IsZero() {
		return 0
	}
	var next time.Duration
	switch s.level {
	case Gentle:
		next = s.thresholds.Nudge
	case Nudge:
		next = s.thresholds.Urgent
	case Urgent:
		next = s.thresholds.Critical
	default:
		return 0
	}
	if left := next - now.Sub(s.baseline); left > 0 {
		return left
	}
	return 0
}
