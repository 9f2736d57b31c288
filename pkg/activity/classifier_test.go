package activity_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"loom/pkg/activity"
	"loom/pkg/protocol"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeClock is a settable time source.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newClassifier(clock *fakeClock, ids ...string) *activity.Classifier {
	return activity.New(ids, activity.Options{Horizon: 300 * time.Second, Saturation: 40, Now: clock.Now})
}

func ev(ctx string, at time.Duration) protocol.ActivityEvent {
	return protocol.ActivityEvent{ContextID: ctx, Path: "/x/" + ctx, Kind: protocol.KindModify, Timestamp: t0.Add(at)}
}

func TestClassify_NoActivity(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := newClassifier(clock, "dev", "oracle")
	if got := c.Classify(); got.ContextID != "" {
		t.Errorf("Classify() with no events = %q, want none", got.ContextID)
	}
}

func TestClassify_MostRecentEventWins(t *testing.T) {
	ids := []string{"oracle", "dev", "dash", "crank"}
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		clock := &fakeClock{}
		c := newClassifier(clock, ids...)

		// Distinct timestamps, ascending, random context each step.
		var last protocol.ActivityEvent
		offset := time.Duration(0)
		n := 1 + rng.Intn(50)
		for i := 0; i < n; i++ {
			offset += time.Duration(1+rng.Intn(5000)) * time.Millisecond
			e := ev(ids[rng.Intn(len(ids))], offset)
			c.Ingest(e)
			last = e
		}
		clock.now = last.Timestamp.Add(time.Duration(rng.Intn(1000)) * time.Millisecond)

		if got := c.Classify().ContextID; got != last.ContextID {
			t.Fatalf("trial %d: Classify() = %q, want %q (most recent event)", trial, got, last.ContextID)
		}
	}
}

func TestClassify_OutOfOrderIngest(t *testing.T) {
	clock := &fakeClock{now: t0.Add(20 * time.Second)}
	c := newClassifier(clock, "dev", "oracle")

	c.Ingest(ev("oracle", 15*time.Second))
	c.Ingest(ev("dev", 10*time.Second))

	if got := c.Classify().ContextID; got != "oracle" {
		t.Errorf("Classify() = %q, want oracle (latest timestamp, not latest ingest)", got)
	}
}

func TestClassify_TieBreaks(t *testing.T) {
	tests := []struct {
		name   string
		events []protocol.ActivityEvent
		want   string
	}{
		{
			name:   "same timestamp, higher count wins",
			events: []protocol.ActivityEvent{ev("dev", 1*time.Second), ev("oracle", 5*time.Second), ev("dev", 5*time.Second)},
			want:   "dev",
		},
		{
			name:   "same timestamp and count, lexicographic id",
			events: []protocol.ActivityEvent{ev("oracle", 5*time.Second), ev("dev", 5*time.Second)},
			want:   "dev",
		},
		{
			name:   "ingest order does not matter",
			events: []protocol.ActivityEvent{ev("dev", 5*time.Second), ev("oracle", 5*time.Second)},
			want:   "dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for run := 0; run < 10; run++ {
				clock := &fakeClock{now: t0.Add(6 * time.Second)}
				c := newClassifier(clock, "oracle", "dev")
				for _, e := range tt.events {
					c.Ingest(e)
				}
				if got := c.Classify().ContextID; got != tt.want {
					t.Fatalf("run %d: Classify() = %q, want %q", run, got, tt.want)
				}
			}
		})
	}
}

func TestClassify_DevThenOracleScenario(t *testing.T) {
	clock := &fakeClock{}
	c := newClassifier(clock, "dev", "oracle")

	for s := 0; s <= 60; s++ {
		c.Ingest(ev("dev", time.Duration(s)*time.Second))
	}
	for s := 65; s <= 70; s++ {
		c.Ingest(ev("oracle", time.Duration(s)*time.Second))
	}
	clock.now = t0.Add(70 * time.Second)

	got := c.Classify()
	if got.ContextID != "oracle" {
		t.Fatalf("Classify() at t=70 = %q, want oracle", got.ContextID)
	}

	snap := c.SnapshotAt(clock.now)
	if snap.Counts["dev"] <= snap.Counts["oracle"] {
		t.Fatalf("scenario precondition: dev count %d should exceed oracle %d", snap.Counts["dev"], snap.Counts["oracle"])
	}
	if snap.Percent["dev"] <= snap.Percent["oracle"] {
		t.Errorf("dev percent %d should exceed oracle %d (more decayed events)", snap.Percent["dev"], snap.Percent["oracle"])
	}
}

func TestClassify_DecaysToNone(t *testing.T) {
	clock := &fakeClock{}
	c := newClassifier(clock, "dev")
	c.Ingest(ev("dev", 0))

	clock.now = t0.Add(299 * time.Second)
	if got := c.Classify().ContextID; got != "dev" {
		t.Errorf("at 299s Classify() = %q, want dev", got)
	}
	clock.now = t0.Add(300 * time.Second)
	if got := c.Classify().ContextID; got != "" {
		t.Errorf("at horizon Classify() = %q, want none", got)
	}
	if p := c.Percentages()["dev"]; p != 0 {
		t.Errorf("percent after horizon = %d, want 0", p)
	}
}

func TestOverride(t *testing.T) {
	clock := &fakeClock{now: t0.Add(10 * time.Second)}
	c := newClassifier(clock, "dev", "oracle")
	c.Ingest(ev("dev", 9*time.Second))

	c.Override("oracle", time.Minute)
	got := c.Classify()
	if got.ContextID != "oracle" || !got.Pinned {
		t.Fatalf("pinned Classify() = %+v, want oracle pinned", got)
	}
	if !got.PinnedUntil.Equal(t0.Add(70 * time.Second)) {
		t.Errorf("PinnedUntil = %v, want +60s", got.PinnedUntil)
	}

	clock.now = t0.Add(71 * time.Second)
	c.Ingest(ev("dev", 71*time.Second))
	if got := c.Classify(); got.ContextID != "dev" || got.Pinned {
		t.Errorf("after ttl Classify() = %+v, want automatic dev", got)
	}

	c.Override("oracle", time.Hour)
	c.ClearOverride()
	if got := c.Classify(); got.Pinned {
		t.Errorf("ClearOverride left pin in place: %+v", got)
	}
	c.ClearOverride()
}

func TestPercentages(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := activity.New([]string{"dev", "idle"}, activity.Options{Horizon: 100 * time.Second, Saturation: 10, Now: clock.Now})

	for i := 0; i < 5; i++ {
		c.Ingest(ev("dev", 0))
	}
	p := c.Percentages()
	if p["dev"] != 50 {
		t.Errorf("5 fresh events / saturation 10 = %d%%, want 50", p["dev"])
	}
	if v, ok := p["idle"]; !ok || v != 0 {
		t.Errorf("idle context percent = %d (present %v), want 0 and present", v, ok)
	}

	clock.now = t0.Add(50 * time.Second)
	if got := c.Percentages()["dev"]; got != 25 {
		t.Errorf("half-decayed percent = %d, want 25", got)
	}

	for i := 0; i < 50; i++ {
		c.Ingest(ev("dev", 50*time.Second))
	}
	if got := c.Percentages()["dev"]; got != 100 {
		t.Errorf("saturated percent = %d, want capped at 100", got)
	}
}

func TestIngest_UnknownContextTracked(t *testing.T) {
	clock := &fakeClock{now: t0.Add(time.Second)}
	c := newClassifier(clock, "dev")
	c.Ingest(ev("stranger", 0))
	c.Ingest(protocol.ActivityEvent{Path: "/nowhere", Timestamp: t0})

	snap := c.SnapshotAt(clock.now)
	if snap.Active.ContextID != "stranger" {
		t.Errorf("active = %q, want stranger", snap.Active.ContextID)
	}
	if _, ok := snap.Percent[""]; ok {
		t.Error("event without context was ingested")
	}
}

func BenchmarkIngestClassify(b *testing.B) {
	clock := &fakeClock{now: t0}
	ids := []string{"a", "b", "c", "d"}
	c := newClassifier(clock, ids...)
	for i := 0; i < b.N; i++ {
		c.Ingest(protocol.ActivityEvent{ContextID: ids[i%4], Path: fmt.Sprint(i), Timestamp: t0})
		_ = c.Classify()
	}
}
