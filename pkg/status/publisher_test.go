package status_test

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loom/pkg/activity"
	"loom/pkg/protocol"
	"loom/pkg/session"
	"loom/pkg/status"
)

var now = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

type fakeActivity struct {
	mu     sync.Mutex
	active string
}

func (f *fakeActivity) set(id string) {
	f.mu.Lock()
	f.active = id
	f.mu.Unlock()
}

func (f *fakeActivity) SnapshotAt(time.Time) activity.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return activity.Snapshot{
		Active:  activity.Classification{ContextID: f.active, Score: 1},
		Percent: map[string]int{"dev": 40},
		Last:    map[string]time.Time{"dev": now.Add(-time.Second)},
	}
}

type fakePending struct{ err error }

func (f fakePending) PendingCounts(_ context.Context, contexts []string) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]int{}
	for _, id := range contexts {
		out[id] = len(id)
	}
	return out, nil
}

type fakeSessions struct{}

func (fakeSessions) All() (map[string]session.Session, error) {
	return map[string]session.Session{"dev": {Prefix: "D", Value: 12}}, nil
}

type fakeHealth struct {
	h   protocol.HealthSummary
	err error
}

func (f fakeHealth) Health(context.Context) (protocol.HealthSummary, error) { return f.h, f.err }

type recordedEvent struct{ kind, contextID, payload string }

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) Append(_ context.Context, kind, contextID, payload string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{kind, contextID, payload})
	return int64(len(f.events)), nil
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestTick_WritesFullSnapshot(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "status.json")
	cpPath := filepath.Join(dir, "checkpoint.json")
	if _, err := status.WriteCheckpoint(cpPath, now.Add(-10*time.Minute), "cli", ""); err != nil {
		t.Fatal(err)
	}
	started := now.Add(-time.Hour)

	p := status.NewPublisher(status.Options{
		StatusPath:     statusPath,
		CheckpointPath: cpPath,
		Contexts:       []string{"dev", "oracle"},
		Activity:       &fakeActivity{active: "dev"},
		Pending:        fakePending{},
		Sessions:       fakeSessions{},
		Health:         fakeHealth{h: protocol.HealthSummary{HealthScore: 7.5, CriticalCount: 1, WarningCount: 3}},
		Dropped:        func() uint64 { return 4 },
		TickInterval:   30 * time.Second,
		PID:            777,
		StartedAt:      started,
		Logger:         quiet(),
		Now:            func() time.Time { return now },
	})

	if _, err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	snap, err := status.Read(statusPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.ActiveContext != "dev" || snap.Pinned {
		t.Errorf("active = %q pinned=%v", snap.ActiveContext, snap.Pinned)
	}
	if snap.ActivityPercent["dev"] != 40 {
		t.Errorf("dev percent = %d, want 40", snap.ActivityPercent["dev"])
	}
	if v, ok := snap.ActivityPercent["oracle"]; !ok || v != 0 {
		t.Errorf("idle oracle percent = %d (present %v), want 0", v, ok)
	}
	if snap.PendingMessages["oracle"] != 6 {
		t.Errorf("pending[oracle] = %d, want 6", snap.PendingMessages["oracle"])
	}
	if snap.HealthScore == nil || *snap.HealthScore != 7.5 || *snap.CriticalCount != 1 || *snap.WarningCount != 3 {
		t.Errorf("health fields = %v %v %v", snap.HealthScore, snap.CriticalCount, snap.WarningCount)
	}
	if snap.SessionCounters["dev"] != 12 {
		t.Errorf("session counter = %d, want 12", snap.SessionCounters["dev"])
	}
	if snap.LastCheckpointAt == nil || !snap.LastCheckpointAt.Equal(now.Add(-10*time.Minute)) {
		t.Errorf("last checkpoint = %v", snap.LastCheckpointAt)
	}
	if snap.DaemonPID != 777 || snap.DaemonStartedAt == nil || !snap.DaemonStartedAt.Equal(started) {
		t.Errorf("daemon fields = %d %v", snap.DaemonPID, snap.DaemonStartedAt)
	}
	if snap.TickInterval() != 30*time.Second || snap.DroppedActivityTotal != 4 {
		t.Errorf("tick=%s dropped=%d", snap.TickInterval(), snap.DroppedActivityTotal)
	}
	if !snap.GeneratedAt.Equal(now) {
		t.Errorf("generated_at = %v, want %v", snap.GeneratedAt, now)
	}
}

func TestTick_FailingSourcesDegradeToUnknown(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	p := status.NewPublisher(status.Options{
		StatusPath: statusPath,
		Contexts:   []string{"dev"},
		Activity:   &fakeActivity{},
		Pending:    fakePending{err: errors.New("database is locked")},
		Health:     fakeHealth{err: errors.New("audit tool missing")},
		Logger:     quiet(),
	})

	if _, err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick with failing sources: %v", err)
	}
	snap, err := status.Read(statusPath)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.HealthScore != nil || snap.CriticalCount != nil || snap.WarningCount != nil {
		t.Error("health fields should be unknown (nil)")
	}
	if snap.PendingMessages != nil {
		t.Errorf("pending = %v, want unknown", snap.PendingMessages)
	}
	if snap.ActiveContext != "" {
		t.Errorf("active = %q, want none", snap.ActiveContext)
	}
}

func TestTick_PublishesActiveChange(t *testing.T) {
	act := &fakeActivity{active: "dev"}
	events := &fakeEvents{}
	p := status.NewPublisher(status.Options{
		StatusPath: filepath.Join(t.TempDir(), "status.json"),
		Activity:   act,
		Events:     events,
		Logger:     quiet(),
	})
	ctx := context.Background()

	_, _ = p.Tick(ctx)
	_, _ = p.Tick(ctx)
	act.set("oracle")
	_, _ = p.Tick(ctx)

	if len(events.events) != 1 {
		t.Fatalf("published %d events, want 1 (only the change)", len(events.events))
	}
	if e := events.events[0]; e.kind != "active_change" || e.contextID != "oracle" {
		t.Errorf("event = %+v", e)
	}

	if err := p.PublishEvent(ctx, "checkpoint", "", map[string]string{"source": "test"}); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if len(events.events) != 2 {
		t.Errorf("PublishEvent did not append")
	}
}

func TestRead_Missing(t *testing.T) {
	_, err := status.Read(filepath.Join(t.TempDir(), "status.json"))
	if !errors.Is(err, protocol.ErrNoSnapshot) {
		t.Fatalf("Read missing = %v, want ErrNoSnapshot", err)
	}
}

func TestTick_ConcurrentReadersNeverSeeTornSnapshot(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	newPublisher := func() *status.Publisher {
		return status.NewPublisher(status.Options{
			StatusPath: statusPath,
			Contexts:   []string{"oracle", "dev", "dash", "crank"},
			Activity:   &fakeActivity{active: "dev"},
			Pending:    fakePending{},
			Sessions:   fakeSessions{},
			Logger:     quiet(),
		})
	}
	if _, err := newPublisher().Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	const readers, writers, ticks = 6, 3, 40
	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan error, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := status.Read(statusPath)
				if err != nil {
					failures <- err
					return
				}
				if snap.ActiveContext != "dev" {
					failures <- errors.New("snapshot missing active context")
					return
				}
			}
		}()
	}

	var wwg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wwg.Add(1)
		go func() {
			defer wwg.Done()
			p := newPublisher()
			for i := 0; i < ticks; i++ {
				if _, err := p.Tick(context.Background()); err != nil {
					t.Errorf("Tick: %v", err)
					return
				}
			}
		}()
	}
	wwg.Wait()
	close(stop)
	wg.Wait()
	close(failures)

	for err := range failures {
		t.Errorf("reader observed a bad snapshot: %v", err)
	}
}
