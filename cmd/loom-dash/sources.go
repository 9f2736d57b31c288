package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/pkg/config"
	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/status"
	"loom/pkg/store"
)

// eventTailSize bounds the events kept for display.
const eventTailSize = 50

// Sources is everything the model reads from or writes to disk.
type Sources interface {
	Snapshot() (*protocol.StatusSnapshot, error)
	Checkpoint() (*protocol.Checkpoint, error)
	EventsSince(ctx context.Context, afterID int64) ([]eventlog.Event, error)
	RecordCheckpoint(ctx context.Context, at time.Time) (*protocol.Checkpoint, error)
	SavePrefs(p Prefs) error
}

// fileSources reads the state files under a loom home.
type fileSources struct {
	paths *config.Paths

	mu     sync.Mutex
	reader *eventlog.Reader
	primed bool
}

func newFileSources(paths *config.Paths) *fileSources {
	return &fileSources{paths: paths}
}

func (s *fileSources) Snapshot() (*protocol.StatusSnapshot, error) {
	return status.Read(s.paths.StatusPath)
}

func (s *fileSources) Checkpoint() (*protocol.Checkpoint, error) {
	return status.ReadCheckpoint(s.paths.CheckpointPath)
}

// EventsSince returns events newer than afterID. On the first call it starts
// from the tail of the log instead of replaying history. A missing database
// yields no events; the reader is retried on the next call.
func (s *fileSources) EventsSince(ctx context.Context, afterID int64) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		r, err := eventlog.NewReader(s.paths.StateDBPath)
		if err != nil {
			return nil, nil //nolint:nilerr // no database yet means no events yet
		}
		s.reader = r
	}
	if !s.primed && afterID == 0 {
		latest, err := s.reader.LatestID(ctx)
		if err != nil {
			return nil, err
		}
		afterID = max(0, latest-eventTailSize)
	}
	s.primed = true
	return s.reader.Since(ctx, afterID, eventTailSize)
}

// RecordCheckpoint writes the checkpoint file and logs a checkpoint event.
// The event is best effort: the file is what resets alerts.
func (s *fileSources) RecordCheckpoint(ctx context.Context, at time.Time) (*protocol.Checkpoint, error) {
	cp, err := status.WriteCheckpoint(s.paths.CheckpointPath, at, "dashboard", "")
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, s.paths.StateDBPath)
	if err != nil {
		return cp, fmt.Errorf("checkpoint saved; event not logged: %w", err)
	}
	defer db.Close()
	payload, _ := json.Marshal(cp)
	if _, err := eventlog.NewWriter(db, "dashboard").Append(ctx, eventlog.KindCheckpoint, "", string(payload)); err != nil {
		return cp, fmt.Errorf("checkpoint saved; event not logged: %w", err)
	}
	return cp, nil
}

func (s *fileSources) SavePrefs(p Prefs) error {
	return savePrefs(s.paths.DashboardPrefsPath, p)
}

// Close releases the event log reader.
func (s *fileSources) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
