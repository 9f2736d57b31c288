package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"loom/pkg/protocol"
	"loom/pkg/status"
)

// TestStatusWatcher_ReportsReplace verifies that an atomic replace of the
// status file yields fsChangeMsg, and that unrelated files in the same
// directory do not.
func TestStatusWatcher_ReportsReplace(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, protocol.StatusFile)

	w := watchStatusFile(statusPath)
	if w == nil {
		t.Fatal("watchStatusFile returned nil, expected a watcher")
	}
	t.Cleanup(func() { _ = w.Close() })

	msgChan := make(chan tea.Msg, 1)
	go func() { msgChan <- w.Next()() }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "daemon.log"), []byte("noise"), 0o600); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case msg := <-msgChan:
		t.Fatalf("got %T for an unrelated file", msg)
	case <-time.After(300 * time.Millisecond):
	}

	if err := status.Write(statusPath, &protocol.StatusSnapshot{GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("write status: %v", err)
	}

	select {
	case msg := <-msgChan:
		if _, ok := msg.(fsChangeMsg); !ok {
			t.Errorf("expected fsChangeMsg, got %T", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsChangeMsg after status write")
	}
}

func TestStatusWatcher_MissingDirFallsBack(t *testing.T) {
	w := watchStatusFile(filepath.Join(t.TempDir(), "nope", protocol.StatusFile))
	if w != nil {
		t.Fatal("expected nil watcher for a missing directory")
	}
	if w.Next() != nil {
		t.Error("nil watcher returned a command")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close on nil watcher: %v", err)
	}
}

func TestStatusWatcher_CloseEndsNext(t *testing.T) {
	w := watchStatusFile(filepath.Join(t.TempDir(), protocol.StatusFile))
	if w == nil {
		t.Fatal("watchStatusFile returned nil")
	}

	msgChan := make(chan tea.Msg, 1)
	go func() { msgChan <- w.Next()() }()
	time.Sleep(50 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case msg := <-msgChan:
		if msg != nil {
			t.Errorf("Next after Close returned %T, want nil", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
