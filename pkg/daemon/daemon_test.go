package daemon_test

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/config"
	"loom/pkg/daemon"
	"loom/pkg/eventlog"
	"loom/pkg/fsutil"
	"loom/pkg/protocol"
	"loom/pkg/status"
)

const testRegistry = `contexts:
  - id: oracle
    coordinator: true
    paths: [oracle]
  - id: dev
    paths: [app]
`

const testConfig = `[daemon]
tick_interval = "50ms"

[watcher]
debounce = "50ms"
force_poll = true
poll_interval = "25ms"
`

type harness struct {
	paths    *config.Paths
	root     string
	registry string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	home := t.TempDir()
	root := t.TempDir()
	for _, dir := range []string{"oracle", "app"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	reg := filepath.Join(root, "contexts.yaml")
	if err := os.WriteFile(reg, []byte(testRegistry), 0o600); err != nil {
		t.Fatal(err)
	}
	paths := config.PathsFor(home)
	if err := os.WriteFile(paths.ConfigPath, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	return &harness{paths: paths, root: root, registry: reg}
}

func (h *harness) options(pid int, ready chan<- struct{}) daemon.Options {
	return daemon.Options{
		Paths:        h.paths,
		RegistryPath: h.registry,
		PID:          pid,
		Logger:       log.New(io.Discard, "", 0),
		Ready:        func() { close(ready) },
	}
}

// start runs a daemon in the background and returns a stop function that
// cancels it and returns Run's error.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- daemon.Run(ctx, h.options(os.Getpid(), ready)) }()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	stopped := false
	var result error
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_SecondInstanceFailsAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	stop := h.start(t)

	first, err := status.Read(h.paths.StatusPath)
	if err != nil {
		t.Fatalf("status after ready: %v", err)
	}

	ready := make(chan struct{})
	err = daemon.Run(context.Background(), h.options(99999, ready))
	if !errors.Is(err, protocol.ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
	var ce *protocol.ConcurrencyError
	if !errors.As(err, &ce) || ce.HolderPID != os.Getpid() {
		t.Errorf("ConcurrencyError = %+v, want holder %d", ce, os.Getpid())
	}

	// The first instance keeps publishing.
	waitFor(t, "a newer snapshot", func() bool {
		snap, err := status.Read(h.paths.StatusPath)
		return err == nil && snap.GeneratedAt.After(first.GeneratedAt)
	})
	snap, _ := status.Read(h.paths.StatusPath)
	if snap.DaemonPID != os.Getpid() {
		t.Errorf("daemon_pid = %d, want %d", snap.DaemonPID, os.Getpid())
	}

	if err := stop(); err != nil {
		t.Fatalf("clean stop returned %v", err)
	}
	held, err := fsutil.IsLockHeld(h.paths.DaemonLockPath)
	if err != nil || held {
		t.Errorf("lock held after stop = %v, %v", held, err)
	}
}

func TestRun_ClassifiesFileActivity(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	if err := os.WriteFile(filepath.Join(h.root, "app", "main.go"), []byte("package main\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "dev to become active", func() bool {
		snap, err := status.Read(h.paths.StatusPath)
		return err == nil && snap.ActiveContext == "dev" && snap.ActivityPercent["dev"] > 0
	})
}

func TestRun_AppliesPin(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	pin := protocol.Pin{ContextID: "oracle", Until: time.Now().Add(time.Minute), SetBy: "test"}
	if err := status.WritePin(h.paths.PinPath, pin); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pinned oracle", func() bool {
		snap, err := status.Read(h.paths.StatusPath)
		return err == nil && snap.ActiveContext == "oracle" && snap.Pinned
	})

	if err := status.ClearPin(h.paths.PinPath); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pin cleared", func() bool {
		snap, err := status.Read(h.paths.StatusPath)
		return err == nil && !snap.Pinned
	})
}

func TestRun_PinAppliesBeforeNextTick(t *testing.T) {
	h := newHarness(t)
	slow := `[daemon]
tick_interval = "1h"

[watcher]
force_poll = true
`
	if err := os.WriteFile(h.paths.ConfigPath, []byte(slow), 0o600); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	pin := protocol.Pin{ContextID: "oracle", Until: time.Now().Add(time.Minute), SetBy: "test"}
	if err := status.WritePin(h.paths.PinPath, pin); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pinned oracle without a tick", func() bool {
		snap, err := status.Read(h.paths.StatusPath)
		return err == nil && snap.ActiveContext == "oracle" && snap.Pinned
	})
}

func TestAcquireLock_WaitsOutBriefHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	holder := fsutil.NewFileLock(path, "status check")
	if err := holder.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Unlock()
	}()

	lock, err := daemon.AcquireLock(path, 4242)
	if err != nil {
		t.Fatalf("AcquireLock with a brief holder: %v", err)
	}
	defer lock.Unlock()
	if pid := fsutil.ReadHolderPID(path); pid != 4242 {
		t.Errorf("holder PID = %d, want 4242", pid)
	}
}

func TestAcquireLock_HeldIsAlreadyRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	first, err := daemon.AcquireLock(path, 4242)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer first.Unlock()

	_, err = daemon.AcquireLock(path, 99)
	if !errors.Is(err, protocol.ErrAlreadyRunning) {
		t.Fatalf("second AcquireLock = %v, want ErrAlreadyRunning", err)
	}
	var ce *protocol.ConcurrencyError
	if !errors.As(err, &ce) || ce.HolderPID != 4242 {
		t.Errorf("ConcurrencyError = %+v, want holder 4242", ce)
	}
}

func TestRun_RecordsLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	stop := h.start(t)
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	r, err := eventlog.NewReader(h.paths.StateDBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for _, kind := range []string{eventlog.KindDaemonStart, eventlog.KindDaemonStop} {
		evs, err := r.Query(context.Background(), eventlog.QueryOpts{EventType: kind})
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 1 {
			t.Errorf("%s events = %d, want 1", kind, len(evs))
		}
	}
}

func TestRun_InvalidRegistryFailsFast(t *testing.T) {
	h := newHarness(t)
	if err := os.WriteFile(h.registry, []byte("contexts: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ready := make(chan struct{})
	err := daemon.Run(context.Background(), h.options(os.Getpid(), ready))
	var cfgErr *protocol.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Run = %v, want ConfigError", err)
	}
	if _, err := os.Stat(h.paths.StatusPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("status file written despite config failure")
	}
	held, _ := fsutil.IsLockHeld(h.paths.DaemonLockPath)
	if held {
		t.Error("lock still held after failed start")
	}
}

func TestHealthSource(t *testing.T) {
	if daemon.HealthSource(config.HealthConfig{}, nil) != nil {
		t.Error("no source configured should yield nil")
	}
	if _, ok := daemon.HealthSource(config.HealthConfig{Source: "file", File: "h.json"}, nil).(*status.FileHealthSource); !ok {
		t.Error("file source not built")
	}
	if _, ok := daemon.HealthSource(config.HealthConfig{Source: "command", Command: []string{"audit"}}, nil).(*status.CommandHealthSource); !ok {
		t.Error("command source not built")
	}
}
