package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"loom/pkg/protocol"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeProgram stands in for *tea.Program. It exits when quit (unless
// hanging) or killed, or immediately with runErr.
type fakeProgram struct {
	hang   bool
	runErr error

	stop     chan struct{}
	stopOnce sync.Once
	quitted  atomic.Bool
	killed   atomic.Bool
}

func newFakeProgram() *fakeProgram {
	return &fakeProgram{stop: make(chan struct{})}
}

func (p *fakeProgram) Run() (tea.Model, error) {
	if p.runErr != nil {
		return nil, p.runErr
	}
	<-p.stop
	if p.killed.Load() {
		return nil, tea.ErrProgramKilled
	}
	return nil, nil
}

func (p *fakeProgram) Quit() {
	p.quitted.Store(true)
	if !p.hang {
		p.stopOnce.Do(func() { close(p.stop) })
	}
}

func (p *fakeProgram) Kill() {
	p.killed.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
}

func TestSupervise(t *testing.T) {
	const grace = 30 * time.Millisecond

	t.Run("signal with clean exit", func(t *testing.T) {
		p := newFakeProgram()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := supervise(ctx, p, nil, grace); err != nil {
			t.Fatalf("supervise: %v", err)
		}
		if !p.quitted.Load() || p.killed.Load() {
			t.Errorf("quit=%v killed=%v, want quit only", p.quitted.Load(), p.killed.Load())
		}
	})

	t.Run("signal with hung exit is killed", func(t *testing.T) {
		p := newFakeProgram()
		p.hang = true
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		if err := supervise(ctx, p, nil, grace); err != nil {
			t.Fatalf("supervise: %v", err)
		}
		if !p.killed.Load() {
			t.Fatal("hung program was not killed")
		}
		if waited := time.Since(start); waited < grace {
			t.Errorf("killed after %v, before the %v grace period", waited, grace)
		}
	})

	t.Run("quit key with hung exit is killed", func(t *testing.T) {
		p := newFakeProgram()
		p.hang = true
		q := newQuitSignal()
		q.fire()
		if err := supervise(context.Background(), p, q.Done(), grace); err != nil {
			t.Fatalf("supervise: %v", err)
		}
		if p.quitted.Load() {
			t.Error("supervisor sent Quit though the model already quit")
		}
		if !p.killed.Load() {
			t.Error("hung program was not killed")
		}
	})

	t.Run("program failure", func(t *testing.T) {
		p := newFakeProgram()
		p.runErr = errors.New("could not open a new TTY")
		err := supervise(context.Background(), p, nil, grace)
		var re *protocol.RenderError
		if !errors.As(err, &re) {
			t.Fatalf("err = %v, want *protocol.RenderError", err)
		}
	})
}

func TestRunResult(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"clean", nil, false},
		{"killed", tea.ErrProgramKilled, false},
		{"interrupted", tea.ErrInterrupted, false},
		{"failure", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runResult(tt.err); (err != nil) != tt.wantErr {
				t.Errorf("runResult(%v) = %v, wantErr %v", tt.err, err, tt.wantErr)
			}
		})
	}
}
