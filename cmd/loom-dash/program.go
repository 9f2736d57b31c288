package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"loom/pkg/protocol"
)

// program is the part of *tea.Program the supervisor drives.
type program interface {
	Run() (tea.Model, error)
	Quit()
	Kill()
}

// runProgram runs m full screen and enforces the shutdown grace period.
func runProgram(ctx context.Context, m Model, grace time.Duration) error {
	quit := newQuitSignal()
	m.quit = quit
	p := tea.NewProgram(m, tea.WithAltScreen())
	return supervise(ctx, p, quit.Done(), grace)
}

// supervise runs p until it exits. Once a quit is requested (key press or
// ctx cancelled) p gets grace to exit cleanly; after that it is killed,
// which restores the terminal.
func supervise(ctx context.Context, p program, quitRequested <-chan struct{}, grace time.Duration) error {
	if grace <= 0 {
		grace = protocol.DefaultShutdownGrace
	}
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case err := <-done:
		return runResult(err)
	case <-ctx.Done():
		p.Quit()
	case <-quitRequested:
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return runResult(err)
	case <-timer.C:
	}

	p.Kill()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("dashboard did not exit within %s of being killed", 2*grace)
	}
}

func runResult(err error) error {
	if err == nil || errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, tea.ErrInterrupted) {
		return nil
	}
	return &protocol.RenderError{Reason: "interactive program failed", Err: err}
}
