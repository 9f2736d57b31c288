package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/pkg/protocol"
)

const cliRegistry = `contexts:
  - id: oracle
    coordinator: true
    paths: [oracle]
  - id: dev
    prefix: D
    paths: [app]
  - id: crank
    paths: [tools]
handoff_rules:
  crank:
    dev: [bug_report]
`

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// setupHome points loom at a fresh state directory and registry.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	root := t.TempDir()
	reg := filepath.Join(root, "contexts.yaml")
	if err := os.WriteFile(reg, []byte(cliRegistry), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOOM_HOME", home)
	t.Setenv("LOOM_REGISTRY", reg)
	t.Setenv("LOOM_STATUS_PATH", "")
	t.Setenv("LOOM_DB_PATH", "")
	t.Setenv("LOOM_CONFIG", "")
	return home
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help shows usage", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "loom", "daemon", "status", "messages", "session", "monitor", "checkpoint", "context") {
			t.Errorf("expected root help to list all subcommands, got:\n%s", out)
		}
	})

	t.Run("root --version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(out, "loom ") {
			t.Errorf("expected version output to start with 'loom ', got: %s", out)
		}
	})

	t.Run("daemon start --help shows flags", func(t *testing.T) {
		out, _, err := executeCommand("daemon", "start", "--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !containsAll(out, "--foreground", "--wait") {
			t.Errorf("expected start help to show flags, got:\n%s", out)
		}
	})

	t.Run("messages send requires four args", func(t *testing.T) {
		if _, _, err := executeCommand("messages", "send", "dev", "oracle"); err == nil {
			t.Error("expected an argument error")
		}
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"generic", errors.New("boom"), exitFailure},
		{"config", fmt.Errorf("load: %w", &protocol.ConfigError{Path: "x.yaml", Reason: "bad"}), exitConfig},
		{"session lock", &protocol.ConcurrencyError{Resource: "session registry", Err: protocol.ErrLocked}, exitTempFail},
		{"already running", &protocol.ConcurrencyError{Resource: "daemon", Err: protocol.ErrAlreadyRunning}, exitTempFail},
		{"crash", &exitError{code: exitSoftware, err: errors.New("db gone")}, exitSoftware},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
