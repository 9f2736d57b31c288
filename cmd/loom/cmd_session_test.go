package main

import (
	"strings"
	"testing"
)

func TestSession_IncrementAndGet(t *testing.T) {
	setupHome(t)

	out, _, err := executeCommand("session", "get", "dev")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("get before first session = %q, want 0", out)
	}

	for _, want := range []string{"D1", "D2"} {
		out, _, err := executeCommand("session", "increment", "dev")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if strings.TrimSpace(out) != want {
			t.Errorf("increment = %q, want %s", out, want)
		}
	}

	out, _, _ = executeCommand("session", "get", "dev")
	if strings.TrimSpace(out) != "2" {
		t.Errorf("get = %q, want 2", out)
	}
	out, _, _ = executeCommand("session", "get", "dev", "--label")
	if strings.TrimSpace(out) != "D2" {
		t.Errorf("get --label = %q, want D2", out)
	}

	out, _, _ = executeCommand("session", "increment", "crank")
	if strings.TrimSpace(out) != "C1" {
		t.Errorf("default prefix label = %q, want C1", out)
	}
}
