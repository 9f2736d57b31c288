package protocol_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"loom/pkg/protocol"
)

func TestConcurrencyError_IsLocked(t *testing.T) {
	err := fmt.Errorf("increment dev: %w", &protocol.ConcurrencyError{
		Resource: "session registry",
		Waited:   5 * time.Second,
		Err:      protocol.ErrLocked,
	})

	if !errors.Is(err, protocol.ErrLocked) {
		t.Fatal("errors.Is(err, ErrLocked) = false, want true")
	}
	if errors.Is(err, protocol.ErrAlreadyRunning) {
		t.Fatal("errors.Is(err, ErrAlreadyRunning) = true, want false")
	}

	var target *protocol.ConcurrencyError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to extract ConcurrencyError")
	}
	if target.Resource != "session registry" {
		t.Errorf("Resource = %q, want %q", target.Resource, "session registry")
	}
}

func TestConcurrencyError_MessageNamesHolder(t *testing.T) {
	err := &protocol.ConcurrencyError{Resource: "daemon", HolderPID: 4242, Err: protocol.ErrAlreadyRunning}

	msg := err.Error()
	if !strings.Contains(msg, "already running") {
		t.Errorf("message %q missing cause", msg)
	}
	if !strings.Contains(msg, "4242") {
		t.Errorf("message %q missing holder PID", msg)
	}
}

func TestConfigError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *protocol.ConfigError
		want []string
	}{
		{
			name: "path and field",
			err:  &protocol.ConfigError{Path: "/x/contexts.yaml", Field: "contexts[1].id", Reason: "duplicate id \"dev\""},
			want: []string{"/x/contexts.yaml", "contexts[1].id", "duplicate id"},
		},
		{
			name: "wrapped cause",
			err:  &protocol.ConfigError{Path: "c.yaml", Reason: "parse", Err: errors.New("yaml: line 3")},
			want: []string{"c.yaml", "parse", "yaml: line 3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, w := range tt.want {
				if !strings.Contains(msg, w) {
					t.Errorf("Error() = %q, missing %q", msg, w)
				}
			}
		})
	}
}

func TestTransientIOError_Unwraps(t *testing.T) {
	cause := errors.New("database is locked")
	err := fmt.Errorf("receive: %w", &protocol.TransientIOError{Op: "receive", Path: "state.db", Err: cause})

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	var tio *protocol.TransientIOError
	if !errors.As(err, &tio) {
		t.Fatal("errors.As failed to extract TransientIOError")
	}
}

func TestUnknownContextError_Suggestion(t *testing.T) {
	err := &protocol.UnknownContextError{ID: "dve", Suggestion: "dev"}
	if !strings.Contains(err.Error(), `did you mean "dev"`) {
		t.Errorf("Error() = %q, want suggestion", err.Error())
	}

	bare := &protocol.UnknownContextError{ID: "zzz"}
	if strings.Contains(bare.Error(), "did you mean") {
		t.Errorf("Error() = %q, want no suggestion", bare.Error())
	}
}

func TestHandoffRejectedError_ListsAllowed(t *testing.T) {
	err := &protocol.HandoffRejectedError{From: "crank", To: "dash", Type: "api_ready", Allowed: []string{"bug_report"}}
	if !strings.Contains(err.Error(), "bug_report") {
		t.Errorf("Error() = %q, want allowed list", err.Error())
	}
}
