package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/runner"
)

// HealthSource yields the external health audit summary.
type HealthSource interface {
	Health(ctx context.Context) (protocol.HealthSummary, error)
}

// FileHealthSource reads a JSON report written by the audit tool.
type FileHealthSource struct {
	Path string
}

// Health parses the report at Path.
func (s *FileHealthSource) Health(_ context.Context) (protocol.HealthSummary, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return protocol.HealthSummary{}, fmt.Errorf("read health report: %w", err)
	}
	return ParseHealth(data)
}

// CommandHealthSource runs the audit tool and parses its stdout.
type CommandHealthSource struct {
	Runner  runner.CommandRunner
	Command []string
	Timeout time.Duration
}

// Health runs the command under Timeout.
func (s *CommandHealthSource) Health(ctx context.Context) (protocol.HealthSummary, error) {
	if len(s.Command) == 0 {
		return protocol.HealthSummary{}, errors.New("health command not configured")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = protocol.DefaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := s.Runner
	if r == nil {
		r = &runner.ExecCommandRunner{}
	}
	out, err := r.Run(ctx, s.Command[0], s.Command[1:]...)
	if err != nil {
		return protocol.HealthSummary{}, fmt.Errorf("run health command: %w", err)
	}
	return ParseHealth(out)
}

type healthReport struct {
	HealthScore   *float64 `json:"health_score"`
	CriticalCount *int     `json:"critical_count"`
	WarningCount  *int     `json:"warning_count"`
	Issues        *struct {
		Critical int `json:"critical"`
		Warnings int `json:"warnings"`
	} `json:"issues"`
}

// ParseHealth accepts {"health_score":7.5,"issues":{"critical":0,"warnings":3}}
// or the flat {"health_score":..,"critical_count":..,"warning_count":..} form.
func ParseHealth(data []byte) (protocol.HealthSummary, error) {
	var r healthReport
	if err := json.Unmarshal(data, &r); err != nil {
		return protocol.HealthSummary{}, fmt.Errorf("parse health report: %w", err)
	}
	if r.HealthScore == nil {
		return protocol.HealthSummary{}, errors.New("parse health report: missing health_score")
	}
	h := protocol.HealthSummary{HealthScore: *r.HealthScore}
	if r.Issues != nil {
		h.CriticalCount = r.Issues.Critical
		h.WarningCount = r.Issues.Warnings
	}
	if r.CriticalCount != nil {
		h.CriticalCount = *r.CriticalCount
	}
	if r.WarningCount != nil {
		h.WarningCount = *r.WarningCount
	}
	return h, nil
}
