package daemon

import (
	"loom/pkg/config"
	"loom/pkg/runner"
	"loom/pkg/status"
)

// HealthSource builds the configured health summary source, or nil when none
// is configured.
func HealthSource(cfg config.HealthConfig, r runner.CommandRunner) status.HealthSource {
	switch cfg.Source {
	case "file":
		return &status.FileHealthSource{Path: cfg.File}
	case "command":
		if r == nil {
			r = &runner.ExecCommandRunner{}
		}
		return &status.CommandHealthSource{Runner: r, Command: cfg.Command, Timeout: cfg.Timeout}
	default:
		return nil
	}
}
