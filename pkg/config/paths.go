package config

import (
	"fmt"
	"os"
	"path/filepath"

	"loom/pkg/protocol"
)

// Paths holds all resolved loom state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home               string // ~/.loom or LOOM_HOME
	StatusPath         string // status.json or LOOM_STATUS_PATH
	StateDBPath        string // state.db or LOOM_DB_PATH
	SessionsPath       string // sessions.json
	SessionsLockPath   string // sessions.lock
	DaemonLockPath     string // daemon.lock
	DaemonLogPath      string // daemon.log
	CheckpointPath     string // checkpoint.json
	PinPath            string // pin.json
	ConfigPath         string // config.toml or LOOM_CONFIG
	DashboardPrefsPath string // dashboard.toml
}

// ResolvePaths returns all loom paths, respecting env var overrides.
// Environment variables:
//   - LOOM_HOME: base directory for all loom state (default: ~/.loom)
//   - LOOM_STATUS_PATH: status snapshot (default: $LOOM_HOME/status.json)
//   - LOOM_DB_PATH: message store and event log (default: $LOOM_HOME/state.db)
//   - LOOM_CONFIG: tunables file (default: $LOOM_HOME/config.toml)
//
// Specific env vars override both the default and the LOOM_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return PathsFor(home), nil
}

// PathsFor lays out every state path under home, still honoring the
// per-file env overrides.
func PathsFor(home string) *Paths {
	return &Paths{
		Home:               home,
		StatusPath:         resolvePathWithEnv("LOOM_STATUS_PATH", home, protocol.StatusFile),
		StateDBPath:        resolvePathWithEnv("LOOM_DB_PATH", home, protocol.StateDBFile),
		SessionsPath:       filepath.Join(home, protocol.SessionsFile),
		SessionsLockPath:   filepath.Join(home, protocol.SessionsLockFile),
		DaemonLockPath:     filepath.Join(home, protocol.DaemonLockFile),
		DaemonLogPath:      filepath.Join(home, protocol.DaemonLogFile),
		CheckpointPath:     filepath.Join(home, protocol.CheckpointFile),
		PinPath:            filepath.Join(home, protocol.PinFile),
		ConfigPath:         resolvePathWithEnv("LOOM_CONFIG", home, protocol.ConfigFile),
		DashboardPrefsPath: filepath.Join(home, protocol.DashboardPrefsFile),
	}
}

// EnsureHome creates the home directory with owner-only permissions.
func (p *Paths) EnsureHome() error {
	if err := os.MkdirAll(p.Home, 0o700); err != nil {
		return fmt.Errorf("create loom home %s: %w", p.Home, err)
	}
	return nil
}

// RegistryPath locates contexts.yaml: LOOM_REGISTRY, then
// <cwd>/.loom/contexts.yaml when it exists, then $LOOM_HOME/contexts.yaml.
func (p *Paths) RegistryPath(cwd string) string {
	if v := os.Getenv("LOOM_REGISTRY"); v != "" {
		return v
	}
	if cwd != "" {
		local := filepath.Join(cwd, protocol.LoomDir, protocol.RegistryFile)
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	return filepath.Join(p.Home, protocol.RegistryFile)
}

// resolveHome returns the loom home directory from LOOM_HOME or ~/.loom.
func resolveHome() (string, error) {
	if v := os.Getenv("LOOM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.LoomDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
