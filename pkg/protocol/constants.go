package protocol

import "time"

// Directory and file name constants used throughout loom.
const (
	// LoomDir is the user-level state directory (e.g., ~/.loom).
	LoomDir = ".loom"

	// StatusFile holds the latest StatusSnapshot.
	StatusFile = "status.json"

	// StateDBFile is the SQLite store for messages and the event log.
	StateDBFile = "state.db"

	// SessionsFile holds per-context session counters.
	SessionsFile = "sessions.json"

	// SessionsLockFile guards writers of SessionsFile.
	SessionsLockFile = "sessions.lock"

	// DaemonLockFile is the single-instance lock; it contains the daemon PID.
	DaemonLockFile = "daemon.lock"

	// DaemonLogFile receives daemon log output when running detached.
	DaemonLogFile = "daemon.log"

	// CheckpointFile records the most recent checkpoint.
	CheckpointFile = "checkpoint.json"

	// PinFile records a manual classifier override.
	PinFile = "pin.json"

	// RegistryFile is the WatchedContext registry file name.
	RegistryFile = "contexts.yaml"

	// ConfigFile is the tunables file name (TOML).
	ConfigFile = "config.toml"

	// DashboardPrefsFile persists dashboard preferences (TOML).
	DashboardPrefsFile = "dashboard.toml"
)

// Broadcast is the reserved recipient that addresses every context.
const Broadcast = "broadcast"

// Defaults shared by the daemon, CLI, and dashboard.
const (
	DefaultTickInterval    = 30 * time.Second
	DefaultDebounce        = 2 * time.Second
	DefaultQueueCapacity   = 256
	DefaultHorizon         = 300 * time.Second
	DefaultSaturation      = 40.0
	DefaultLockTimeout     = 5 * time.Second
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultStaleFactor     = 2
	DefaultNudgeAfter      = 20 * time.Minute
	DefaultUrgentAfter     = 25 * time.Minute
	DefaultCriticalAfter   = 30 * time.Minute
	DefaultShutdownGrace   = 2 * time.Second
	DefaultRescanInterval  = 10 * time.Second
	DefaultHealthTimeout   = 10 * time.Second
	DefaultRefreshInterval = time.Second
)
