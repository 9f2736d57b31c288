// Package config loads loom's tunables from $LOOM_HOME/config.toml and
// LOOM_* environment variables, and resolves the on-disk state layout.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loom/pkg/protocol"
)

// Config holds every tunable. Zero values never reach callers: Load fills
// defaults and Validate rejects nonsensical combinations.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Activity  ActivityConfig  `mapstructure:"activity"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Messages  MessagesConfig  `mapstructure:"messages"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Health    HealthConfig    `mapstructure:"health"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// DaemonConfig controls the publisher loop.
type DaemonConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	StaleFactor   int           `mapstructure:"stale_factor"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// WatcherConfig controls change notification.
type WatcherConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
	ForcePoll      bool          `mapstructure:"force_poll"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// ActivityConfig controls the classifier window.
type ActivityConfig struct {
	Horizon    time.Duration `mapstructure:"horizon"`
	Saturation float64       `mapstructure:"saturation"`
}

// SessionsConfig controls the session counter lock.
type SessionsConfig struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// MessagesConfig controls bus retention.
type MessagesConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// AlertsConfig holds the escalation thresholds, measured from the last checkpoint.
type AlertsConfig struct {
	NudgeAfter    time.Duration `mapstructure:"nudge_after"`
	UrgentAfter   time.Duration `mapstructure:"urgent_after"`
	CriticalAfter time.Duration `mapstructure:"critical_after"`
	Notify        bool          `mapstructure:"notify"`
}

// HealthConfig selects the external health summary source.
// Source is "", "file", or "command".
type HealthConfig struct {
	Source  string        `mapstructure:"source"`
	File    string        `mapstructure:"file"`
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DashboardConfig holds dashboard defaults. Mode and theme chosen inside the
// dashboard are persisted separately in dashboard.toml and win over these.
type DashboardConfig struct {
	Theme           string        `mapstructure:"theme"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// Load reads configuration from path (if it exists) and env. Env var
// overrides use prefix LOOM_ with dots replaced by underscores, e.g.
// LOOM_DAEMON_TICK_INTERVAL=10s.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, &protocol.ConfigError{Path: path, Reason: "parse config", Err: err}
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, &protocol.ConfigError{Path: path, Reason: "stat config", Err: err}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, &protocol.ConfigError{Path: path, Reason: "decode config", Err: err}
	}
	if err := c.Validate(); err != nil {
		var ce *protocol.ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return Config{}, err
	}
	return c, nil
}

// Default returns the built-in configuration without consulting disk or env.
func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			TickInterval:  protocol.DefaultTickInterval,
			StaleFactor:   protocol.DefaultStaleFactor,
			PruneInterval: time.Hour,
			StopTimeout:   10 * time.Second,
		},
		Watcher: WatcherConfig{
			Debounce:       protocol.DefaultDebounce,
			QueueCapacity:  protocol.DefaultQueueCapacity,
			RescanInterval: protocol.DefaultRescanInterval,
			PollInterval:   time.Second,
		},
		Activity: ActivityConfig{
			Horizon:    protocol.DefaultHorizon,
			Saturation: protocol.DefaultSaturation,
		},
		Sessions: SessionsConfig{LockTimeout: protocol.DefaultLockTimeout},
		Messages: MessagesConfig{Retention: protocol.DefaultRetention},
		Alerts: AlertsConfig{
			NudgeAfter:    protocol.DefaultNudgeAfter,
			UrgentAfter:   protocol.DefaultUrgentAfter,
			CriticalAfter: protocol.DefaultCriticalAfter,
			Notify:        true,
		},
		Health: HealthConfig{Timeout: protocol.DefaultHealthTimeout},
		Dashboard: DashboardConfig{
			Theme:           "mocha",
			RefreshInterval: protocol.DefaultRefreshInterval,
			ShutdownGrace:   protocol.DefaultShutdownGrace,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("daemon.tick_interval", d.Daemon.TickInterval)
	v.SetDefault("daemon.stale_factor", d.Daemon.StaleFactor)
	v.SetDefault("daemon.prune_interval", d.Daemon.PruneInterval)
	v.SetDefault("daemon.stop_timeout", d.Daemon.StopTimeout)
	v.SetDefault("watcher.debounce", d.Watcher.Debounce)
	v.SetDefault("watcher.queue_capacity", d.Watcher.QueueCapacity)
	v.SetDefault("watcher.rescan_interval", d.Watcher.RescanInterval)
	v.SetDefault("watcher.force_poll", d.Watcher.ForcePoll)
	v.SetDefault("watcher.poll_interval", d.Watcher.PollInterval)
	v.SetDefault("activity.horizon", d.Activity.Horizon)
	v.SetDefault("activity.saturation", d.Activity.Saturation)
	v.SetDefault("sessions.lock_timeout", d.Sessions.LockTimeout)
	v.SetDefault("messages.retention", d.Messages.Retention)
	v.SetDefault("alerts.nudge_after", d.Alerts.NudgeAfter)
	v.SetDefault("alerts.urgent_after", d.Alerts.UrgentAfter)
	v.SetDefault("alerts.critical_after", d.Alerts.CriticalAfter)
	v.SetDefault("alerts.notify", d.Alerts.Notify)
	v.SetDefault("health.source", d.Health.Source)
	v.SetDefault("health.file", d.Health.File)
	v.SetDefault("health.command", []string{})
	v.SetDefault("health.timeout", d.Health.Timeout)
	v.SetDefault("dashboard.theme", d.Dashboard.Theme)
	v.SetDefault("dashboard.refresh_interval", d.Dashboard.RefreshInterval)
	v.SetDefault("dashboard.shutdown_grace", d.Dashboard.ShutdownGrace)
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	positive := []struct {
		field string
		d     time.Duration
	}{
		{"daemon.tick_interval", c.Daemon.TickInterval},
		{"daemon.prune_interval", c.Daemon.PruneInterval},
		{"daemon.stop_timeout", c.Daemon.StopTimeout},
		{"watcher.debounce", c.Watcher.Debounce},
		{"watcher.rescan_interval", c.Watcher.RescanInterval},
		{"watcher.poll_interval", c.Watcher.PollInterval},
		{"activity.horizon", c.Activity.Horizon},
		{"sessions.lock_timeout", c.Sessions.LockTimeout},
		{"messages.retention", c.Messages.Retention},
		{"health.timeout", c.Health.Timeout},
		{"dashboard.refresh_interval", c.Dashboard.RefreshInterval},
		{"dashboard.shutdown_grace", c.Dashboard.ShutdownGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return &protocol.ConfigError{Field: p.field, Reason: fmt.Sprintf("must be positive, got %s", p.d)}
		}
	}
	if c.Daemon.StaleFactor < 1 {
		return &protocol.ConfigError{Field: "daemon.stale_factor", Reason: "must be at least 1"}
	}
	if c.Watcher.QueueCapacity < 1 {
		return &protocol.ConfigError{Field: "watcher.queue_capacity", Reason: "must be at least 1"}
	}
	if c.Activity.Saturation <= 0 {
		return &protocol.ConfigError{Field: "activity.saturation", Reason: "must be positive"}
	}
	a := c.Alerts
	if a.NudgeAfter <= 0 || a.UrgentAfter < a.NudgeAfter || a.CriticalAfter < a.UrgentAfter {
		return &protocol.ConfigError{
			Field:  "alerts",
			Reason: fmt.Sprintf("thresholds must satisfy 0 < nudge <= urgent <= critical (got %s, %s, %s)", a.NudgeAfter, a.UrgentAfter, a.CriticalAfter),
		}
	}
	switch c.Health.Source {
	case "":
	case "file":
		if c.Health.File == "" {
			return &protocol.ConfigError{Field: "health.file", Reason: `required when health.source is "file"`}
		}
	case "command":
		if len(c.Health.Command) == 0 {
			return &protocol.ConfigError{Field: "health.command", Reason: `required when health.source is "command"`}
		}
	default:
		return &protocol.ConfigError{Field: "health.source", Reason: fmt.Sprintf("unknown source %q (want file or command)", c.Health.Source)}
	}
	return nil
}
