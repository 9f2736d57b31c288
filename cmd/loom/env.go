package main

import (
	"context"
	"fmt"
	"os"

	"loom/pkg/bus"
	"loom/pkg/config"
	"loom/pkg/eventlog"
	"loom/pkg/registry"
	"loom/pkg/session"
	"loom/pkg/store"
)

// env is the resolved state layout and tunables shared by every command.
type env struct {
	paths *config.Paths
	cfg   config.Config
}

func loadEnv() (*env, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := paths.EnsureHome(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &env{paths: paths, cfg: cfg}, nil
}

func (e *env) registryPath() string {
	cwd, _ := os.Getwd()
	return e.paths.RegistryPath(cwd)
}

func (e *env) registry() (*registry.Registry, error) {
	return registry.Load(e.registryPath())
}

// openBus opens the message bus with the registry's routing rules.
func (e *env) openBus(ctx context.Context, reg *registry.Registry) (*bus.Bus, error) {
	return bus.Open(ctx, e.paths.StateDBPath, bus.Options{
		Checker:  reg,
		Contexts: reg.IDs(),
	})
}

func (e *env) sessions(reg *registry.Registry) *session.Registry {
	prefixes := make(map[string]string, len(reg.Contexts))
	for _, c := range reg.Contexts {
		prefixes[c.ID] = c.Prefix
	}
	return session.New(e.paths.SessionsPath, e.paths.SessionsLockPath, session.Options{
		LockTimeout: e.cfg.Sessions.LockTimeout,
		Prefixes:    prefixes,
	})
}

// appendEvent records a CLI action in the event log so running dashboards
// pick it up before the next tick. Failures are reported, not fatal.
func (e *env) appendEvent(ctx context.Context, kind, contextID, payload string) error {
	db, err := store.Open(ctx, e.paths.StateDBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = eventlog.NewWriter(db, "cli").Append(ctx, kind, contextID, payload)
	return err
}
