// Package daemon runs loom's background loop: it owns the single-instance
// lock, builds every component from the registry and config, feeds watcher
// events into the classifier, and publishes a status snapshot per tick.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"loom/pkg/activity"
	"loom/pkg/bus"
	"loom/pkg/config"
	"loom/pkg/eventlog"
	"loom/pkg/fsutil"
	"loom/pkg/protocol"
	"loom/pkg/registry"
	"loom/pkg/runner"
	"loom/pkg/session"
	"loom/pkg/status"
	"loom/pkg/store"
	"loom/pkg/watcher"
)

// Options configures Run.
type Options struct {
	Paths        *config.Paths
	RegistryPath string
	PID          int

	Logger       *log.Logger
	HealthRunner runner.CommandRunner
	Now          func() time.Time

	// Ready, when set, is called once after the first snapshot is written.
	Ready func()
}

// Daemon holds the running components. It is created by Run.
type Daemon struct {
	opts   Options
	cfg    config.Config
	reg    *registry.Registry
	logger *log.Logger

	lock       *fsutil.FileLock
	db         *sql.DB
	bus        *bus.Bus
	events     *eventlog.Writer
	watcher    *watcher.Watcher
	classifier *activity.Classifier
	publisher  *status.Publisher

	pinned    string
	startedAt time.Time
}

// lockSettle covers a status probe holding daemon.lock at the same moment.
const lockSettle = 200 * time.Millisecond

// AcquireLock takes the daemon instance lock at path and records pid in it.
// It retries for lockSettle so a concurrent status probe is not mistaken for
// a running daemon. A held lock yields a *protocol.ConcurrencyError wrapping
// protocol.ErrAlreadyRunning.
func AcquireLock(path string, pid int) (*fsutil.FileLock, error) {
	lock := fsutil.NewFileLock(path, "daemon")
	if err := lock.Acquire(context.Background(), lockSettle); err != nil {
		if errors.Is(err, protocol.ErrLocked) {
			return nil, &protocol.ConcurrencyError{
				Resource:  "daemon",
				HolderPID: fsutil.ReadHolderPID(path),
				Err:       protocol.ErrAlreadyRunning,
			}
		}
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}
	if err := lock.WritePID(pid); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return lock, nil
}

// Run starts the daemon and blocks until ctx is cancelled. A clean stop
// returns nil. Startup failures return the underlying typed error
// (*protocol.ConfigError, *protocol.ConcurrencyError) before any component
// is built.
func Run(ctx context.Context, opts Options) error {
	if opts.Paths == nil {
		return errors.New("daemon: paths are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if err := opts.Paths.EnsureHome(); err != nil {
		return err
	}

	lock, err := AcquireLock(opts.Paths.DaemonLockPath, opts.PID)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.ClearPID(); err != nil {
			logger.Printf("daemon: clear lock PID: %v", err)
		}
		if err := lock.Unlock(); err != nil {
			logger.Printf("daemon: release lock: %v", err)
		}
	}()

	cfg, err := config.Load(opts.Paths.ConfigPath)
	if err != nil {
		return err
	}
	reg, err := registry.Load(opts.RegistryPath)
	if err != nil {
		return err
	}

	d := &Daemon{opts: opts, cfg: cfg, reg: reg, logger: logger, lock: lock}
	if err := d.build(ctx); err != nil {
		return err
	}
	defer d.close()

	return d.run(ctx)
}

func (d *Daemon) build(ctx context.Context) error {
	p := d.opts.Paths
	ids := d.reg.IDs()

	db, err := store.Open(ctx, p.StateDBPath)
	if err != nil {
		return err
	}
	d.db = db
	d.events = eventlog.NewWriter(db, "daemon")
	d.bus = bus.New(db, p.StateDBPath, bus.Options{
		Checker:  d.reg,
		Contexts: ids,
		Logger:   d.logger,
	})

	d.classifier = activity.New(ids, activity.Options{
		Horizon:    d.cfg.Activity.Horizon,
		Saturation: d.cfg.Activity.Saturation,
		Now:        d.opts.Now,
	})

	d.watcher = watcher.New(watcher.Options{
		Debounce:       d.cfg.Watcher.Debounce,
		QueueCapacity:  d.cfg.Watcher.QueueCapacity,
		RescanInterval: d.cfg.Watcher.RescanInterval,
		ForcePoll:      d.cfg.Watcher.ForcePoll,
		PollInterval:   d.cfg.Watcher.PollInterval,
		Ignore:         d.reg.Ignore,
		Owner:          d.reg.ContextForPath,
		Logger:         d.logger,
		Now:            d.opts.Now,
	})
	for _, c := range d.reg.Contexts {
		if err := d.watcher.Register(c.ID, c.Paths); err != nil {
			return fmt.Errorf("register %s: %w", c.ID, err)
		}
	}

	prefixes := make(map[string]string, len(d.reg.Contexts))
	for _, c := range d.reg.Contexts {
		prefixes[c.ID] = c.Prefix
	}
	sessions := session.New(p.SessionsPath, p.SessionsLockPath, session.Options{
		LockTimeout: d.cfg.Sessions.LockTimeout,
		Prefixes:    prefixes,
	})

	d.startedAt = d.opts.Now()
	d.publisher = status.NewPublisher(status.Options{
		StatusPath:     p.StatusPath,
		CheckpointPath: p.CheckpointPath,
		Contexts:       ids,
		Activity:       d.classifier,
		Pending:        d.bus,
		Sessions:       sessions,
		Health:         HealthSource(d.cfg.Health, d.opts.HealthRunner),
		Events:         d.events,
		Dropped:        d.watcher.Events().Dropped,
		TickInterval:   d.cfg.Daemon.TickInterval,
		PID:            d.opts.PID,
		StartedAt:      d.startedAt,
		Logger:         d.logger,
		Now:            d.opts.Now,
	})
	return nil
}

func (d *Daemon) close() {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Printf("daemon: close state db: %v", err)
		}
	}
}

func (d *Daemon) run(ctx context.Context) error {
	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	if d.watcher.Polling() {
		d.logger.Printf("daemon: file notifications unavailable, polling every %s", d.cfg.Watcher.PollInterval)
	}
	for _, path := range d.watcher.Missing() {
		d.logger.Printf("daemon: watched path %s does not exist yet", path)
	}

	control := watchControlFiles(d.logger, d.opts.Paths.PinPath, d.opts.Paths.CheckpointPath)
	defer control.Close()
	go control.run(ctx)

	// Lifecycle events use a context that outlives cancellation so the stop
	// event is still recorded.
	bg := context.WithoutCancel(ctx)
	_ = d.publisher.PublishEvent(bg, eventlog.KindDaemonStart, "", map[string]any{
		"pid": d.opts.PID, "contexts": d.reg.IDs(), "polling": d.watcher.Polling(),
	})

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.consume(consumerCtx)
	}()

	d.tick(bg)
	if d.opts.Ready != nil {
		d.opts.Ready()
	}

	ticker := time.NewTicker(d.cfg.Daemon.TickInterval)
	defer ticker.Stop()
	prune := time.NewTicker(d.cfg.Daemon.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(bg, stopConsumer, &wg)
		case <-ticker.C:
			d.tick(ctx)
		case <-control.Changed():
			d.tick(ctx)
		case <-prune.C:
			d.prune(ctx)
		}
	}
}

// consume drains the watcher queue into the classifier until ctx ends.
func (d *Daemon) consume(ctx context.Context) {
	q := d.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.Ready():
			for _, ev := range q.Drain() {
				d.classifier.Ingest(ev)
			}
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	d.applyPin()
	if _, err := d.publisher.Tick(ctx); err != nil {
		d.logger.Printf("daemon: %v", err)
	}
}

// applyPin mirrors pin.json into the classifier override.
func (d *Daemon) applyPin() {
	pin, err := status.ReadPin(d.opts.Paths.PinPath)
	if err != nil {
		d.logger.Printf("daemon: read pin: %v", err)
		return
	}
	now := d.opts.Now()
	if !pin.Live(now) {
		if d.pinned != "" {
			d.classifier.ClearOverride()
			d.pinned = ""
		}
		return
	}
	if _, ok := d.reg.Context(pin.ContextID); !ok {
		d.logger.Printf("daemon: ignoring pin for unknown context %q", pin.ContextID)
		return
	}
	d.classifier.OverrideUntil(pin.ContextID, pin.Until)
	d.pinned = pin.ContextID
}

func (d *Daemon) prune(ctx context.Context) {
	n, err := d.bus.Prune(ctx, d.cfg.Messages.Retention)
	if err != nil {
		d.logger.Printf("daemon: prune messages: %v", err)
		return
	}
	if n > 0 {
		d.logger.Printf("daemon: archived %d read messages", n)
	}
}

// shutdown stops the watcher, feeds its flushed events to the classifier,
// writes a final snapshot, and records the stop.
func (d *Daemon) shutdown(ctx context.Context, stopConsumer context.CancelFunc, wg *sync.WaitGroup) error {
	if err := d.watcher.Stop(); err != nil {
		d.logger.Printf("daemon: stop watcher: %v", err)
	}
	stopConsumer()
	wg.Wait()
	for _, ev := range d.watcher.Events().Drain() {
		d.classifier.Ingest(ev)
	}

	d.tick(ctx)
	_ = d.publisher.PublishEvent(ctx, eventlog.KindDaemonStop, "", map[string]any{
		"pid":    d.opts.PID,
		"uptime": d.opts.Now().Sub(d.startedAt).Round(time.Second).String(),
	})
	return nil
}
