// Package session hands out strictly increasing per-context session numbers.
// Counters live in one JSON file replaced atomically; writers serialize on an
// advisory lock file and readers never take the lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/pkg/fsutil"
	"loom/pkg/protocol"
)

// Session is one counter value.
type Session struct {
	ContextID string    `json:"-"`
	Prefix    string    `json:"prefix"`
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ID renders the session label, e.g. "D12".
func (s Session) ID() string {
	return fmt.Sprintf("%s%d", s.Prefix, s.Value)
}

// Options configures a Registry.
type Options struct {
	// LockTimeout bounds how long Increment waits for the writer lock.
	LockTimeout time.Duration
	// Prefixes maps context id to its session prefix. Contexts missing here
	// use the upper-cased first letter of the id.
	Prefixes map[string]string
	Now      func() time.Time
}

// Registry is an explicit counter service; create one per state directory.
type Registry struct {
	path     string
	lockPath string
	opts     Options
}

// New returns a Registry storing counters at path, serialized by lockPath.
func New(path, lockPath string, opts Options) *Registry {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = protocol.DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{path: path, lockPath: lockPath, opts: opts}
}

// Increment atomically advances contextID's counter and returns the new
// value. Lock contention past the timeout returns a *protocol.ConcurrencyError
// wrapping protocol.ErrLocked and leaves the counter untouched.
func (r *Registry) Increment(ctx context.Context, contextID string) (Session, error) {
	if strings.TrimSpace(contextID) == "" {
		return Session{}, errors.New("increment: context id is required")
	}

	lock := fsutil.NewFileLock(r.lockPath, "session registry")
	if err := lock.Acquire(ctx, r.opts.LockTimeout); err != nil {
		return Session{}, fmt.Errorf("increment %s: %w", contextID, err)
	}
	defer func() { _ = lock.Unlock() }()

	counters, err := r.load()
	if err != nil {
		return Session{}, fmt.Errorf("increment %s: %w", contextID, err)
	}

	s := counters[contextID]
	s.ContextID = contextID
	if s.Prefix == "" {
		s.Prefix = r.prefixFor(contextID)
	}
	s.Value++
	s.UpdatedAt = r.opts.Now().UTC()
	counters[contextID] = s

	if err := fsutil.WriteJSONAtomic(r.path, counters); err != nil {
		return Session{}, fmt.Errorf("increment %s: %w", contextID, err)
	}
	return s, nil
}

// Get returns the current counter without locking. A context that never
// incremented reports value 0.
func (r *Registry) Get(contextID string) (Session, error) {
	counters, err := r.load()
	if err != nil {
		return Session{}, fmt.Errorf("get %s: %w", contextID, err)
	}
	s, ok := counters[contextID]
	if !ok {
		return Session{ContextID: contextID, Prefix: r.prefixFor(contextID)}, nil
	}
	s.ContextID = contextID
	return s, nil
}

// All returns every counter, keyed by context id.
func (r *Registry) All() (map[string]Session, error) {
	counters, err := r.load()
	if err != nil {
		return nil, err
	}
	for id, s := range counters {
		s.ContextID = id
		counters[id] = s
	}
	return counters, nil
}

// load reads the counter file. A missing file is an empty registry; a
// corrupt one is an error, never a reset.
func (r *Registry) load() (map[string]Session, error) {
	counters := make(map[string]Session)
	if err := fsutil.ReadJSON(r.path, &counters); err != nil {
		if fsutil.IsNotExist(err) {
			return make(map[string]Session), nil
		}
		return nil, err
	}
	return counters, nil
}

func (r *Registry) prefixFor(contextID string) string {
	if p := r.opts.Prefixes[contextID]; p != "" {
		return p
	}
	return strings.ToUpper(contextID[:1])
}
