package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"loom/pkg/alert"
	"loom/pkg/protocol"
)

// plainOptions configures the non-interactive renderer.
type plainOptions struct {
	Refresh     time.Duration
	StaleFactor int
	Thresholds  alert.Thresholds
	Notifier    alert.Notifier
	Once        bool
	Now         func() time.Time
}

// runPlain prints one summary line per refresh until ctx ends. It is used
// when stdout is not a terminal or the interactive program cannot start.
func runPlain(ctx context.Context, w io.Writer, src Sources, opts plainOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Refresh <= 0 {
		opts.Refresh = protocol.DefaultRefreshInterval
	}
	if opts.Thresholds == (alert.Thresholds{}) {
		opts.Thresholds = alert.DefaultThresholds()
	}
	state := alert.NewState(opts.Thresholds)

	ticker := time.NewTicker(opts.Refresh)
	defer ticker.Stop()

	var last *protocol.StatusSnapshot
	for {
		snap, err := src.Snapshot()
		switch {
		case err == nil:
			last = snap
		case !errors.Is(err, protocol.ErrNoSnapshot):
			fmt.Fprintf(w, "loom │ read status: %v\n", err)
		}
		cp, err := src.Checkpoint()
		if err != nil {
			fmt.Fprintf(w, "loom │ read checkpoint: %v\n", err)
		}

		now := opts.Now()
		base, ok := alertBaseline(last, cp)
		if ok {
			if t, changed := state.Evaluate(base, now); changed && t.Fire && opts.Notifier != nil {
				if err := opts.Notifier.Notify(ctx, t); err != nil {
					fmt.Fprintf(w, "loom │ notify %s: %v\n", t.To, err)
				}
			}
		}
		line := summary{
			snap:        last,
			baseline:    base,
			level:       state.Level(),
			acked:       state.Acknowledged(),
			now:         now,
			staleFactor: opts.StaleFactor,
		}.line()
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("write status line: %w", err)
		}

		if opts.Once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
