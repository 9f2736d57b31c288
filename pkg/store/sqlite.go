// Package store opens loom's SQLite state database (messages and the event
// log) with the settings every writer must share.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"loom/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// BusyTimeout bounds how long a connection waits on another writer before
// SQLite reports SQLITE_BUSY.
const BusyTimeout = 5 * time.Second

// DSN builds a modernc.org/sqlite data source name. Pragmas are attached to
// the DSN so that every pooled connection gets them, not just the first.
// Transactions begin IMMEDIATE so read-then-mark sequences take the write
// lock up front.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the state database at path, creating it and its schema if
// needed. It enforces WAL, synchronous=FULL, and a busy timeout, and pings
// the connection before returning.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}

	return db, nil
}
