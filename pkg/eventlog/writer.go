package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loom/pkg/protocol"
)

// Writer appends events to the log on an already-open state database.
type Writer struct {
	db     *sql.DB
	source string
	now    func() time.Time
}

// NewWriter returns a Writer that stamps every event with source
// (e.g. "daemon", "cli", "dashboard").
func NewWriter(db *sql.DB, source string) *Writer {
	return &Writer{db: db, source: source, now: time.Now}
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append inserts one event and returns its id.
func (w *Writer) Append(ctx context.Context, kind, contextID, payload string) (int64, error) {
	return w.AppendWith(ctx, w.db, kind, contextID, payload)
}

// AppendWith inserts through ex, so the event can share a caller's
// transaction.
func (w *Writer) AppendWith(ctx context.Context, ex Execer, kind, contextID, payload string) (int64, error) {
	var ctxArg any
	if contextID != "" {
		ctxArg = contextID
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO events (type, source, context_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, w.source, ctxArg, payload, w.now().UTC().Format(protocol.TimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", kind, err)
	}
	return id, nil
}
