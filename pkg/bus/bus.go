// Package bus is the durable cross-context message bus. Messages live in the
// SQLite state database; delivery is FIFO by insertion sequence and each
// recipient's reads are tracked separately, so a broadcast is delivered once
// to every context other than its sender.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"
	"loom/pkg/store"
)

// HandoffChecker validates a send against routing rules. *registry.Registry
// implements it.
type HandoffChecker interface {
	CheckHandoff(from, to, msgType string) error
}

// Options configures a Bus.
type Options struct {
	// Checker rejects disallowed sends; nil allows everything.
	Checker HandoffChecker
	// Contexts lists every context that must read a broadcast before it can
	// be pruned. Without it broadcasts are never pruned.
	Contexts []string
	Logger   *log.Logger
	Now      func() time.Time
	// Retries bounds attempts for idempotent reads hitting a busy database.
	Retries int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

// Bus is safe for concurrent use by multiple goroutines and processes.
type Bus struct {
	db     *sql.DB
	path   string
	opts   Options
	logger *log.Logger
	events *eventlog.Writer
	ownsDB bool
}

// Open opens (creating if needed) the state database at path.
func Open(ctx context.Context, path string, opts Options) (*Bus, error) {
	db, err := store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	b := New(db, path, opts)
	b.ownsDB = true
	return b, nil
}

// New wraps an already-open state database.
func New(db *sql.DB, path string, opts Options) *Bus {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retries <= 0 {
		opts.Retries = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		db:     db,
		path:   path,
		opts:   opts,
		logger: logger,
		events: eventlog.NewWriter(db, "bus"),
	}
}

// DB exposes the underlying handle for components sharing the state database.
func (b *Bus) DB() *sql.DB { return b.db }

// Close releases the database if Open created it.
func (b *Bus) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

// Send appends a message and returns once it is durably committed.
func (b *Bus) Send(ctx context.Context, from, to, msgType, payload string, priority protocol.Priority) (protocol.Message, error) {
	from, to, msgType = strings.TrimSpace(from), strings.TrimSpace(to), strings.TrimSpace(msgType)
	switch {
	case from == "":
		return protocol.Message{}, errors.New("send: sender is required")
	case from == protocol.Broadcast:
		return protocol.Message{}, fmt.Errorf("send: %q cannot be a sender", protocol.Broadcast)
	case to == "":
		return protocol.Message{}, errors.New("send: recipient is required")
	case msgType == "":
		return protocol.Message{}, errors.New("send: message type is required")
	}
	if priority == "" {
		priority = protocol.PriorityNormal
	}
	if _, err := protocol.ParsePriority(string(priority)); err != nil {
		return protocol.Message{}, fmt.Errorf("send: %w", err)
	}
	if b.opts.Checker != nil {
		if err := b.opts.Checker.CheckHandoff(from, to, msgType); err != nil {
			return protocol.Message{}, fmt.Errorf("send: %w", err)
		}
	}

	msg := protocol.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: b.opts.Now().UTC(),
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("send: begin: %w", b.classify("send", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, from_ctx, to_ctx, type, payload, priority, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, msg.Type, msg.Payload, string(msg.Priority), msg.CreatedAt.Format(protocol.TimeLayout),
	)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("send: insert: %w", b.classify("send", err))
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return protocol.Message{}, fmt.Errorf("send: sequence: %w", err)
	}

	note, _ := json.Marshal(map[string]any{
		"seq": msg.Seq, "from": msg.From, "type": msg.Type, "priority": msg.Priority,
	})
	if _, err := b.events.AppendWith(ctx, tx, eventlog.KindMessage, msg.To, string(note)); err != nil {
		return protocol.Message{}, fmt.Errorf("send: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return protocol.Message{}, fmt.Errorf("send: commit: %w", b.classify("send", err))
	}
	return msg, nil
}

// Receive returns unread messages addressed to contextID or broadcast (other
// than its own broadcasts), oldest first. With markRead the same transaction
// records them as read. A database that stays busy past the retry budget
// yields an empty result and a logged warning.
func (b *Bus) Receive(ctx context.Context, contextID string, markRead bool) ([]protocol.Message, error) {
	if contextID == "" {
		return nil, errors.New("receive: context id is required")
	}
	op := "peek"
	if markRead {
		op = "receive"
	}

	var msgs []protocol.Message
	err := b.withRetry(ctx, op, func() error {
		var err error
		msgs, err = b.receiveOnce(ctx, contextID, markRead)
		return err
	})
	var tio *protocol.TransientIOError
	if errors.As(err, &tio) {
		b.logger.Printf("bus: %s for %s degraded to empty result: %v", op, contextID, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Peek is Receive without marking anything read.
func (b *Bus) Peek(ctx context.Context, contextID string) ([]protocol.Message, error) {
	return b.Receive(ctx, contextID, false)
}

const unreadWhere = `(m.to_ctx = ? OR (m.to_ctx = '` + protocol.Broadcast + `' AND m.from_ctx <> ?))
	AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.seq = m.seq AND r.context_id = ?)`

func (b *Bus) receiveOnce(ctx context.Context, contextID string, markRead bool) ([]protocol.Message, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT m.seq, m.id, m.from_ctx, m.to_ctx, m.type, m.payload, m.priority, m.created_at
		 FROM messages m WHERE `+unreadWhere+` ORDER BY m.seq ASC`,
		contextID, contextID, contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unread: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if markRead && len(msgs) > 0 {
		readAt := b.opts.Now().UTC()
		stamp := readAt.Format(protocol.TimeLayout)
		for i := range msgs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO message_reads (seq, context_id, read_at) VALUES (?, ?, ?)`,
				msgs[i].Seq, contextID, stamp,
			); err != nil {
				return nil, fmt.Errorf("mark read: %w", err)
			}
			msgs[i].ReadAt = &readAt
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msgs, nil
}

// ListOpts filters List.
type ListOpts struct {
	IncludeRead bool
	Limit       int // 0 = no limit; newest messages are kept
}

// List returns messages addressed to contextID (including broadcasts from
// others) oldest first. ReadAt is set for messages this context has read.
func (b *Bus) List(ctx context.Context, contextID string, opts ListOpts) ([]protocol.Message, error) {
	if !opts.IncludeRead {
		msgs, err := b.Peek(ctx, contextID)
		if err != nil {
			return nil, err
		}
		if opts.Limit > 0 && len(msgs) > opts.Limit {
			msgs = msgs[len(msgs)-opts.Limit:]
		}
		return msgs, nil
	}

	query := `SELECT m.seq, m.id, m.from_ctx, m.to_ctx, m.type, m.payload, m.priority, m.created_at, r.read_at
		FROM messages m
		LEFT JOIN message_reads r ON r.seq = m.seq AND r.context_id = ?
		WHERE m.to_ctx = ? OR (m.to_ctx = '` + protocol.Broadcast + `' AND m.from_ctx <> ?)
		ORDER BY m.seq DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	var msgs []protocol.Message
	err := b.withRetry(ctx, "list", func() error {
		rows, err := b.db.QueryContext(ctx, query, contextID, contextID, contextID)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		msgs, err = scanMessagesWithRead(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PendingCounts returns unread message counts for each context.
func (b *Bus) PendingCounts(ctx context.Context, contexts []string) (map[string]int, error) {
	counts := make(map[string]int, len(contexts))
	err := b.withRetry(ctx, "pending counts", func() error {
		for _, id := range contexts {
			var n int
			if err := b.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM messages m WHERE `+unreadWhere, id, id, id,
			).Scan(&n); err != nil {
				return fmt.Errorf("count unread for %s: %w", id, err)
			}
			counts[id] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Prune archives and deletes messages whose reads are all older than
// olderThan. Unread messages are never pruned: a direct message needs its
// recipient's receipt, a broadcast needs one from every other known context.
// It returns the number of messages pruned.
func (b *Bus) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	now := b.opts.Now().UTC()
	cutoff := now.Add(-olderThan).Format(protocol.TimeLayout)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune: begin: %w", b.classify("prune", err))
	}
	defer func() { _ = tx.Rollback() }()

	seqs, err := collectSeqs(ctx, tx,
		`SELECT m.seq FROM messages m
		 JOIN message_reads r ON r.seq = m.seq AND r.context_id = m.to_ctx
		 WHERE m.to_ctx <> ? AND r.read_at < ?`,
		protocol.Broadcast, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}

	if len(b.opts.Contexts) > 0 {
		bseqs, err := b.prunableBroadcasts(ctx, tx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		seqs = append(seqs, bseqs...)
	}

	archivedAt := now.Format(protocol.TimeLayout)
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO messages_archive (seq, id, from_ctx, to_ctx, type, payload, priority, created_at, archived_at)
			 SELECT seq, id, from_ctx, to_ctx, type, payload, priority, created_at, ? FROM messages WHERE seq = ?`,
			archivedAt, seq); err != nil {
			return 0, fmt.Errorf("prune: archive %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_reads WHERE seq = ?`, seq); err != nil {
			return 0, fmt.Errorf("prune: delete receipts %d: %w", seq, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE seq = ?`, seq); err != nil {
			return 0, fmt.Errorf("prune: delete %d: %w", seq, err)
		}
	}

	if len(seqs) > 0 {
		note, _ := json.Marshal(map[string]any{"pruned": len(seqs), "cutoff": cutoff})
		if _, err := b.events.AppendWith(ctx, tx, eventlog.KindPrune, "", string(note)); err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune: commit: %w", b.classify("prune", err))
	}
	return len(seqs), nil
}

func (b *Bus) prunableBroadcasts(ctx context.Context, tx *sql.Tx, cutoff string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, from_ctx FROM messages WHERE to_ctx = ? AND created_at < ?`, protocol.Broadcast, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query broadcasts: %w", err)
	}
	type candidate struct {
		seq  int64
		from string
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.seq, &c.from); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}

	var out []int64
	for _, c := range cands {
		reads := make(map[string]string)
		rrows, err := tx.QueryContext(ctx, `SELECT context_id, read_at FROM message_reads WHERE seq = ?`, c.seq)
		if err != nil {
			return nil, fmt.Errorf("query receipts: %w", err)
		}
		for rrows.Next() {
			var id, at string
			if err := rrows.Scan(&id, &at); err != nil {
				rrows.Close()
				return nil, fmt.Errorf("scan receipt: %w", err)
			}
			reads[id] = at
		}
		rrows.Close()

		ok := true
		for _, id := range b.opts.Contexts {
			if id == c.from {
				continue
			}
			at, read := reads[id]
			if !read || at >= cutoff {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c.seq)
		}
	}
	return out, nil
}

func collectSeqs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prunable: %w", err)
	}
	defer rows.Close()
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan prunable: %w", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]protocol.Message, error) {
	defer rows.Close()
	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var prio, created string
		if err := rows.Scan(&m.Seq, &m.ID, &m.From, &m.To, &m.Type, &m.Payload, &prio, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := fillMessage(&m, prio, created); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func scanMessagesWithRead(rows *sql.Rows) ([]protocol.Message, error) {
	defer rows.Close()
	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var prio, created string
		var readAt sql.NullString
		if err := rows.Scan(&m.Seq, &m.ID, &m.From, &m.To, &m.Type, &m.Payload, &prio, &created, &readAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := fillMessage(&m, prio, created); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t, err := time.Parse(protocol.TimeLayout, readAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse read_at: %w", err)
			}
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func fillMessage(m *protocol.Message, prio, created string) error {
	p, err := protocol.ParsePriority(prio)
	if err != nil {
		p = protocol.PriorityNormal
	}
	m.Priority = p
	t, err := time.Parse(protocol.TimeLayout, created)
	if err != nil {
		return fmt.Errorf("parse created_at of %s: %w", m.ID, err)
	}
	m.CreatedAt = t
	return nil
}
