// Package store persists minion conversations as an append-only sqlite log
// and keeps background process scrollback.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
)

// Op is the kind of a log record
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

var ErrEmptyMinionID = errors.New("minion id is required")

// Record is one entry of a minion's log
type Record struct {
	Seq       int64
	ID        string
	MinionID  string
	MessageID string
	Op        Op
	Body      json.RawMessage
	CreatedAt time.Time
}

// Store is the persisted source of truth across restarts. Aggregators are
// projections rebuilt from it with Replay.
type Store struct {
	db *sql.DB
}

// Open creates or opens lattice.db under dataDir
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "lattice.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps appends ordered by seq
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS message_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		minion_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		op TEXT NOT NULL,
		body TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_minion ON message_log(minion_id, seq);

	CREATE TABLE IF NOT EXISTS scrollback (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		process_id TEXT NOT NULL,
		line TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scrollback_process ON scrollback(process_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SnapshotTo writes a consistent copy of the database to path
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// AppendMessage records the full state of msg
func (s *Store) AppendMessage(ctx context.Context, minionID string, msg conversation.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return s.append(ctx, minionID, msg.ID, OpPut, body)
}

// AppendDelete records the removal of messageID
func (s *Store) AppendDelete(ctx context.Context, minionID, messageID string) error {
	return s.append(ctx, minionID, messageID, OpDelete, nil)
}

func (s *Store) append(ctx context.Context, minionID, messageID string, op Op, body []byte) error {
	if minionID == "" {
		return ErrEmptyMinionID
	}
	var bodyArg any
	if body != nil {
		bodyArg = string(body)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_log (id, minion_id, message_id, op, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		"log_"+uuid.New().String(), minionID, messageID, string(op), bodyArg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", op, messageID, err)
	}
	return nil
}

// Records returns a minion's log in append order
func (s *Store) Records(ctx context.Context, minionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, minion_id, message_id, op, body, created_at
		FROM message_log WHERE minion_id = ? ORDER BY seq`, minionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		var op string
		var body sql.NullString
		if err := rows.Scan(&r.Seq, &r.ID, &r.MinionID, &r.MessageID, &op, &body, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		r.Op = Op(op)
		if body.Valid {
			r.Body = json.RawMessage(body.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Replay feeds a minion's log through h in order: puts as complete
// messages, deletes as message deletions. It returns the number of records
// applied.
func (s *Store) Replay(ctx context.Context, minionID string, h conversation.Handler) (int, error) {
	records, err := s.Records(ctx, minionID)
	if err != nil {
		return 0, err
	}
	for i, r := range records {
		var err error
		switch r.Op {
		case OpPut:
			err = h.HandleMessage(&event.GenericMessage{Type: event.TypeMessage, Message: r.Body})
		case OpDelete:
			err = h.HandleDeleteMessage(&event.DeleteMessage{MessageID: r.MessageID})
		default:
			err = fmt.Errorf("unknown op %q", r.Op)
		}
		if err != nil {
			return i, fmt.Errorf("replay record %d of %s: %w", r.Seq, minionID, err)
		}
	}
	return len(records), nil
}

// Minions lists every minion with at least one record
func (s *Store) Minions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT minion_id FROM message_log GROUP BY minion_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list minions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendScrollback stores lines of process output
func (s *Store) AppendScrollback(ctx context.Context, processID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scrollback (process_id, line, created_at) VALUES (?, ?, ?)`,
			processID, line, now); err != nil {
			return fmt.Errorf("failed to insert scrollback: %w", err)
		}
	}
	return tx.Commit()
}

// Scrollback returns the last limit lines for processID in output order.
// limit <= 0 returns everything.
func (s *Store) Scrollback(ctx context.Context, processID string, limit int) ([]string, error) {
	query := `SELECT line FROM (
		SELECT seq, line FROM scrollback WHERE process_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, processID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scrollback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
