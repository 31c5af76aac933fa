package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/witness-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'scheduled',
	version     INTEGER NOT NULL DEFAULT 1,
	data        TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS session_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	type       TEXT NOT NULL,
	payload    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TRIGGER IF NOT EXISTS session_events_no_update
BEFORE UPDATE ON session_events
BEGIN
	SELECT RAISE(ABORT, 'session_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS session_events_no_delete
BEFORE DELETE ON session_events
BEGIN
	SELECT RAISE(ABORT, 'session_events is append-only');
END;

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT NOT NULL,
	operation  TEXT NOT NULL,
	session_id TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (key, operation)
);

CREATE TABLE IF NOT EXISTS mock_ledger_entries (
	ledger      TEXT NOT NULL,
	tx_id       TEXT NOT NULL,
	hash        TEXT NOT NULL,
	position    INTEGER NOT NULL,
	anchored_at DATETIME NOT NULL,
	PRIMARY KEY (ledger, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(customer_id);
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	prepareNewSession(sess)

	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, customer_id, status, version, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.CustomerID, string(sess.Status), sess.Version, string(data), sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, version FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session, expectedVersion int64) error {
	data, err := stampUpdate(sess, expectedVersion)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(sess.Status), sess.Version, string(data), sess.UpdatedAt, sess.ID, expectedVersion,
	)
	if err != nil {
		sess.Version = expectedVersion
		return eris.Wrapf(err, "sqlite: update session %s", sess.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		sess.Version = expectedVersion
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		sess.Version = expectedVersion
		return s.classifyMiss(ctx, sess.ID)
	}
	return nil
}

// classifyMiss distinguishes a missing row from a lost version race.
func (s *SQLiteStore) classifyMiss(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check session %s", id)
	}
	return eris.Wrapf(ErrConflict, "session %s", id)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT data, version FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *model.SessionEvent) error {
	prepareEvent(e)

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Type), string(payload), e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert event for session %s", e.SessionID)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]model.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, payload, created_at FROM session_events WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events for session %s", sessionID)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		var e model.SessionEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal event payload")
			}
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) GetIdempotency(ctx context.Context, key, operation string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var response string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, operation, session_id, response, created_at FROM idempotency_keys WHERE key = ? AND operation = ?`,
		key, operation,
	).Scan(&rec.Key, &rec.Operation, &rec.SessionID, &response, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get idempotency key")
	}
	rec.Response = []byte(response)
	return &rec, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, operation, session_id, response, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key, operation) DO NOTHING`,
		rec.Key, rec.Operation, rec.SessionID, string(rec.Response), rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: save idempotency key")
}

func (s *SQLiteStore) PutLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mock_ledger_entries (ledger, tx_id, hash, position, anchored_at) VALUES (?, ?, ?, ?, ?)`,
		e.Ledger, e.TxID, e.Hash, int64(e.Position), e.Timestamp.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert ledger entry %s", e.TxID)
}

func (s *SQLiteStore) GetLedgerEntry(ctx context.Context, ledger, txID string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT ledger, tx_id, hash, position, anchored_at FROM mock_ledger_entries WHERE ledger = ? AND tx_id = ?`,
		ledger, txID,
	).Scan(&e.Ledger, &e.TxID, &e.Hash, &pos, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "ledger entry %s", txID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get ledger entry %s", txID)
	}
	e.Position = uint64(pos)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func (s *SQLiteStore) MaxLedgerPosition(ctx context.Context, ledger string) (uint64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM mock_ledger_entries WHERE ledger = ?`, ledger,
	).Scan(&pos)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: max ledger position %s", ledger)
	}
	return uint64(pos), nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var data []byte
	var version int64
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, eris.Wrap(err, "unmarshal session")
	}
	sess.Version = version
	return &sess, nil
}

func prepareNewSession(sess *model.Session) {
	now := time.Now().UTC()
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = model.StatusScheduled
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.ScheduledAt.IsZero() {
		sess.ScheduledAt = sess.CreatedAt
	}
	sess.UpdatedAt = sess.CreatedAt
	sess.Version = 1
}

// stampUpdate advances the version and timestamp and returns the row data.
func stampUpdate(sess *model.Session, expectedVersion int64) ([]byte, error) {
	sess.Version = expectedVersion + 1
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		sess.Version = expectedVersion
		return nil, eris.Wrap(err, "store: marshal session")
	}
	return data, nil
}

func prepareEvent(e *model.SessionEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func listLimit(n int) int {
	if n <= 0 || n > 500 {
		return 100
	}
	return n
}
