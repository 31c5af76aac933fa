package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/witness-cli/internal/db"
	"github.com/sells-group/witness-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'scheduled',
	version     BIGINT NOT NULL DEFAULT 1,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	type       TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION reject_session_event_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'session_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS session_events_append_only ON session_events;
CREATE TRIGGER session_events_append_only
	BEFORE UPDATE OR DELETE ON session_events
	FOR EACH ROW EXECUTE FUNCTION reject_session_event_mutation();

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT NOT NULL,
	operation  TEXT NOT NULL,
	session_id TEXT NOT NULL,
	response   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (key, operation)
);

CREATE TABLE IF NOT EXISTS mock_ledger_entries (
	ledger      TEXT NOT NULL,
	tx_id       TEXT NOT NULL,
	hash        TEXT NOT NULL,
	position    BIGINT NOT NULL,
	anchored_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ledger, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(customer_id);
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	prepareNewSession(sess)

	data, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, customer_id, status, version, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.CustomerID, string(sess.Status), sess.Version, data, sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT data, version FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session, expectedVersion int64) error {
	data, err := stampUpdate(sess, expectedVersion)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, version = $2, data = $3, updated_at = $4 WHERE id = $5 AND version = $6`,
		string(sess.Status), sess.Version, data, sess.UpdatedAt, sess.ID, expectedVersion,
	)
	if err != nil {
		sess.Version = expectedVersion
		return eris.Wrapf(err, "postgres: update session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		sess.Version = expectedVersion
		return s.classifyMiss(ctx, sess.ID)
	}
	return nil
}

func (s *PostgresStore) classifyMiss(ctx context.Context, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check session %s", id)
	}
	return eris.Wrapf(ErrConflict, "session %s", id)
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT data, version FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = ` + placeholder(len(args))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		query += ` AND customer_id = ` + placeholder(len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += ` ORDER BY created_at DESC LIMIT ` + placeholder(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET ` + placeholder(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.SessionEvent) error {
	prepareEvent(e)

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_events (id, session_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.SessionID, string(e.Type), payload, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert event for session %s", e.SessionID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string) ([]model.SessionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, type, payload, created_at FROM session_events WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events for session %s", sessionID)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		var e model.SessionEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.Type = model.EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event payload")
			}
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, key, operation string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, operation, session_id, response, created_at FROM idempotency_keys WHERE key = $1 AND operation = $2`,
		key, operation,
	).Scan(&rec.Key, &rec.Operation, &rec.SessionID, &rec.Response, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get idempotency key")
	}
	return &rec, nil
}

func (s *PostgresStore) SaveIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, operation, session_id, response, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key, operation) DO NOTHING`,
		rec.Key, rec.Operation, rec.SessionID, rec.Response, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save idempotency key")
}

func (s *PostgresStore) PutLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mock_ledger_entries (ledger, tx_id, hash, position, anchored_at) VALUES ($1, $2, $3, $4, $5)`,
		e.Ledger, e.TxID, e.Hash, int64(e.Position), e.Timestamp.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert ledger entry %s", e.TxID)
}

func (s *PostgresStore) GetLedgerEntry(ctx context.Context, ledger, txID string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var pos int64
	err := s.pool.QueryRow(ctx,
		`SELECT ledger, tx_id, hash, position, anchored_at FROM mock_ledger_entries WHERE ledger = $1 AND tx_id = $2`,
		ledger, txID,
	).Scan(&e.Ledger, &e.TxID, &e.Hash, &pos, &e.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "ledger entry %s", txID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ledger entry %s", txID)
	}
	e.Position = uint64(pos)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func (s *PostgresStore) MaxLedgerPosition(ctx context.Context, ledger string) (uint64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM mock_ledger_entries WHERE ledger = $1`, ledger,
	).Scan(&pos)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: max ledger position %s", ledger)
	}
	return uint64(pos), nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
