package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/witness-cli/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional update lost the race.
	ErrConflict = eris.New("store: version conflict")
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status     model.SessionStatus `json:"status,omitempty"`
	CustomerID string              `json:"customer_id,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
	Offset     int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for witness sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// UpdateSession writes s only if the stored version equals
	// expectedVersion, then bumps s.Version. It returns ErrConflict when
	// another writer got there first.
	UpdateSession(ctx context.Context, s *model.Session, expectedVersion int64) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, e *model.SessionEvent) error
	ListEvents(ctx context.Context, sessionID string) ([]model.SessionEvent, error)

	// Idempotency keys. GetIdempotency returns nil, nil when the key is unused.
	GetIdempotency(ctx context.Context, key, operation string) (*model.IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error

	// Mock ledger journal
	PutLedgerEntry(ctx context.Context, e model.LedgerEntry) error
	GetLedgerEntry(ctx context.Context, ledger, txID string) (*model.LedgerEntry, error)
	MaxLedgerPosition(ctx context.Context, ledger string) (uint64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
