// Package ledger anchors session digests on two independent ledgers: an
// account-based chain (EVM JSON-RPC) and a memo-based payment chain (XRPL).
// Each ledger has a real and a mock adapter behind the same Anchorer
// interface; the adapter is chosen once at construction.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/witness-cli/internal/model"
)

var (
	// ErrNotFound is returned by Retrieve when the ledger has no such transaction.
	ErrNotFound = eris.New("ledger: transaction not found")
	// ErrUnknownLedger is returned for a ledger name the service was not built with.
	ErrUnknownLedger = eris.New("ledger: unknown ledger")
	// ErrNotReady is returned when a ledger failed its one-time initialization.
	ErrNotReady = eris.New("ledger: not initialized")
)

// UnconfirmedError reports a transaction the ledger accepted that was not
// confirmed before Anchor gave up. The transaction may still land, so TxID
// must be confirmed before anything is resubmitted.
type UnconfirmedError struct {
	Ledger string
	TxID   string
	Err    error
}

func (e *UnconfirmedError) Error() string {
	return e.Ledger + ": transaction " + e.TxID + " unconfirmed: " + e.Err.Error()
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// SubmittedTxID returns the id of a transaction that reached the ledger
// before err occurred, or "" when nothing was submitted.
func SubmittedTxID(err error) string {
	var uerr *UnconfirmedError
	if errors.As(err, &uerr) {
		return uerr.TxID
	}
	return ""
}

// Receipt is what a successful Anchor call returns.
type Receipt struct {
	TxID      string
	Position  uint64
	Timestamp time.Time
	Mock      bool
}

// Anchorer is one ledger adapter.
type Anchorer interface {
	// Name is the ledger identifier stored on anchor records.
	Name() string
	// Init performs the one-time credential and funding check.
	Init(ctx context.Context) error
	// Anchor records hash on the ledger. Once a transaction has been
	// submitted, failures are returned as *UnconfirmedError.
	Anchor(ctx context.Context, hash string) (Receipt, error)
	// Confirm waits for an earlier submission of hash under txID. It returns
	// ErrNotFound when the ledger never saw the transaction.
	Confirm(ctx context.Context, txID, hash string) (Receipt, error)
	// Retrieve returns the hash carried by txID, or ErrNotFound.
	Retrieve(ctx context.Context, txID string) (model.LedgerEntry, error)
	// ExplorerURL returns a human-facing link for txID.
	ExplorerURL(txID string) string
}

// ValidateHash checks that hash is a lowercase hex SHA-256 digest.
func ValidateHash(hash string) error {
	if len(hash) != 64 {
		return eris.Errorf("ledger: hash must be 64 hex characters, got %d", len(hash))
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return eris.Errorf("ledger: hash is not lowercase hex: %q", hash)
		}
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return eris.Wrap(err, "ledger: decode hash")
	}
	return nil
}
