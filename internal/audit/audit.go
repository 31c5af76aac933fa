// Package audit re-verifies an anchored session against the ledger that
// holds its digest. It never writes to the store or to a ledger.
package audit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/model"
)

var (
	// ErrMismatch means the recomputed digest differs from the one on the ledger.
	ErrMismatch = eris.New("audit: hash mismatch")
	// ErrNotAnchored means the session holds no anchor on the requested ledger.
	ErrNotAnchored = eris.New("audit: session not anchored on ledger")
)

// Ledgers is the read side of the ledger service.
type Ledgers interface {
	Retrieve(ctx context.Context, ledger, txID string) (model.LedgerEntry, error)
	ExplorerURL(ledger, txID string) string
}

// Sessions loads persisted sessions.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Verifier checks snapshots against ledger entries.
type Verifier struct {
	ledgers  Ledgers
	sessions Sessions
}

// NewVerifier creates a Verifier. sessions may be nil when only Verify is used.
func NewVerifier(ledgers Ledgers, sessions Sessions) *Verifier {
	return &Verifier{ledgers: ledgers, sessions: sessions}
}

// Verify recomputes the digest of snap and compares it with the hash carried
// by txID on the named ledger. The report is returned alongside ErrMismatch
// and ledger.ErrNotFound so callers can show why the audit failed.
func (v *Verifier) Verify(ctx context.Context, snap canonhash.Snapshot, ledgerName, txID string) (*model.AuditReport, error) {
	report := &model.AuditReport{
		SessionID:   snap.SessionID,
		Ledger:      ledgerName,
		TxID:        txID,
		ExplorerURL: v.ledgers.ExplorerURL(ledgerName, txID),
		Steps:       []string{},
	}

	hash, err := canonhash.Sum(snap)
	if err != nil {
		return nil, eris.Wrap(err, "audit: recompute hash")
	}
	report.RecomputedHash = hash
	addStep(report, "recomputed canonical hash %s", hash)

	entry, err := v.ledgers.Retrieve(ctx, ledgerName, txID)
	if errors.Is(err, ledger.ErrNotFound) {
		report.Reason = "transaction not found"
		addStep(report, "transaction %s not found on %s", txID, ledgerName)
		v.log(report)
		return report, eris.Wrapf(err, "audit: %s", txID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "audit: retrieve %s from %s", txID, ledgerName)
	}

	at := entry.Timestamp
	report.OnChainHash = entry.Hash
	report.Position = entry.Position
	report.AnchoredAt = &at
	addStep(report, "retrieved transaction %s at position %d on %s", txID, entry.Position, ledgerName)

	report.Match = subtle.ConstantTimeCompare([]byte(hash), []byte(entry.Hash)) == 1
	report.IsValid = report.Match
	if !report.Match {
		report.Reason = "recomputed hash does not match the ledger"
		addStep(report, "ledger carries %s, which differs from the recomputed hash", entry.Hash)
		v.log(report)
		return report, eris.Wrapf(ErrMismatch, "session %s on %s", snap.SessionID, ledgerName)
	}
	addStep(report, "hashes match")
	v.log(report)
	return report, nil
}

// VerifySession audits a persisted session using the transaction id stored
// on its anchor record for ledgerName.
func (v *Verifier) VerifySession(ctx context.Context, sessionID, ledgerName string) (*model.AuditReport, error) {
	if v.sessions == nil {
		return nil, eris.New("audit: no session store configured")
	}
	s, err := v.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: load session %s", sessionID)
	}

	rec := s.Anchor(ledgerName)
	if rec.State != model.AnchorAnchored {
		report := &model.AuditReport{
			SessionID: sessionID,
			Ledger:    ledgerName,
			Reason:    fmt.Sprintf("anchor state is %s", rec.State),
			Steps:     []string{fmt.Sprintf("session %s has no anchor on %s (state %s)", sessionID, ledgerName, rec.State)},
		}
		if rec.Error != "" {
			report.Steps = append(report.Steps, "last anchoring error: "+rec.Error)
		}
		return report, eris.Wrapf(ErrNotAnchored, "%s on %s", sessionID, ledgerName)
	}

	snap, err := canonhash.FromSession(s)
	if err != nil {
		return nil, eris.Wrap(err, "audit: build snapshot")
	}
	report, err := v.Verify(ctx, snap, ledgerName, rec.TxID)
	if report != nil && rec.Hash != "" && rec.Hash != report.RecomputedHash {
		addStep(report, "stored anchor record hash %s differs from the recomputed hash", rec.Hash)
	}
	return report, err
}

func addStep(r *model.AuditReport, format string, args ...any) {
	r.Steps = append(r.Steps, fmt.Sprintf(format, args...))
}

func (v *Verifier) log(r *model.AuditReport) {
	zap.L().Info("audit: verified",
		zap.String("session_id", r.SessionID),
		zap.String("ledger", r.Ledger),
		zap.String("tx_id", r.TxID),
		zap.Bool("valid", r.IsValid),
		zap.String("reason", r.Reason),
	)
}
