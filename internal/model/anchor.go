package model

import "time"

// Ledger identifiers.
const (
	LedgerEVM  = "evm"
	LedgerXRPL = "xrpl"
)

// Ledgers lists every anchoring ledger in a stable order.
var Ledgers = []string{LedgerEVM, LedgerXRPL}

// AnchorState distinguishes what the audit service can check for a ledger.
type AnchorState string

const (
	AnchorNotAttempted AnchorState = "not_attempted"
	AnchorFailed       AnchorState = "failed"
	AnchorAnchored     AnchorState = "anchored"
)

// AnchorRecord is the outcome of anchoring one session hash on one ledger.
type AnchorRecord struct {
	Ledger     string      `json:"ledger"`
	State      AnchorState `json:"state"`
	Hash       string      `json:"hash,omitempty"`
	TxID       string      `json:"tx_id,omitempty"`
	Position   uint64      `json:"position,omitempty"`
	AnchoredAt *time.Time  `json:"anchored_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
	Mock       bool        `json:"mock,omitempty"`
}

// AuditReport is the result of re-verifying a snapshot against a ledger.
type AuditReport struct {
	SessionID      string     `json:"session_id,omitempty"`
	Ledger         string     `json:"ledger"`
	TxID           string     `json:"tx_id"`
	RecomputedHash string     `json:"recomputed_hash"`
	OnChainHash    string     `json:"on_chain_hash,omitempty"`
	Match          bool       `json:"match"`
	IsValid        bool       `json:"is_valid"`
	Reason         string     `json:"reason,omitempty"`
	Position       uint64     `json:"position,omitempty"`
	AnchoredAt     *time.Time `json:"anchored_at,omitempty"`
	ExplorerURL    string     `json:"explorer_url,omitempty"`
	Steps          []string   `json:"steps"`
}

// LedgerEntry is what a ledger returns for an anchoring transaction.
type LedgerEntry struct {
	Ledger    string    `json:"ledger"`
	TxID      string    `json:"tx_id"`
	Hash      string    `json:"hash"`
	Position  uint64    `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}
