package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/store"
)

// Journal persists mock anchors so they can be retrieved later. store.Store
// satisfies it; MemoryJournal is the in-process default.
type Journal interface {
	PutLedgerEntry(ctx context.Context, e model.LedgerEntry) error
	GetLedgerEntry(ctx context.Context, ledger, txID string) (*model.LedgerEntry, error)
	MaxLedgerPosition(ctx context.Context, ledger string) (uint64, error)
}

// MemoryJournal is a Journal held in memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]model.LedgerEntry
	max     map[string]uint64
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		entries: make(map[string]model.LedgerEntry),
		max:     make(map[string]uint64),
	}
}

func (j *MemoryJournal) PutLedgerEntry(_ context.Context, e model.LedgerEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := e.Ledger + "/" + e.TxID
	if _, ok := j.entries[key]; ok {
		return eris.Errorf("ledger: journal already holds %s", key)
	}
	j.entries[key] = e
	if e.Position > j.max[e.Ledger] {
		j.max[e.Ledger] = e.Position
	}
	return nil
}

func (j *MemoryJournal) GetLedgerEntry(_ context.Context, ledger, txID string) (*model.LedgerEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[ledger+"/"+txID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "ledger entry %s", txID)
	}
	return &e, nil
}

func (j *MemoryJournal) MaxLedgerPosition(_ context.Context, ledger string) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.max[ledger], nil
}

// Starting positions so mock ids and positions look like their real shapes.
var mockBasePosition = map[string]uint64{
	model.LedgerEVM:  50_000_000,
	model.LedgerXRPL: 80_000_000,
}

// MockLedger stands in for a real ledger without network calls. It returns
// deterministically shaped transaction ids and round-trips hashes through
// its journal.
type MockLedger struct {
	name     string
	explorer string
	journal  Journal
	now      func() time.Time

	mu   sync.Mutex
	fail error
}

// NewMockLedger creates a mock for the named ledger. A nil journal means an
// in-memory one.
func NewMockLedger(name, explorerURL string, journal Journal) *MockLedger {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	return &MockLedger{
		name:     name,
		explorer: explorerURL,
		journal:  journal,
		now:      time.Now,
	}
}

func (m *MockLedger) Name() string { return m.name }

func (m *MockLedger) ExplorerURL(txID string) string { return m.explorer + txID }

func (m *MockLedger) Init(_ context.Context) error {
	zap.L().Info("ledger: mock mode", zap.String("ledger", m.name))
	return nil
}

// FailWith makes every subsequent Anchor call fail with err. Nil clears it.
func (m *MockLedger) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Anchor journals hash under the next position.
func (m *MockLedger) Anchor(ctx context.Context, hash string) (Receipt, error) {
	if err := ValidateHash(hash); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return Receipt{}, eris.Wrapf(m.fail, "%s: mock anchor", m.name)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, eris.Wrapf(err, "%s: mock anchor", m.name)
	}

	last, err := m.journal.MaxLedgerPosition(ctx, m.name)
	if err != nil {
		return Receipt{}, eris.Wrapf(err, "%s: mock position", m.name)
	}
	pos := max(last, mockBasePosition[m.name]) + 1

	entry := model.LedgerEntry{
		Ledger:    m.name,
		TxID:      mockTxID(m.name, hash, pos),
		Hash:      hash,
		Position:  pos,
		Timestamp: m.now().UTC().Truncate(time.Second),
	}
	if err := m.journal.PutLedgerEntry(ctx, entry); err != nil {
		return Receipt{}, eris.Wrapf(err, "%s: mock journal", m.name)
	}

	zap.L().Info("ledger: mock anchor",
		zap.String("ledger", m.name),
		zap.String("hash", hash),
		zap.String("tx_id", entry.TxID),
		zap.Uint64("position", pos),
	)
	return Receipt{TxID: entry.TxID, Position: pos, Timestamp: entry.Timestamp, Mock: true}, nil
}

// Confirm returns the journaled entry for txID when it carries hash.
func (m *MockLedger) Confirm(ctx context.Context, txID, hash string) (Receipt, error) {
	e, err := m.Retrieve(ctx, txID)
	if err != nil {
		return Receipt{}, err
	}
	if e.Hash != hash {
		return Receipt{}, eris.Errorf("%s: mock transaction %s carries %s, not %s", m.name, txID, e.Hash, hash)
	}
	return Receipt{TxID: e.TxID, Position: e.Position, Timestamp: e.Timestamp, Mock: true}, nil
}

// Retrieve returns the journaled entry or ErrNotFound.
func (m *MockLedger) Retrieve(ctx context.Context, txID string) (model.LedgerEntry, error) {
	e, err := m.journal.GetLedgerEntry(ctx, m.name, txID)
	if errors.Is(err, store.ErrNotFound) {
		return model.LedgerEntry{}, eris.Wrapf(ErrNotFound, "%s: %s", m.name, txID)
	}
	if err != nil {
		return model.LedgerEntry{}, eris.Wrapf(err, "%s: mock retrieve", m.name)
	}
	return *e, nil
}

// mockTxID mimics the real id format: 0x-prefixed lowercase hex for EVM,
// uppercase hex for XRPL.
func mockTxID(ledger, hash string, seq uint64) string {
	sum := sha256.Sum256([]byte(ledger + "|" + hash + "|" + strconv.FormatUint(seq, 10)))
	id := hex.EncodeToString(sum[:])
	if ledger == model.LedgerXRPL {
		return strings.ToUpper(id)
	}
	return "0x" + id
}
