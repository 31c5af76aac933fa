package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/store"
)

type sessionMap map[string]*model.Session

func (m sessionMap) GetSession(_ context.Context, id string) (*model.Session, error) {
	s, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func snapshot() canonhash.Snapshot {
	return canonhash.Snapshot{
		SessionID:   "sess-1",
		CustomerID:  "cust-1",
		WitnessType: "remote",
		DocumentRef: "https://objects/id.png",
		VideoRef:    "https://objects/video.webm",
		FaceMatch:   canonhash.FaceMatch{IsMatch: true, Similarity: 96},
		Liveness:    canonhash.Liveness{IsLive: true, Score: 92},
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func anchored(t *testing.T, svc *ledger.Service, snap canonhash.Snapshot) map[string]model.AnchorRecord {
	t.Helper()
	hash, err := canonhash.Sum(snap)
	require.NoError(t, err)
	return svc.AnchorAll(context.Background(), hash, nil)
}

func newService() *ledger.Service {
	return ledger.NewService(time.Second,
		ledger.NewMockLedger(model.LedgerEVM, "https://polygonscan.com/tx/", nil),
		ledger.NewMockLedger(model.LedgerXRPL, "https://livenet.xrpl.org/transactions/", nil),
	)
}

func TestVerify_Match(t *testing.T) {
	svc := newService()
	snap := snapshot()
	recs := anchored(t, svc, snap)

	v := NewVerifier(svc, nil)
	for _, name := range model.Ledgers {
		report, err := v.Verify(context.Background(), snap, name, recs[name].TxID)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.True(t, report.Match)
		assert.Equal(t, report.RecomputedHash, report.OnChainHash)
		assert.Equal(t, recs[name].Position, report.Position)
		assert.Contains(t, report.ExplorerURL, recs[name].TxID)
		assert.NotEmpty(t, report.Steps)
	}
}

func TestVerify_TamperedSnapshot(t *testing.T) {
	svc := newService()
	snap := snapshot()
	recs := anchored(t, svc, snap)

	tampered := snap
	tampered.FaceMatch.Similarity = 97

	report, err := NewVerifier(svc, nil).Verify(context.Background(), tampered, model.LedgerEVM, recs[model.LedgerEVM].TxID)
	require.ErrorIs(t, err, ErrMismatch)
	require.NotNil(t, report)
	assert.False(t, report.IsValid)
	assert.False(t, report.Match)
	assert.NotEqual(t, report.RecomputedHash, report.OnChainHash)
}

func TestVerify_TransactionNotFound(t *testing.T) {
	report, err := NewVerifier(newService(), nil).Verify(context.Background(), snapshot(), model.LedgerXRPL, "DEADBEEF")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.NotNil(t, report)
	assert.False(t, report.IsValid)
	assert.Equal(t, "transaction not found", report.Reason)
}

func TestVerify_UnknownLedger(t *testing.T) {
	_, err := NewVerifier(newService(), nil).Verify(context.Background(), snapshot(), "btc", "x")
	assert.ErrorIs(t, err, ledger.ErrUnknownLedger)
}

func TestVerify_Idempotent(t *testing.T) {
	svc := newService()
	snap := snapshot()
	recs := anchored(t, svc, snap)
	v := NewVerifier(svc, nil)

	first, err := v.Verify(context.Background(), snap, model.LedgerEVM, recs[model.LedgerEVM].TxID)
	require.NoError(t, err)
	second, err := v.Verify(context.Background(), snap, model.LedgerEVM, recs[model.LedgerEVM].TxID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// No new anchor was written by auditing.
	e, err := svc.Retrieve(context.Background(), model.LedgerEVM, recs[model.LedgerEVM].TxID)
	require.NoError(t, err)
	assert.Equal(t, first.OnChainHash, e.Hash)
}

func completedSession(t *testing.T, svc *ledger.Service) *model.Session {
	t.Helper()
	snap := snapshot()
	s := &model.Session{
		ID:          snap.SessionID,
		CustomerID:  snap.CustomerID,
		WitnessType: snap.WitnessType,
		Status:      model.StatusCompleted,
		Evidence: model.Evidence{
			IDDocumentURL:     snap.DocumentRef,
			VideoRecordingURL: snap.VideoRef,
		},
		Verification: &model.Verification{
			FaceMatch: true, FaceSimilarity: 96, IsLive: true, LivenessScore: 92,
		},
		Seal: &model.Seal{HashedAt: snap.Timestamp},
	}
	s.Anchors = anchored(t, svc, snap)
	s.Seal.Hash = s.Anchors[model.LedgerEVM].Hash
	return s
}

func TestVerifySession(t *testing.T) {
	svc := newService()
	s := completedSession(t, svc)
	v := NewVerifier(svc, sessionMap{s.ID: s})

	report, err := v.VerifySession(context.Background(), s.ID, model.LedgerXRPL)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, s.Anchors[model.LedgerXRPL].TxID, report.TxID)
}

func TestVerifySession_TamperedRow(t *testing.T) {
	svc := newService()
	s := completedSession(t, svc)
	s.Evidence.IDDocumentURL = "https://objects/other.png"
	v := NewVerifier(svc, sessionMap{s.ID: s})

	report, err := v.VerifySession(context.Background(), s.ID, model.LedgerEVM)
	require.ErrorIs(t, err, ErrMismatch)
	assert.False(t, report.IsValid)
	assert.Contains(t, report.Steps[len(report.Steps)-1], "stored anchor record hash")
}

func TestVerifySession_RefusesUnanchoredLedger(t *testing.T) {
	svc := newService()
	s := completedSession(t, svc)
	s.Anchors[model.LedgerXRPL] = model.AnchorRecord{
		Ledger: model.LedgerXRPL, State: model.AnchorFailed, Error: "timeout", Attempts: 1,
	}
	v := NewVerifier(svc, sessionMap{s.ID: s})

	report, err := v.VerifySession(context.Background(), s.ID, model.LedgerXRPL)
	require.ErrorIs(t, err, ErrNotAnchored)
	assert.False(t, report.IsValid)
	assert.Equal(t, "anchor state is failed", report.Reason)
	assert.Contains(t, report.Steps, "last anchoring error: timeout")

	delete(s.Anchors, model.LedgerXRPL)
	report, err = v.VerifySession(context.Background(), s.ID, model.LedgerXRPL)
	require.ErrorIs(t, err, ErrNotAnchored)
	assert.Equal(t, "anchor state is not_attempted", report.Reason)
}

func TestVerifySession_MissingSession(t *testing.T) {
	v := NewVerifier(newService(), sessionMap{})
	_, err := v.VerifySession(context.Background(), "nope", model.LedgerEVM)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
