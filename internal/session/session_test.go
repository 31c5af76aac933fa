package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/witness-cli/internal/aggregate"
	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/document"
	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/storage"
	"github.com/sells-group/witness-cli/internal/store"
	"github.com/sells-group/witness-cli/internal/verify"
)

const pngDataURL = "data:image/png;base64,iVBORw0KGgo="

type stubAnalyzer struct {
	mu       sync.Mutex
	analysis model.Analysis
	last     verify.Input
}

func (a *stubAnalyzer) Run(_ context.Context, in verify.Input) model.Analysis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = in
	return a.analysis
}

func (a *stubAnalyzer) set(an model.Analysis) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analysis = an
}

type failingEmitter struct{}

func (failingEmitter) Emit(context.Context, *model.Session) (model.Documents, error) {
	return model.Documents{}, eris.New("disk full")
}

func analysis(liveness, similarity float64, authentic bool) model.Analysis {
	return model.Analysis{
		Liveness: &model.LivenessResult{
			IsLive:          true,
			LivenessScore:   liveness,
			FraudIndicators: []string{},
			Recommendation:  model.RecommendApprove,
		},
		Identity: &model.IdentityResult{
			IsVerified:       true,
			ConfidenceScore:  95,
			LivenessScore:    liveness,
			FaceMatch:        model.FaceMatch{IsMatch: true, Similarity: similarity},
			DocumentAnalysis: model.DocumentAnalysis{IsAuthentic: authentic, DocumentType: "passport"},
		},
	}
}

type harness struct {
	svc      *Service
	store    *store.SQLiteStore
	evm      *ledger.MockLedger
	xrpl     *ledger.MockLedger
	analyzer *stubAnalyzer
	now      time.Time
	mu       sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, minAnchors int) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "witness.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	objects, err := storage.NewLocalStore(t.TempDir(), "file:///objects")
	require.NoError(t, err)
	emitter, err := document.NewEmitter(objects)
	require.NoError(t, err)

	h := &harness{
		store:    st,
		evm:      ledger.NewMockLedger(model.LedgerEVM, "https://etherscan.io/tx/", st),
		xrpl:     ledger.NewMockLedger(model.LedgerXRPL, "https://livenet.xrpl.org/transactions/", st),
		analyzer: &stubAnalyzer{analysis: analysis(92, 96, true)},
		now:      time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	h.svc = NewService(Deps{
		Store:    st,
		Analyzer: h.analyzer,
		Ledgers:  ledger.NewService(time.Second, h.evm, h.xrpl),
		Emitter:  emitter,
		Objects:  objects,
		Now:      h.clock,
	}, Config{
		Policy: aggregate.PolicyFromConfig(config.VerificationConfig{
			ApproveThreshold: 90,
			ReviewThreshold:  80,
			FraudPenalty:     10,
		}),
		MinAnchors: minAnchors,
		ClaimTTL:   time.Minute,
	})
	return h
}

// ready returns an in-progress session with both signatures and a verification.
func (h *harness) ready(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-1", CustomerName: "Jane Doe", FormReference: "Form 1583"})
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, sess.ID, "")
	require.NoError(t, err)
	_, err = h.svc.CaptureSignature(ctx, sess.ID, "customer", pngDataURL)
	require.NoError(t, err)
	_, err = h.svc.ConfirmWitness(ctx, sess.ID, "I witnessed the signing", "https://cdn.example.com/witness.png")
	require.NoError(t, err)
	_, err = h.svc.RunVerification(ctx, sess.ID, VerifyInput{
		FaceVideoURL:  "https://cdn.example.com/face.webm",
		IDDocumentURL: "https://cdn.example.com/passport.jpg",
	})
	require.NoError(t, err)
	return sess.ID
}

func eventTypes(t *testing.T, h *harness, id string) []model.EventType {
	t.Helper()
	events, err := h.svc.Events(context.Background(), id)
	require.NoError(t, err)
	out := make([]model.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func count(types []model.EventType, typ model.EventType) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestService_CompleteHappyPath(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)

	sess, err := h.svc.Complete(ctx, id, CompleteOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, sess.Status)
	require.NotNil(t, sess.CompletedAt)
	assert.Nil(t, sess.Claim)
	require.NotNil(t, sess.Seal)
	assert.Len(t, sess.Seal.Hash, 64)
	assert.Equal(t, h.now, sess.Seal.HashedAt)
	assert.Equal(t, model.AnchoringComplete, sess.AnchoringStatus())
	for _, name := range []string{model.LedgerEVM, model.LedgerXRPL} {
		rec := sess.Anchor(name)
		assert.Equal(t, model.AnchorAnchored, rec.State, name)
		assert.Equal(t, sess.Seal.Hash, rec.Hash, name)
		assert.NotEmpty(t, rec.TxID, name)
		assert.True(t, rec.Mock, name)
	}

	snap, err := canonhash.FromSession(sess)
	require.NoError(t, err)
	want, err := canonhash.Sum(snap)
	require.NoError(t, err)
	assert.Equal(t, want, sess.Seal.Hash)

	require.NotNil(t, sess.Documents)
	assert.Len(t, sess.Documents.FormSHA256, 64)
	assert.True(t, strings.HasSuffix(sess.Documents.CertificateURL, "/documents/"+id+"/"+document.CertificateName))
	assert.Equal(t, "file:///objects/evidence/"+id+"/customer-signature.png", sess.Evidence.CustomerSignatureURL)

	assert.Equal(t, []model.EventType{
		model.EventScheduled,
		model.EventStarted,
		model.EventSignatureCaptured,
		model.EventWitnessConfirmed,
		model.EventVerificationCompleted,
		model.EventCompletionAttempted,
		model.EventCompleted,
	}, eventTypes(t, h, id))
}

func TestService_VerificationInputs(t *testing.T) {
	h := newHarness(t, 1)
	id := h.ready(t)

	assert.Equal(t, "https://cdn.example.com/face.webm", h.analyzer.last.FaceVideoURL)
	assert.Equal(t, "https://cdn.example.com/passport.jpg", h.analyzer.last.IDDocumentURL)
	assert.Equal(t, "Form 1583", h.analyzer.last.FormReference)

	sess, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess.Verification)
	assert.Equal(t, model.RecommendApprove, sess.Verification.Recommendation)
	assert.Equal(t, h.now, sess.Verification.VerifiedAt)
}

func TestService_StartIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, "remote", sess.WitnessType)

	first, err := h.svc.Start(ctx, sess.ID, "key-1")
	require.NoError(t, err)
	second, err := h.svc.Start(ctx, sess.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, model.StatusInProgress, second.Status)

	// Without a key, starting an in-progress session is a no-op.
	third, err := h.svc.Start(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.Version, third.Version)
	assert.Equal(t, 1, count(eventTypes(t, h, sess.ID), model.EventStarted))

	other, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-2"})
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, other.ID, "key-1")
	assert.ErrorIs(t, err, ErrIdempotencyKeyReuse)
}

func TestService_StartCompletedIsInvalid(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)
	_, err := h.svc.Complete(ctx, id, CompleteOptions{})
	require.NoError(t, err)

	_, err = h.svc.Start(ctx, id, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sess.Status)
}

func TestService_ConcurrentCompleteSingleWinner(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)

	const callers = 4
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Complete(ctx, id, CompleteOptions{})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
	}
	assert.Equal(t, 1, ok)

	types := eventTypes(t, h, id)
	assert.Equal(t, 1, count(types, model.EventCompleted))
	assert.Equal(t, 1, count(types, model.EventCompletionAttempted))
}

func TestService_PartialAnchorFailureStillCompletes(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)
	h.xrpl.FailWith(eris.New("rippled unavailable"))

	sess, err := h.svc.Complete(ctx, id, CompleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sess.Status)
	assert.Equal(t, model.AnchoringIncomplete, sess.AnchoringStatus())

	assert.Equal(t, model.AnchorAnchored, sess.Anchor(model.LedgerEVM).State)
	failed := sess.Anchor(model.LedgerXRPL)
	assert.Equal(t, model.AnchorFailed, failed.State)
	assert.Contains(t, failed.Error, "rippled unavailable")
	assert.Empty(t, failed.TxID)
}

func TestService_AnchorRetryReusesHash(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	id := h.ready(t)
	h.xrpl.FailWith(eris.New("rippled unavailable"))

	sess, err := h.svc.Complete(ctx, id, CompleteOptions{})
	require.ErrorIs(t, err, ErrAnchorAttemptFailed)
	require.NotNil(t, sess)
	assert.Equal(t, model.StatusInProgress, sess.Status)
	assert.Nil(t, sess.Claim)
	assert.Empty(t, sess.Anchors)
	require.True(t, sess.Sealed())
	hash := sess.Seal.Hash
	evmTx := sess.Seal.Attempts[model.LedgerEVM].TxID
	require.NotEmpty(t, evmTx)
	assert.Contains(t, eventTypes(t, h, id), model.EventAnchorFailed)

	// Content is fixed once a digest exists.
	_, err = h.svc.CaptureSignature(ctx, id, "customer", pngDataURL)
	assert.ErrorIs(t, err, ErrSealed)
	_, err = h.svc.Cancel(ctx, id, "customer left")
	assert.ErrorIs(t, err, ErrSealed)

	h.advance(time.Hour)
	h.xrpl.FailWith(nil)
	sess, err = h.svc.Complete(ctx, id, CompleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, sess.Status)
	assert.Equal(t, hash, sess.Seal.Hash)
	assert.Equal(t, model.AnchoringComplete, sess.AnchoringStatus())

	evm := sess.Anchor(model.LedgerEVM)
	assert.Equal(t, evmTx, evm.TxID)
	assert.Equal(t, 1, evm.Attempts)
	xrpl := sess.Anchor(model.LedgerXRPL)
	assert.Equal(t, 2, xrpl.Attempts)
	assert.Equal(t, hash, xrpl.Hash)
}

func TestService_ReviewGating(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	h.analyzer.set(analysis(85, 85, true))
	id := h.ready(t)

	_, err := h.svc.Complete(ctx, id, CompleteOptions{})
	assert.ErrorIs(t, err, ErrNeedsReview)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess.Claim)
	assert.Nil(t, sess.Seal)

	sess, err = h.svc.Complete(ctx, id, CompleteOptions{ReviewOverride: true})
	require.NoError(t, err)
	assert.True(t, sess.ReviewOverride)
	assert.Equal(t, model.ReviewOverridden, sess.ReviewStatus())
}

func TestService_DegradedVerificationBlocks(t *testing.T) {
	h := newHarness(t, 1)
	a := analysis(95, 97, true)
	a.Liveness = &model.LivenessResult{
		LivenessScore:   50,
		FraudIndicators: []string{model.FlagAnalysisFailed},
		Recommendation:  model.RecommendReview,
		Degraded:        true,
	}
	h.analyzer.set(a)
	id := h.ready(t)

	_, err := h.svc.Complete(context.Background(), id, CompleteOptions{})
	assert.ErrorIs(t, err, ErrVerificationDegraded)
}

func TestService_RejectedVerificationBlocks(t *testing.T) {
	h := newHarness(t, 1)
	h.analyzer.set(analysis(55, 60, true))
	id := h.ready(t)

	_, err := h.svc.Complete(context.Background(), id, CompleteOptions{ReviewOverride: true})
	assert.ErrorIs(t, err, ErrVerificationRejected)
}

func TestService_CompletePreconditions(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	sess, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-1"})
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, sess.ID, CompleteOptions{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.Start(ctx, sess.ID, "")
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, sess.ID, CompleteOptions{})
	assert.ErrorIs(t, err, ErrPrecondition)

	_, err = h.svc.CaptureSignature(ctx, sess.ID, "customer", pngDataURL)
	require.NoError(t, err)
	_, err = h.svc.CaptureSignature(ctx, sess.ID, "witness", pngDataURL)
	require.NoError(t, err)
	_, err = h.svc.Complete(ctx, sess.ID, CompleteOptions{})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestService_DocumentFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)
	h.svc.emitter = failingEmitter{}

	_, err := h.svc.Complete(ctx, id, CompleteOptions{})
	require.Error(t, err)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess.Claim)
	assert.Equal(t, model.StatusInProgress, sess.Status)
	assert.False(t, sess.Sealed())
}

func TestService_StaleClaimTakenOver(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)

	sess, err := h.store.GetSession(ctx, id)
	require.NoError(t, err)
	sess.Claim = &model.Claim{Token: "crashed", ClaimedAt: h.now}
	sess.Seal = &model.Seal{HashedAt: h.now}
	require.NoError(t, h.store.UpdateSession(ctx, sess, sess.Version))

	_, err = h.svc.Complete(ctx, id, CompleteOptions{})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = h.svc.Cancel(ctx, id, "too late")
	assert.ErrorIs(t, err, ErrSealed)

	h.advance(2 * time.Minute)
	done, err := h.svc.Complete(ctx, id, CompleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	// The original seal time survives the takeover.
	assert.Equal(t, sess.Seal.HashedAt, done.Seal.HashedAt)
}

func TestService_CompleteIdempotentReplay(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	id := h.ready(t)

	first, err := h.svc.Complete(ctx, id, CompleteOptions{IdempotencyKey: "done-1"})
	require.NoError(t, err)
	second, err := h.svc.Complete(ctx, id, CompleteOptions{IdempotencyKey: "done-1"})
	require.NoError(t, err)
	assert.Equal(t, first.Seal.Hash, second.Seal.Hash)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 1, count(eventTypes(t, h, id), model.EventCompleted))

	_, err = h.svc.Complete(ctx, id, CompleteOptions{IdempotencyKey: "done-2"})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestService_Cancel(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	sess, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-1"})
	require.NoError(t, err)
	cancelled, err := h.svc.Cancel(ctx, sess.ID, "rescheduled")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, "rescheduled", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = h.svc.Cancel(ctx, sess.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = h.svc.Start(ctx, sess.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	id := h.ready(t)
	_, err = h.svc.Complete(ctx, id, CompleteOptions{})
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, id, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestService_EvidenceValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-1"})
	require.NoError(t, err)

	_, err = h.svc.CaptureSignature(ctx, sess.ID, "customer", pngDataURL)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.Start(ctx, sess.ID, "")
	require.NoError(t, err)

	_, err = h.svc.CaptureSignature(ctx, sess.ID, "notary", pngDataURL)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.CaptureSignature(ctx, sess.ID, "customer", "javascript:alert(1)")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.CaptureSignature(ctx, sess.ID, "customer", "data:image/png,raw")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.ConfirmWitness(ctx, sess.ID, "  ", pngDataURL)
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := h.svc.RecordVideo(ctx, sess.ID, "https://cdn.example.com/session.webm")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/session.webm", got.Evidence.VideoRecordingURL)

	_, err = h.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Events(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ScoreFrame(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, CreateInput{CustomerID: "cust-1"})
	require.NoError(t, err)

	_, err = h.svc.ScoreFrame(ctx, sess.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.Start(ctx, sess.ID, "")
	require.NoError(t, err)

	var last model.FrameState
	for i := 0; i < 5; i++ {
		got, err := h.svc.ScoreFrame(ctx, sess.ID, nil)
		require.NoError(t, err)
		last = got.Frame
	}
	assert.Equal(t, 5, last.Count)
	assert.GreaterOrEqual(t, last.Score, 0.0)
	assert.LessOrEqual(t, last.Score, 100.0)

	bad := 140.0
	_, err = h.svc.ScoreFrame(ctx, sess.ID, &bad)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_List(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	for _, c := range []string{"a", "b"} {
		_, err := h.svc.Create(ctx, CreateInput{CustomerID: c})
		require.NoError(t, err)
	}
	h.ready(t)

	all, err := h.svc.List(ctx, store.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := h.svc.List(ctx, store.SessionFilter{Status: model.StatusInProgress})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
