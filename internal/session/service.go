// Package session implements the witness session state machine:
// scheduled → in_progress → completed, with cancellation before completion.
// Every transition is a conditional write on the session version, and
// completion runs claim → seal → documents → hash → anchors as one
// retryable unit.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/aggregate"
	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/notify"
	"github.com/sells-group/witness-cli/internal/storage"
	"github.com/sells-group/witness-cli/internal/store"
	"github.com/sells-group/witness-cli/internal/verify"
)

const (
	opStart    = "start"
	opComplete = "complete"

	maxMutateAttempts = 5
)

// errUnchanged lets a mutation report that nothing needs writing.
var errUnchanged = eris.New("session: unchanged")

// Analyzer runs the verification collectors.
type Analyzer interface {
	Run(ctx context.Context, in verify.Input) model.Analysis
}

// Anchorer anchors a digest on every configured ledger.
type Anchorer interface {
	AnchorAll(ctx context.Context, hash string, existing map[string]model.AnchorRecord) map[string]model.AnchorRecord
}

// Emitter renders and stores the compliance documents.
type Emitter interface {
	Emit(ctx context.Context, s *model.Session) (model.Documents, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    store.Store
	Analyzer Analyzer
	Ledgers  Anchorer
	Emitter  Emitter
	Objects  storage.ObjectStore
	Notifier notify.Dispatcher
	Now      func() time.Time
}

// Config is the policy applied by a Service.
type Config struct {
	Policy     aggregate.Policy
	Frames     aggregate.FrameScorer
	MinAnchors int
	ClaimTTL   time.Duration
}

// ConfigFrom maps application config onto session policy.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Policy:     aggregate.PolicyFromConfig(cfg.Verification),
		Frames:     aggregate.NewFrameScorer(cfg.Verification.FrameMaxDelta),
		MinAnchors: cfg.Ledger.MinAnchors,
		ClaimTTL:   time.Duration(cfg.Session.ClaimTTLSecs) * time.Second,
	}
}

// Service drives sessions through their lifecycle.
type Service struct {
	store      store.Store
	analyzer   Analyzer
	ledgers    Anchorer
	emitter    Emitter
	objects    storage.ObjectStore
	notifier   notify.Dispatcher
	policy     aggregate.Policy
	frames     aggregate.FrameScorer
	minAnchors int
	claimTTL   time.Duration
	now        func() time.Time
}

// NewService creates a Service.
func NewService(d Deps, cfg Config) *Service {
	s := &Service{
		store:      d.Store,
		analyzer:   d.Analyzer,
		ledgers:    d.Ledgers,
		emitter:    d.Emitter,
		objects:    d.Objects,
		notifier:   d.Notifier,
		policy:     cfg.Policy,
		frames:     cfg.Frames,
		minAnchors: cfg.MinAnchors,
		claimTTL:   cfg.ClaimTTL,
		now:        d.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.claimTTL <= 0 {
		s.claimTTL = 2 * time.Minute
	}
	if s.frames.MaxDelta <= 0 {
		s.frames = aggregate.NewFrameScorer(0)
	}
	return s
}

// CreateInput describes a new session.
type CreateInput struct {
	CustomerID    string    `json:"customer_id"`
	CustomerName  string    `json:"customer_name"`
	AgentID       string    `json:"agent_id"`
	WitnessType   string    `json:"witness_type"`
	FormReference string    `json:"form_reference"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// Create schedules a new session.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Session, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "customer_id is required")
	}
	witnessType := in.WitnessType
	if witnessType == "" {
		witnessType = "remote"
	}

	now := s.now()
	sess := &model.Session{
		ID:            uuid.NewString(),
		CustomerID:    in.CustomerID,
		CustomerName:  in.CustomerName,
		AgentID:       in.AgentID,
		WitnessType:   witnessType,
		FormReference: in.FormReference,
		Status:        model.StatusScheduled,
		ScheduledAt:   in.ScheduledAt.UTC(),
		CreatedAt:     now,
	}
	if sess.ScheduledAt.IsZero() {
		sess.ScheduledAt = now
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "session: create")
	}
	if err := s.emit(ctx, sess, model.EventScheduled, map[string]any{
		"customer_id":  sess.CustomerID,
		"witness_type": sess.WitnessType,
	}); err != nil {
		return nil, err
	}

	zap.L().Info("session: scheduled", zap.String("session_id", sess.ID), zap.String("customer_id", sess.CustomerID))
	return sess, nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	return s.load(ctx, id)
}

// List returns sessions matching filter.
func (s *Service) List(ctx context.Context, filter store.SessionFilter) ([]model.Session, error) {
	out, err := s.store.ListSessions(ctx, filter)
	return out, eris.Wrap(err, "session: list")
}

// Events returns the audit trail of a session in order.
func (s *Service) Events(ctx context.Context, id string) ([]model.SessionEvent, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	return events, eris.Wrapf(err, "session: events %s", id)
}

// Start moves a scheduled session to in_progress. Starting a session that is
// already in progress succeeds without changes.
func (s *Service) Start(ctx context.Context, id, idempotencyKey string) (*model.Session, error) {
	if sess, ok, err := s.replay(ctx, idempotencyKey, opStart, id); err != nil || ok {
		return sess, err
	}

	sess, changed, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if sess.Status == model.StatusInProgress {
			return errUnchanged
		}
		if !model.CanTransition(sess.Status, model.StatusInProgress) {
			return eris.Wrapf(ErrInvalidTransition, "start %s session %s", sess.Status, sess.ID)
		}
		now := s.now()
		sess.Status = model.StatusInProgress
		sess.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.emit(ctx, sess, model.EventStarted, nil); err != nil {
			return nil, err
		}
		zap.L().Info("session: started", zap.String("session_id", id))
	}

	s.remember(ctx, idempotencyKey, opStart, sess)
	return sess, nil
}

// CaptureSignature stores the customer's or the witness's signature. data is
// an http(s) URL or a base64 data URL, which is uploaded to the object store.
func (s *Service) CaptureSignature(ctx context.Context, id, who, data string) (*model.Session, error) {
	var set func(*model.Evidence, string)
	switch who {
	case "customer":
		set = func(e *model.Evidence, ref string) { e.CustomerSignatureURL = ref }
	case "witness":
		set = func(e *model.Evidence, ref string) { e.WitnessSignatureURL = ref }
	default:
		return nil, eris.Wrapf(ErrInvalidInput, "signer must be customer or witness, got %q", who)
	}

	if err := s.precheck(ctx, id, "capture signature"); err != nil {
		return nil, err
	}
	ref, err := s.evidenceRef(ctx, id, who+"-signature", data)
	if err != nil {
		return nil, err
	}

	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if err := editable(sess, "capture signature"); err != nil {
			return err
		}
		set(&sess.Evidence, ref)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, sess, model.EventSignatureCaptured, map[string]any{"who": who, "signature_url": ref}); err != nil {
		return nil, err
	}
	return sess, nil
}

// ConfirmWitness records the witness statement and signature.
func (s *Service) ConfirmWitness(ctx context.Context, id, confirmation, signatureData string) (*model.Session, error) {
	confirmation = strings.TrimSpace(confirmation)
	if confirmation == "" {
		return nil, eris.Wrap(ErrInvalidInput, "confirmation text is required")
	}
	if err := s.precheck(ctx, id, "confirm witness"); err != nil {
		return nil, err
	}
	ref, err := s.evidenceRef(ctx, id, "witness-signature", signatureData)
	if err != nil {
		return nil, err
	}

	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if err := editable(sess, "confirm witness"); err != nil {
			return err
		}
		sess.Evidence.WitnessConfirmation = confirmation
		sess.Evidence.WitnessSignatureURL = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, sess, model.EventWitnessConfirmed, map[string]any{"signature_url": ref}); err != nil {
		return nil, err
	}
	return sess, nil
}

// RecordVideo stores the session recording reference.
func (s *Service) RecordVideo(ctx context.Context, id, videoRef string) (*model.Session, error) {
	if err := s.precheck(ctx, id, "record video"); err != nil {
		return nil, err
	}
	ref, err := s.evidenceRef(ctx, id, "recording", videoRef)
	if err != nil {
		return nil, err
	}

	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if err := editable(sess, "record video"); err != nil {
			return err
		}
		sess.Evidence.VideoRecordingURL = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, sess, model.EventVideoSaved, map[string]any{"video_ref": ref}); err != nil {
		return nil, err
	}
	return sess, nil
}

// VerifyInput is the evidence for a verification run. Empty fields fall back
// to the evidence already on the session.
type VerifyInput struct {
	FaceVideoURL  string `json:"face_video_url"`
	IDDocumentURL string `json:"id_document_url"`
	Transcript    string `json:"transcript"`
}

// RunVerification runs the collectors and stores the aggregated result.
// Collector failures never fail the call; they show up as a degraded
// verification with a review recommendation.
func (s *Service) RunVerification(ctx context.Context, id string, in VerifyInput) (*model.Session, error) {
	pre, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := editable(pre, "verify"); err != nil {
		return nil, err
	}

	face := firstNonEmpty(in.FaceVideoURL, pre.Evidence.FaceVideoURL)
	doc := firstNonEmpty(in.IDDocumentURL, pre.Evidence.IDDocumentURL)
	transcript := firstNonEmpty(in.Transcript, pre.Evidence.Transcript)
	if face != "" {
		if face, err = s.evidenceRef(ctx, id, "face", face); err != nil {
			return nil, err
		}
	}
	if doc != "" {
		if doc, err = s.evidenceRef(ctx, id, "id-document", doc); err != nil {
			return nil, err
		}
	}

	analysis := s.analyzer.Run(ctx, verify.Input{
		FaceVideoURL:  face,
		IDDocumentURL: doc,
		Transcript:    transcript,
		FormReference: pre.FormReference,
	})
	v := aggregate.Aggregate(analysis, s.policy)
	v.VerifiedAt = s.now()

	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if err := editable(sess, "verify"); err != nil {
			return err
		}
		sess.Evidence.FaceVideoURL = face
		sess.Evidence.IDDocumentURL = doc
		sess.Evidence.Transcript = transcript
		sess.Verification = &v
		sess.ReviewOverride = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, sess, model.EventVerificationCompleted, map[string]any{
		"overall_confidence": v.OverallConfidence,
		"recommendation":     string(v.Recommendation),
		"fraud_flags":        v.FraudFlags,
		"degraded":           v.Degraded,
	}); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("session_id", id),
		zap.Float64("overall_confidence", v.OverallConfidence),
		zap.String("recommendation", string(v.Recommendation)),
		zap.Strings("fraud_flags", v.FraudFlags),
	}
	if v.Degraded {
		zap.L().Warn("session: verification degraded", append(fields, zap.Error(ErrVerificationDegraded))...)
	} else {
		zap.L().Info("session: verification completed", fields...)
	}
	return sess, nil
}

// ScoreFrame advances the advisory live score. observed may be nil when the
// client has no measurement for this frame.
func (s *Service) ScoreFrame(ctx context.Context, id string, observed *float64) (*model.Session, error) {
	if observed != nil {
		if err := model.ValidateScore("frame score", *observed); err != nil {
			return nil, eris.Wrap(ErrInvalidInput, err.Error())
		}
	}
	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if sess.Status != model.StatusInProgress {
			return eris.Wrapf(ErrInvalidTransition, "score frame on %s session %s", sess.Status, sess.ID)
		}
		sess.Frame = s.frames.Next(sess.Frame, observed, sess.ID)
		return nil
	})
	return sess, err
}

// CompleteOptions tunes a completion call.
type CompleteOptions struct {
	IdempotencyKey string
	// ReviewOverride lets an agent complete a session whose recommendation is review.
	ReviewOverride bool
}

// Complete finalizes an in-progress session. It claims the session, fixes
// the hashed content on first attempt, renders the documents, and anchors
// the digest. The session is marked completed only when at least the
// configured number of ledgers hold the digest; otherwise the claim is
// released and ErrAnchorAttemptFailed is returned, and a retry anchors the
// same digest on the ledgers still missing it.
func (s *Service) Complete(ctx context.Context, id string, opts CompleteOptions) (*model.Session, error) {
	if sess, ok, err := s.replay(ctx, opts.IdempotencyKey, opComplete, id); err != nil || ok {
		return sess, err
	}

	token := uuid.NewString()
	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		return s.claim(sess, token, opts.ReviewOverride)
	})
	if err != nil {
		return nil, err
	}

	// Once claimed, the attempt runs to a recorded outcome even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if err := s.emit(ctx, sess, model.EventCompletionAttempted, map[string]any{
		"claim":     token,
		"hashed_at": sess.Seal.HashedAt.Format(canonhash.TimeLayout),
	}); err != nil {
		s.release(ctx, id, token)
		return nil, err
	}

	docs, err := s.emitter.Emit(ctx, sess)
	if err != nil {
		s.release(ctx, id, token)
		return nil, eris.Wrapf(err, "session: documents for %s", id)
	}

	hash, err := sealHash(sess)
	if err != nil {
		s.release(ctx, id, token)
		return nil, err
	}

	attempts := s.ledgers.AnchorAll(ctx, hash, sess.Seal.Attempts)
	anchored := countAnchored(attempts)
	done := anchored >= s.minAnchors

	sess, _, err = s.mutate(ctx, id, func(cur *model.Session) error {
		if cur.Claim == nil || cur.Claim.Token != token || cur.Seal == nil {
			return eris.Wrapf(ErrAlreadyTerminal, "session %s: completion claim lost", id)
		}
		cur.Seal.Hash = hash
		cur.Seal.Attempts = attempts
		cur.Documents = &docs
		cur.Claim = nil
		if done {
			now := s.now()
			cur.Status = model.StatusCompleted
			cur.CompletedAt = &now
			cur.Anchors = attempts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !done {
		if err := s.emit(ctx, sess, model.EventAnchorFailed, map[string]any{
			"hash":     hash,
			"anchors":  anchorPayload(attempts),
			"required": s.minAnchors,
		}); err != nil {
			return nil, err
		}
		zap.L().Warn("session: anchoring below minimum",
			zap.String("session_id", id),
			zap.String("hash", hash),
			zap.Int("anchored", anchored),
			zap.Int("required", s.minAnchors),
		)
		return sess, eris.Wrapf(ErrAnchorAttemptFailed, "session %s: %d of %d ledgers anchored, %d required",
			id, anchored, len(attempts), s.minAnchors)
	}

	if err := s.emit(ctx, sess, model.EventCompleted, map[string]any{
		"hash":               hash,
		"hashed_at":          sess.Seal.HashedAt.Format(canonhash.TimeLayout),
		"anchors":            anchorPayload(attempts),
		"anchoring":          string(sess.AnchoringStatus()),
		"form_sha256":        docs.FormSHA256,
		"certificate_sha256": docs.CertificateSHA256,
		"review_override":    sess.ReviewOverride,
	}); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Notification{
		Type:      model.EventCompleted,
		SessionID: id,
		Status:    sess.Status,
		Anchoring: string(sess.AnchoringStatus()),
		Details:   map[string]any{"hash": hash},
		Timestamp: s.now(),
	})
	zap.L().Info("session: completed",
		zap.String("session_id", id),
		zap.String("hash", hash),
		zap.Int("anchored", anchored),
		zap.String("anchoring", string(sess.AnchoringStatus())),
	)

	s.remember(ctx, opts.IdempotencyKey, opComplete, sess)
	return sess, nil
}

// Cancel ends a session before completion.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*model.Session, error) {
	sess, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if sess.Status.IsTerminal() {
			return eris.Wrapf(ErrAlreadyTerminal, "cancel %s session %s", sess.Status, sess.ID)
		}
		if !model.CanTransition(sess.Status, model.StatusCancelled) {
			return eris.Wrapf(ErrInvalidTransition, "cancel %s session %s", sess.Status, sess.ID)
		}
		if sess.Claim != nil || sess.Sealed() {
			return eris.Wrapf(ErrSealed, "cancel session %s after anchoring began", sess.ID)
		}
		now := s.now()
		sess.Status = model.StatusCancelled
		sess.CancelledAt = &now
		sess.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.emit(ctx, sess, model.EventCancelled, map[string]any{"reason": reason}); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Notification{
		Type:      model.EventCancelled,
		SessionID: id,
		Status:    sess.Status,
		Details:   map[string]any{"reason": reason},
		Timestamp: s.now(),
	})
	zap.L().Info("session: cancelled", zap.String("session_id", id), zap.String("reason", reason))
	return sess, nil
}

// claim checks completion preconditions and takes the completion claim.
// A claim older than the TTL belongs to a crashed attempt and is taken over.
func (s *Service) claim(sess *model.Session, token string, override bool) error {
	switch sess.Status {
	case model.StatusCompleted, model.StatusCancelled:
		return eris.Wrapf(ErrAlreadyTerminal, "complete %s session %s", sess.Status, sess.ID)
	case model.StatusInProgress:
	default:
		return eris.Wrapf(ErrInvalidTransition, "complete %s session %s", sess.Status, sess.ID)
	}

	now := s.now()
	if c := sess.Claim; c != nil {
		if now.Sub(c.ClaimedAt) < s.claimTTL {
			return eris.Wrapf(ErrAlreadyTerminal, "session %s: completion already in progress", sess.ID)
		}
		zap.L().Warn("session: taking over stale completion claim",
			zap.String("session_id", sess.ID),
			zap.Time("claimed_at", c.ClaimedAt),
		)
	}
	if err := completable(sess, override); err != nil {
		return err
	}

	if override && sess.Verification.Recommendation == model.RecommendReview {
		sess.ReviewOverride = true
	}
	sess.Claim = &model.Claim{Token: token, ClaimedAt: now}
	if sess.Seal == nil {
		sess.Seal = &model.Seal{HashedAt: now.UTC().Truncate(time.Millisecond)}
	}
	return nil
}

func completable(sess *model.Session, override bool) error {
	var missing []string
	if sess.Evidence.CustomerSignatureURL == "" {
		missing = append(missing, "customer signature")
	}
	if sess.Evidence.WitnessSignatureURL == "" {
		missing = append(missing, "witness signature")
	}
	if len(missing) > 0 {
		return eris.Wrapf(ErrPrecondition, "session %s is missing %s", sess.ID, strings.Join(missing, " and "))
	}

	v := sess.Verification
	if v == nil {
		return eris.Wrapf(ErrPrecondition, "session %s has not been verified", sess.ID)
	}
	switch v.Recommendation {
	case model.RecommendApprove:
		return nil
	case model.RecommendReview:
		if override || sess.ReviewOverride {
			return nil
		}
		if v.Degraded {
			return eris.Wrapf(ErrVerificationDegraded, "session %s (confidence %.2f)", sess.ID, v.OverallConfidence)
		}
		return eris.Wrapf(ErrNeedsReview, "session %s (confidence %.2f)", sess.ID, v.OverallConfidence)
	default:
		return eris.Wrapf(ErrVerificationRejected, "session %s (confidence %.2f)", sess.ID, v.OverallConfidence)
	}
}

// sealHash digests the sealed snapshot. A session already carrying a digest
// must reproduce it exactly.
func sealHash(sess *model.Session) (string, error) {
	snap, err := canonhash.FromSession(sess)
	if err != nil {
		return "", eris.Wrap(err, "session: snapshot")
	}
	hash, err := canonhash.Sum(snap)
	if err != nil {
		return "", eris.Wrap(err, "session: hash")
	}
	if sess.Seal.Hash != "" && sess.Seal.Hash != hash {
		return "", eris.Errorf("session: %s content changed after sealing (sealed %s, now %s)", sess.ID, sess.Seal.Hash, hash)
	}
	return hash, nil
}

func (s *Service) release(ctx context.Context, id, token string) {
	_, _, err := s.mutate(ctx, id, func(sess *model.Session) error {
		if sess.Claim == nil || sess.Claim.Token != token {
			return errUnchanged
		}
		sess.Claim = nil
		return nil
	})
	if err != nil {
		zap.L().Error("session: release completion claim", zap.String("session_id", id), zap.Error(err))
	}
}

// mutate loads the session, applies fn and writes it back conditioned on the
// loaded version. A lost race reloads and reapplies fn, so fn sees fresh
// state and can classify it. changed is false when fn returned errUnchanged.
func (s *Service) mutate(ctx context.Context, id string, fn func(*model.Session) error) (sess *model.Session, changed bool, err error) {
	for attempt := 1; ; attempt++ {
		sess, err = s.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if err := fn(sess); err != nil {
			if errors.Is(err, errUnchanged) {
				return sess, false, nil
			}
			return nil, false, err
		}

		err = s.store.UpdateSession(ctx, sess, sess.Version)
		if err == nil {
			return sess, true, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= maxMutateAttempts {
			return nil, false, eris.Wrapf(err, "session: update %s", id)
		}
		zap.L().Debug("session: version conflict, retrying", zap.String("session_id", id), zap.Int("attempt", attempt))
	}
}

func (s *Service) load(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "session: load %s", id)
	}
	return sess, nil
}

// precheck fails fast before uploading evidence for a session that cannot take it.
func (s *Service) precheck(ctx context.Context, id, action string) error {
	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return editable(sess, action)
}

func editable(sess *model.Session, action string) error {
	if sess.Status != model.StatusInProgress {
		return eris.Wrapf(ErrInvalidTransition, "%s on %s session %s", action, sess.Status, sess.ID)
	}
	if sess.Claim != nil || sess.Sealed() {
		return eris.Wrapf(ErrSealed, "%s on session %s", action, sess.ID)
	}
	return nil
}

// evidenceRef returns a URL for data, uploading base64 data URLs first.
func (s *Service) evidenceRef(ctx context.Context, id, name, data string) (string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", eris.Wrapf(ErrInvalidInput, "%s is required", name)
	}

	blob, contentType, isData, err := storage.ParseDataURL(data)
	if err != nil {
		return "", eris.Wrapf(ErrInvalidInput, "%s: %v", name, err)
	}
	if !isData {
		u, err := url.Parse(data)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http" && u.Scheme != "file") {
			return "", eris.Wrapf(ErrInvalidInput, "%s must be a URL or a base64 data URL", name)
		}
		return data, nil
	}

	if s.objects == nil {
		return "", eris.New("session: no object store configured for uploads")
	}
	ref, err := s.objects.Put(ctx, path.Join("evidence", id, name+storage.ExtensionFor(contentType)), blob, contentType)
	if err != nil {
		return "", eris.Wrapf(err, "session: upload %s", name)
	}
	return ref, nil
}

func (s *Service) emit(ctx context.Context, sess *model.Session, typ model.EventType, payload map[string]any) error {
	e := &model.SessionEvent{
		SessionID: sess.ID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		zap.L().Error("session: append event failed",
			zap.String("session_id", sess.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return eris.Wrapf(err, "session: append %s event", typ)
	}
	return nil
}

// replay returns the stored response for an idempotency key.
func (s *Service) replay(ctx context.Context, key, op, id string) (*model.Session, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rec, err := s.store.GetIdempotency(ctx, key, op)
	if err != nil {
		return nil, false, eris.Wrap(err, "session: idempotency lookup")
	}
	if rec == nil {
		return nil, false, nil
	}
	if rec.SessionID != id {
		return nil, false, eris.Wrapf(ErrIdempotencyKeyReuse, "key %s", key)
	}

	var sess model.Session
	if err := json.Unmarshal(rec.Response, &sess); err != nil {
		return nil, false, eris.Wrap(err, "session: decode idempotent response")
	}
	zap.L().Info("session: idempotent replay", zap.String("session_id", id), zap.String("operation", op))
	return &sess, true, nil
}

func (s *Service) remember(ctx context.Context, key, op string, sess *model.Session) {
	if key == "" {
		return
	}
	data, err := json.Marshal(sess)
	if err != nil {
		zap.L().Warn("session: encode idempotent response", zap.Error(err))
		return
	}
	err = s.store.SaveIdempotency(ctx, &model.IdempotencyRecord{
		Key:       key,
		Operation: op,
		SessionID: sess.ID,
		Response:  data,
		CreatedAt: s.now(),
	})
	if err != nil {
		zap.L().Warn("session: save idempotency key", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func countAnchored(recs map[string]model.AnchorRecord) int {
	n := 0
	for _, r := range recs {
		if r.State == model.AnchorAnchored {
			n++
		}
	}
	return n
}

func anchorPayload(recs map[string]model.AnchorRecord) map[string]any {
	out := make(map[string]any, len(recs))
	for name, r := range recs {
		entry := map[string]any{"state": string(r.State), "attempts": r.Attempts}
		if r.TxID != "" {
			entry["tx_id"] = r.TxID
			entry["position"] = r.Position
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		if r.Mock {
			entry["mock"] = true
		}
		out[name] = entry
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
