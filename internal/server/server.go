// Package server exposes the session state machine and the audit service
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/audit"
	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/session"
	"github.com/sells-group/witness-cli/internal/store"
)

// IdempotencyHeader carries the client key for start and complete.
const IdempotencyHeader = "Idempotency-Key"

// maxBodyBytes bounds request bodies; base64 evidence makes them large.
const maxBodyBytes = 20 << 20

var errBadBody = eris.New("server: invalid request body")

// Sessions is the session API the server drives.
type Sessions interface {
	Create(ctx context.Context, in session.CreateInput) (*model.Session, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	Events(ctx context.Context, id string) ([]model.SessionEvent, error)
	Start(ctx context.Context, id, idempotencyKey string) (*model.Session, error)
	CaptureSignature(ctx context.Context, id, who, data string) (*model.Session, error)
	ConfirmWitness(ctx context.Context, id, confirmation, signatureData string) (*model.Session, error)
	RecordVideo(ctx context.Context, id, videoRef string) (*model.Session, error)
	RunVerification(ctx context.Context, id string, in session.VerifyInput) (*model.Session, error)
	ScoreFrame(ctx context.Context, id string, observed *float64) (*model.Session, error)
	Complete(ctx context.Context, id string, opts session.CompleteOptions) (*model.Session, error)
	Cancel(ctx context.Context, id, reason string) (*model.Session, error)
}

// Auditor re-verifies anchored hashes.
type Auditor interface {
	Verify(ctx context.Context, snap canonhash.Snapshot, ledgerName, txID string) (*model.AuditReport, error)
	VerifySession(ctx context.Context, sessionID, ledgerName string) (*model.AuditReport, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to the session and audit services.
type Server struct {
	sessions Sessions
	auditor  Auditor
	health   Pinger
	router   chi.Router
}

// New builds the router.
func New(sessions Sessions, auditor Auditor, health Pinger, cfg config.ServerConfig) *Server {
	s := &Server{sessions: sessions, auditor: auditor, health: health}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", IdempotencyHeader},
		MaxAge:         300,
	}))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(api chi.Router) {
		api.Post("/sessions", s.handleCreate)
		api.Get("/sessions", s.handleList)
		api.Route("/sessions/{id}", func(sr chi.Router) {
			sr.Get("/", s.handleGet)
			sr.Get("/events", s.handleEvents)
			sr.Get("/audit", s.handleSessionAudit)
			sr.Post("/start", s.handleStart)
			sr.Post("/signature", s.handleSignature)
			sr.Post("/witness", s.handleWitness)
			sr.Post("/video", s.handleVideo)
			sr.Post("/verify", s.handleVerify)
			sr.Post("/frames", s.handleFrame)
			sr.Post("/complete", s.handleComplete)
			sr.Post("/cancel", s.handleCancel)
		})
		api.Post("/audit/verify", s.handleAuditVerify)
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error   string             `json:"error"`
	Code    string             `json:"code"`
	Session *sessionView       `json:"session,omitempty"`
	Report  *model.AuditReport `json:"report,omitempty"`
}

// classify maps a service error to an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadBody), errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ledger.ErrUnknownLedger):
		return http.StatusBadRequest, "unknown_ledger"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, session.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal"
	case errors.Is(err, session.ErrSealed):
		return http.StatusConflict, "sealed"
	case errors.Is(err, session.ErrIdempotencyKeyReuse):
		return http.StatusConflict, "idempotency_key_reuse"
	case errors.Is(err, audit.ErrMismatch):
		return http.StatusConflict, "hash_mismatch"
	case errors.Is(err, audit.ErrNotAnchored):
		return http.StatusConflict, "not_anchored"
	case errors.Is(err, session.ErrPrecondition):
		return http.StatusUnprocessableEntity, "precondition_failed"
	case errors.Is(err, session.ErrNeedsReview):
		return http.StatusUnprocessableEntity, "needs_review"
	case errors.Is(err, session.ErrVerificationDegraded):
		return http.StatusUnprocessableEntity, "verification_degraded"
	case errors.Is(err, session.ErrVerificationRejected):
		return http.StatusUnprocessableEntity, "verification_rejected"
	case errors.Is(err, session.ErrAnchorAttemptFailed):
		return http.StatusBadGateway, "anchor_attempt_failed"
	case errors.Is(err, ledger.ErrNotReady):
		return http.StatusServiceUnavailable, "ledger_not_ready"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, err error, body errorBody) {
	status, code := classify(err)
	body.Error = err.Error()
	body.Code = code
	if status >= http.StatusInternalServerError {
		zap.L().Error("http request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("http: encode response", zap.Error(err))
	}
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return eris.Wrap(errBadBody, err.Error())
}
