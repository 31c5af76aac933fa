package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/witness-cli/internal/audit"
	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/session"
	"github.com/sells-group/witness-cli/internal/store"
)

// sessionView is a session plus its derived summary.
type sessionView struct {
	*model.Session
	Summary model.Summary `json:"summary"`
}

func view(s *model.Session) *sessionView {
	if s == nil {
		return nil
	}
	return &sessionView{Session: s, Summary: s.Summarize()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in session.CreateInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusCreated, view(sess))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:     model.SessionStatus(q.Get("status")),
		CustomerID: q.Get("customer_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, eris.Wrapf(errBadBody, "unknown status %q", filter.Status), errorBody{})
		return
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, eris.Wrapf(errBadBody, "%s must be a non-negative integer", name), errorBody{})
			return
		}
		*dst = n
	}

	sessions, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	out := make([]model.Summary, len(sessions))
	for i := range sessions {
		out[i] = sessions[i].Summarize()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, sess, err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.sessions.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Start(r.Context(), chi.URLParam(r, "id"), r.Header.Get(IdempotencyHeader))
	s.respond(w, r, sess, err)
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Who  string `json:"who"`
		Data string `json:"data"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.CaptureSignature(r.Context(), chi.URLParam(r, "id"), req.Who, req.Data)
	s.respond(w, r, sess, err)
}

func (s *Server) handleWitness(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirmation string `json:"confirmation"`
		Signature    string `json:"signature"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.ConfirmWitness(r.Context(), chi.URLParam(r, "id"), req.Confirmation, req.Signature)
	s.respond(w, r, sess, err)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VideoRef string `json:"video_ref"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.RecordVideo(r.Context(), chi.URLParam(r, "id"), req.VideoRef)
	s.respond(w, r, sess, err)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in session.VerifyInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.RunVerification(r.Context(), chi.URLParam(r, "id"), in)
	s.respond(w, r, sess, err)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score *float64 `json:"score"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.ScoreFrame(r.Context(), chi.URLParam(r, "id"), req.Score)
	if err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusOK, sess.Frame)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewOverride bool `json:"review_override"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.Complete(r.Context(), chi.URLParam(r, "id"), session.CompleteOptions{
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		ReviewOverride: req.ReviewOverride,
	})
	if err != nil {
		// A failed anchor attempt still reports what each ledger returned.
		writeError(w, r, err, errorBody{Session: view(sess)})
		return
	}
	writeJSON(w, http.StatusOK, view(sess))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	sess, err := s.sessions.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	s.respond(w, r, sess, err)
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("ledger")
	if name == "" {
		name = model.LedgerEVM
	}
	report, err := s.auditor.VerifySession(r.Context(), chi.URLParam(r, "id"), name)
	s.respondAudit(w, r, report, err)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Snapshot canonhash.Snapshot `json:"snapshot"`
		Ledger   string             `json:"ledger"`
		TxID     string             `json:"tx_id"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	if req.Ledger == "" || req.TxID == "" {
		writeError(w, r, eris.Wrap(errBadBody, "ledger and tx_id are required"), errorBody{})
		return
	}
	if _, err := canonhash.Canonical(req.Snapshot); err != nil {
		writeError(w, r, eris.Wrap(errBadBody, err.Error()), errorBody{})
		return
	}
	report, err := s.auditor.Verify(r.Context(), req.Snapshot, req.Ledger, req.TxID)
	s.respondAudit(w, r, report, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, sess *model.Session, err error) {
	if err != nil {
		writeError(w, r, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusOK, view(sess))
}

func (s *Server) respondAudit(w http.ResponseWriter, r *http.Request, report *model.AuditReport, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, audit.ErrMismatch), errors.Is(err, audit.ErrNotAnchored), errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, err, errorBody{Report: report})
	default:
		writeError(w, r, err, errorBody{})
	}
}
