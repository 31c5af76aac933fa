package model

import (
	"slices"
	"time"
)

// SessionStatus represents the lifecycle state of a witness session.
type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusCancelled  SessionStatus = "cancelled"
)

var transitions = map[SessionStatus][]SessionStatus{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to SessionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Evidence holds references to the artifacts captured during a session.
// Each reference is owned by exactly one session.
type Evidence struct {
	FaceVideoURL         string `json:"face_video_url,omitempty"`
	IDDocumentURL        string `json:"id_document_url,omitempty"`
	CustomerSignatureURL string `json:"customer_signature_url,omitempty"`
	WitnessSignatureURL  string `json:"witness_signature_url,omitempty"`
	VideoRecordingURL    string `json:"video_recording_url,omitempty"`
	WitnessConfirmation  string `json:"witness_confirmation,omitempty"`
	Transcript           string `json:"transcript,omitempty"`
}

// Verification holds the aggregated outcome of the signal collectors.
type Verification struct {
	OverallConfidence float64        `json:"overall_confidence"`
	LivenessScore     float64        `json:"liveness_score"`
	FaceSimilarity    float64        `json:"face_similarity"`
	FaceMatch         bool           `json:"face_match"`
	IsLive            bool           `json:"is_live"`
	FraudFlags        []string       `json:"fraud_flags"`
	Recommendations   []string       `json:"recommendations"`
	Recommendation    Recommendation `json:"recommendation"`
	Degraded          bool           `json:"degraded"`
	SubScores         SubScores      `json:"sub_scores"`
	Analysis          Analysis       `json:"analysis"`
	VerifiedAt        time.Time      `json:"verified_at"`
}

// FrameState tracks the real-time per-frame score shown during a live session.
// It is advisory only.
type FrameState struct {
	Score float64 `json:"score"`
	Count int     `json:"count"`
}

// Seal fixes the hash timestamp at the first completion attempt so that
// every retry hashes the same content.
type Seal struct {
	Hash     string                  `json:"hash"`
	HashedAt time.Time               `json:"hashed_at"`
	Attempts map[string]AnchorRecord `json:"attempts,omitempty"`
}

// Claim marks a completion in flight.
type Claim struct {
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Documents references the rendered compliance artifacts.
type Documents struct {
	FormURL           string `json:"form_url"`
	FormSHA256        string `json:"form_sha256"`
	CertificateURL    string `json:"certificate_url"`
	CertificateSHA256 string `json:"certificate_sha256"`
}

// Session is one end-to-end witness verification workflow.
type Session struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	CustomerName  string        `json:"customer_name,omitempty"`
	AgentID       string        `json:"agent_id,omitempty"`
	WitnessType   string        `json:"witness_type"`
	FormReference string        `json:"form_reference,omitempty"`
	Status        SessionStatus `json:"status"`
	Version       int64         `json:"version"`

	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	Evidence       Evidence      `json:"evidence"`
	Verification   *Verification `json:"verification,omitempty"`
	Frame          FrameState    `json:"frame"`
	ReviewOverride bool          `json:"review_override,omitempty"`

	Seal      *Seal                   `json:"seal,omitempty"`
	Claim     *Claim                  `json:"claim,omitempty"`
	Documents *Documents              `json:"documents,omitempty"`
	Anchors   map[string]AnchorRecord `json:"anchors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sealed reports whether a completion attempt has fixed the hashed content.
func (s *Session) Sealed() bool {
	return s.Seal != nil && s.Seal.Hash != ""
}

// Anchor returns the record for one ledger, or a not-attempted record.
func (s *Session) Anchor(ledger string) AnchorRecord {
	if rec, ok := s.Anchors[ledger]; ok {
		return rec
	}
	return AnchorRecord{Ledger: ledger, State: AnchorNotAttempted}
}

// AnchoredCount returns the number of ledgers holding the session hash.
func (s *Session) AnchoredCount() int {
	n := 0
	for _, rec := range s.Anchors {
		if rec.State == AnchorAnchored {
			n++
		}
	}
	return n
}

// SessionEvent is an append-only audit log entry.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventType enumerates session event kinds.
type EventType string

const (
	EventScheduled             EventType = "scheduled"
	EventStarted               EventType = "started"
	EventSignatureCaptured     EventType = "signature_captured"
	EventWitnessConfirmed      EventType = "witness_confirmed"
	EventVideoSaved            EventType = "video_saved"
	EventVerificationCompleted EventType = "verification_completed"
	EventCompletionAttempted   EventType = "completion_attempted"
	EventAnchorFailed          EventType = "anchor_failed"
	EventCompleted             EventType = "completed"
	EventCancelled             EventType = "cancelled"
)

// IdempotencyRecord stores the response of a keyed operation for replay.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Operation string    `json:"operation"`
	SessionID string    `json:"session_id"`
	Response  []byte    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}
