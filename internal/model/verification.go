package model

import (
	"math"

	"github.com/rotisserie/eris"
)

// Recommendation is the trust decision produced for a session.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// Valid reports whether r is a known recommendation.
func (r Recommendation) Valid() bool {
	return r == RecommendApprove || r == RecommendReview || r == RecommendReject
}

// FlagAnalysisFailed is attached to any collector result that fell back to
// its safe default.
const FlagAnalysisFailed = "analysis failed: manual review required"

// Fraud flags derived from collector output.
const (
	FlagLivenessFailed       = "liveness_failed"
	FlagFaceMismatch         = "face_mismatch"
	FlagDocumentNotAuthentic = "document_not_authentic"
	FlagDocumentExpired      = "document_expired"
)

// LivenessIndicators are the individual cues checked by the liveness collector.
type LivenessIndicators struct {
	Blinking     bool `json:"blinking"`
	HeadMovement bool `json:"head_movement"`
	Expression   bool `json:"expression"`
	Depth        bool `json:"depth"`
	Lighting     bool `json:"lighting"`
}

// LivenessResult is the output of the liveness collector.
type LivenessResult struct {
	IsLive          bool               `json:"is_live"`
	LivenessScore   float64            `json:"liveness_score"`
	Indicators      LivenessIndicators `json:"indicators"`
	FraudIndicators []string           `json:"fraud_indicators"`
	Recommendation  Recommendation     `json:"recommendation"`
	Degraded        bool               `json:"degraded,omitempty"`
}

// FaceMatch compares the live face against the ID document portrait.
type FaceMatch struct {
	IsMatch    bool    `json:"is_match"`
	Similarity float64 `json:"similarity"`
}

// DocumentAnalysis describes the ID document.
type DocumentAnalysis struct {
	IsAuthentic    bool   `json:"is_authentic"`
	DocumentType   string `json:"document_type,omitempty"`
	IssueDate      string `json:"issue_date,omitempty"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

// IdentityResult is the output of the identity/face collector.
type IdentityResult struct {
	IsVerified       bool             `json:"is_verified"`
	ConfidenceScore  float64          `json:"confidence_score"`
	LivenessScore    float64          `json:"liveness_score"`
	FaceMatch        FaceMatch        `json:"face_match"`
	DocumentAnalysis DocumentAnalysis `json:"document_analysis"`
	FraudFlags       []string         `json:"fraud_flags"`
	Recommendations  []string         `json:"recommendations"`
	Degraded         bool             `json:"degraded,omitempty"`
}

// VerbalResult is the output of the verbal-acknowledgment collector.
type VerbalResult struct {
	IsCompliant     bool     `json:"is_compliant"`
	MissingElements []string `json:"missing_elements"`
	Confidence      float64  `json:"confidence"`
	Degraded        bool     `json:"degraded,omitempty"`
}

// Analysis keeps each collector's typed output.
type Analysis struct {
	Liveness *LivenessResult `json:"liveness,omitempty"`
	Identity *IdentityResult `json:"identity,omitempty"`
	Verbal   *VerbalResult   `json:"verbal,omitempty"`
}

// SubScores are the component scores that fed the aggregate.
// A nil entry means the signal was not collected.
type SubScores struct {
	Liveness  *float64 `json:"liveness,omitempty"`
	FaceMatch *float64 `json:"face_match,omitempty"`
	Document  *float64 `json:"document,omitempty"`
	Verbal    *float64 `json:"verbal,omitempty"`
}

// ValidateScore returns an error when a provider score is outside [0,100].
func ValidateScore(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return eris.Errorf("%s out of range: %v", name, v)
	}
	return nil
}
