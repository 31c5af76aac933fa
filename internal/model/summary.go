package model

import "time"

// ReviewStatus is the user-facing trust state of a session.
type ReviewStatus string

const (
	ReviewUnverified  ReviewStatus = "unverified"
	ReviewApproved    ReviewStatus = "approved"
	ReviewNeedsReview ReviewStatus = "needs_review"
	ReviewOverridden  ReviewStatus = "review_overridden"
	ReviewRejected    ReviewStatus = "rejected"
)

// AnchoringStatus separates "looks done" from "provably anchored".
type AnchoringStatus string

const (
	AnchoringPending    AnchoringStatus = "pending"
	AnchoringNone       AnchoringStatus = "not_anchored"
	AnchoringIncomplete AnchoringStatus = "anchoring_incomplete"
	AnchoringComplete   AnchoringStatus = "anchored"
)

// ReviewStatus derives the review state from the last verification.
func (s *Session) ReviewStatus() ReviewStatus {
	if s.Verification == nil {
		return ReviewUnverified
	}
	switch s.Verification.Recommendation {
	case RecommendApprove:
		return ReviewApproved
	case RecommendReview:
		if s.ReviewOverride {
			return ReviewOverridden
		}
		return ReviewNeedsReview
	default:
		return ReviewRejected
	}
}

// AnchoringStatus derives the anchoring indicator.
func (s *Session) AnchoringStatus() AnchoringStatus {
	if s.Status != StatusCompleted {
		return AnchoringPending
	}
	n := s.AnchoredCount()
	switch {
	case n == 0:
		return AnchoringNone
	case n < len(Ledgers):
		return AnchoringIncomplete
	default:
		return AnchoringComplete
	}
}

// Summary is the API projection of a session.
type Summary struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	WitnessType       string          `json:"witness_type"`
	Status            SessionStatus   `json:"status"`
	Version           int64           `json:"version"`
	ReviewStatus      ReviewStatus    `json:"review_status"`
	Anchoring         AnchoringStatus `json:"anchoring"`
	OverallConfidence *float64        `json:"overall_confidence,omitempty"`
	LivenessScore     *float64        `json:"liveness_score,omitempty"`
	FraudFlags        []string        `json:"fraud_flags,omitempty"`
	Recommendation    Recommendation  `json:"recommendation,omitempty"`
	FrameScore        float64         `json:"frame_score"`
	AnchorHash        string          `json:"anchor_hash,omitempty"`
	Anchors           []AnchorRecord  `json:"anchors"`
	Documents         *Documents      `json:"documents,omitempty"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
}

// Summarize builds the API projection.
func (s *Session) Summarize() Summary {
	sum := Summary{
		ID:           s.ID,
		CustomerID:   s.CustomerID,
		WitnessType:  s.WitnessType,
		Status:       s.Status,
		Version:      s.Version,
		ReviewStatus: s.ReviewStatus(),
		Anchoring:    s.AnchoringStatus(),
		FrameScore:   s.Frame.Score,
		Documents:    s.Documents,
		ScheduledAt:  s.ScheduledAt,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		CancelledAt:  s.CancelledAt,
	}
	if v := s.Verification; v != nil {
		overall, live := v.OverallConfidence, v.LivenessScore
		sum.OverallConfidence = &overall
		sum.LivenessScore = &live
		sum.FraudFlags = v.FraudFlags
		sum.Recommendation = v.Recommendation
	}
	if s.Status == StatusCompleted && s.Seal != nil {
		sum.AnchorHash = s.Seal.Hash
	}
	for _, l := range Ledgers {
		sum.Anchors = append(sum.Anchors, s.Anchor(l))
	}
	return sum
}
