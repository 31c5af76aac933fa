// Package aggregate folds collector outputs into one trust decision.
package aggregate

import (
	"math"
	"slices"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
)

// Weights are the relative contributions of each signal to the weighted mean.
// They are renormalized over the signals actually present.
type Weights struct {
	Liveness  float64
	FaceMatch float64
	Document  float64
	Verbal    float64
}

// DefaultWeights favours the two biometric signals.
var DefaultWeights = Weights{Liveness: 0.35, FaceMatch: 0.35, Document: 0.15, Verbal: 0.15}

// Policy holds the thresholds used to turn a score into a recommendation.
type Policy struct {
	ApproveThreshold float64
	ReviewThreshold  float64
	// FraudPenalty is subtracted for every fraud flag beyond the first.
	FraudPenalty float64
	Weights      Weights
}

// PolicyFromConfig builds a Policy from the verification config.
func PolicyFromConfig(cfg config.VerificationConfig) Policy {
	return Policy{
		ApproveThreshold: cfg.ApproveThreshold,
		ReviewThreshold:  cfg.ReviewThreshold,
		FraudPenalty:     cfg.FraudPenalty,
		Weights:          DefaultWeights,
	}
}

// Recommend maps a score to a recommendation.
func (p Policy) Recommend(score float64) model.Recommendation {
	switch {
	case score >= p.ApproveThreshold:
		return model.RecommendApprove
	case score >= p.ReviewThreshold:
		return model.RecommendReview
	default:
		return model.RecommendReject
	}
}

// Aggregate combines the analysis into a Verification. VerifiedAt is left
// for the caller to stamp.
//
// The overall score is the weighted mean of the non-degraded signals, capped
// at the lowest of the liveness and face similarity scores. Any fraud flag
// caps it at the review threshold, and each additional flag subtracts the
// fraud penalty. A degraded collector or a non-compliant verbal
// acknowledgment never yields approve, and with no usable signal the session
// goes to review at the neutral score.
func Aggregate(a model.Analysis, p Policy) model.Verification {
	var (
		subs         model.SubScores
		flags        []string
		recs         []string
		degraded     bool
		nonCompliant bool
		v            model.Verification
	)

	if l := a.Liveness; l != nil {
		degraded = degraded || l.Degraded
		flags = union(flags, l.FraudIndicators)
		v.IsLive = l.IsLive
		if !l.Degraded {
			subs.Liveness = ptr(l.LivenessScore)
		}
	}
	if id := a.Identity; id != nil {
		degraded = degraded || id.Degraded
		flags = union(flags, id.FraudFlags)
		recs = union(recs, id.Recommendations)
		v.FaceMatch = id.FaceMatch.IsMatch && !id.Degraded
		if !id.Degraded {
			subs.FaceMatch = ptr(id.FaceMatch.Similarity)
			subs.Document = ptr(documentScore(id.DocumentAnalysis, id.FraudFlags))
			if subs.Liveness == nil {
				subs.Liveness = ptr(id.LivenessScore)
			}
		}
	}
	if vb := a.Verbal; vb != nil {
		degraded = degraded || vb.Degraded
		if !vb.Degraded {
			subs.Verbal = ptr(vb.Confidence)
		}
		switch {
		case vb.Degraded:
		case !vb.IsCompliant:
			nonCompliant = true
			recs = union(recs, []string{"verbal acknowledgment non-compliant"})
		case len(vb.MissingElements) > 0:
			recs = union(recs, []string{"verbal acknowledgment incomplete"})
		}
	}
	if degraded {
		flags = union(flags, []string{model.FlagAnalysisFailed})
		recs = union(recs, []string{"manual review required"})
	}

	score, ok := weightedMean(subs, p.Weights)
	if !ok {
		score = 50
	}
	if c, ok := biometricCap(subs); ok {
		score = math.Min(score, c)
	}
	if n := len(flags); n > 0 {
		score = math.Min(score, p.ReviewThreshold) - p.FraudPenalty*float64(n-1)
	}
	score = round2(clamp(score))

	rec := p.Recommend(score)
	switch {
	case degraded && !ok:
		rec = model.RecommendReview
	case (degraded || nonCompliant) && rec == model.RecommendApprove:
		rec = model.RecommendReview
	}

	if subs.Liveness != nil {
		v.LivenessScore = round2(*subs.Liveness)
	} else {
		v.LivenessScore = 50
	}
	if subs.FaceMatch != nil {
		v.FaceSimilarity = round2(*subs.FaceMatch)
	}

	v.OverallConfidence = score
	v.FraudFlags = nonNil(flags)
	v.Recommendations = nonNil(recs)
	v.Recommendation = rec
	v.Degraded = degraded
	v.SubScores = subs
	v.Analysis = a
	return v
}

// documentScore is 100 for an authentic, unexpired document and 0 otherwise.
func documentScore(d model.DocumentAnalysis, flags []string) float64 {
	if !d.IsAuthentic || slices.Contains(flags, model.FlagDocumentExpired) {
		return 0
	}
	return 100
}

func weightedMean(s model.SubScores, w Weights) (float64, bool) {
	var sum, total float64
	add := func(v *float64, weight float64) {
		if v == nil || weight <= 0 {
			return
		}
		sum += *v * weight
		total += weight
	}
	add(s.Liveness, w.Liveness)
	add(s.FaceMatch, w.FaceMatch)
	add(s.Document, w.Document)
	add(s.Verbal, w.Verbal)
	if total == 0 {
		return 0, false
	}
	return sum / total, true
}

func biometricCap(s model.SubScores) (float64, bool) {
	switch {
	case s.Liveness != nil && s.FaceMatch != nil:
		return math.Min(*s.Liveness, *s.FaceMatch), true
	case s.Liveness != nil:
		return *s.Liveness, true
	case s.FaceMatch != nil:
		return *s.FaceMatch, true
	}
	return 0, false
}

func union(dst, src []string) []string {
	for _, s := range src {
		if s != "" && !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr(v float64) *float64 { return &v }
