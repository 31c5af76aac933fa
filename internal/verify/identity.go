package verify

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/model"
)

const identitySystemPrompt = `You are an identity verification analyst.
You receive a frame from a live face video and an image of a government ID document,
optionally with a transcript of what the customer said.
Compare the live face with the ID portrait and assess the document's authenticity.
Respond with JSON only:
{"is_verified": bool, "confidence_score": 0-100, "liveness_score": 0-100,
 "face_match": {"is_match": bool, "similarity": 0-100},
 "document_analysis": {"is_authentic": bool, "document_type": string, "issue_date": "YYYY-MM-DD", "expiration_date": "YYYY-MM-DD"},
 "fraud_flags": [string], "recommendations": [string]}`

// IdentityInput references the evidence compared by the identity collector.
type IdentityInput struct {
	FaceVideoURL  string
	IDDocumentURL string
	Transcript    string
}

// IdentityCollector matches the live face against the ID document.
type IdentityCollector struct {
	provider Provider
	timeout  time.Duration
	now      func() time.Time
}

// NewIdentityCollector creates an IdentityCollector. A zero timeout means 20s.
func NewIdentityCollector(p Provider, timeout time.Duration) *IdentityCollector {
	return &IdentityCollector{provider: p, timeout: orDefault(timeout), now: time.Now}
}

// Collect analyzes the evidence. It never fails: errors produce a degraded result.
func (c *IdentityCollector) Collect(ctx context.Context, in IdentityInput) model.IdentityResult {
	res, err := c.collect(ctx, in)
	if err != nil {
		zap.L().Warn("verify: identity degraded",
			zap.String("face_video_url", in.FaceVideoURL),
			zap.String("id_document_url", in.IDDocumentURL),
			zap.Error(err),
		)
		return degradedIdentity()
	}
	return res
}

func (c *IdentityCollector) collect(ctx context.Context, in IdentityInput) (model.IdentityResult, error) {
	var res model.IdentityResult
	if in.FaceVideoURL == "" || in.IDDocumentURL == "" {
		return res, eris.New("verify: identity: face video and ID document are required")
	}

	var prompt strings.Builder
	prompt.WriteString("The first image is the live face frame, the second is the ID document.")
	if in.Transcript != "" {
		prompt.WriteString("\n\nTranscript:\n")
		prompt.WriteString(in.Transcript)
	}

	err := analyze(ctx, c.provider, c.timeout, Task{
		Name:      "identity",
		System:    identitySystemPrompt,
		Prompt:    prompt.String(),
		ImageURLs: []string{in.FaceVideoURL, in.IDDocumentURL},
	}, &res)
	if err != nil {
		return res, err
	}

	for name, v := range map[string]float64{
		"confidence_score":      res.ConfidenceScore,
		"liveness_score":        res.LivenessScore,
		"face_match.similarity": res.FaceMatch.Similarity,
	} {
		if err := model.ValidateScore(name, v); err != nil {
			return res, eris.Wrap(err, "verify: identity")
		}
	}

	if !res.FaceMatch.IsMatch {
		res.FraudFlags = appendFlag(res.FraudFlags, model.FlagFaceMismatch)
	}
	if !res.DocumentAnalysis.IsAuthentic {
		res.FraudFlags = appendFlag(res.FraudFlags, model.FlagDocumentNotAuthentic)
	}
	if expired(res.DocumentAnalysis.ExpirationDate, c.now()) {
		res.FraudFlags = appendFlag(res.FraudFlags, model.FlagDocumentExpired)
	}
	if res.FraudFlags == nil {
		res.FraudFlags = []string{}
	}
	if res.Recommendations == nil {
		res.Recommendations = []string{}
	}
	return res, nil
}

// expired reports whether an ISO date lies before now. Unparseable dates
// are left to the provider's own flags.
func expired(date string, now time.Time) bool {
	if date == "" {
		return false
	}
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return false
	}
	return t.Before(now.UTC().Truncate(24 * time.Hour))
}

func degradedIdentity() model.IdentityResult {
	return model.IdentityResult{
		ConfidenceScore: neutralScore,
		LivenessScore:   neutralScore,
		FaceMatch:       model.FaceMatch{Similarity: neutralScore},
		FraudFlags:      []string{model.FlagAnalysisFailed},
		Recommendations: []string{"manual review required"},
		Degraded:        true,
	}
}
