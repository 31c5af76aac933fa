package verify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/model"
)

// neutralScore is reported by collectors that fell back to a safe default.
const neutralScore = 50

const livenessSystemPrompt = `You are a liveness detection system for remote identity verification.
Given frames from a face video, decide whether they show a real, physically present person
rather than a replay, printed photo, mask or synthetic forgery.
Respond with JSON only:
{"is_live": bool, "liveness_score": 0-100,
 "indicators": {"blinking": bool, "head_movement": bool, "expression": bool, "depth": bool, "lighting": bool},
 "fraud_indicators": [string], "recommendation": "approve"|"review"|"reject"}`

// LivenessCollector checks a face video for signs of a live subject.
type LivenessCollector struct {
	provider Provider
	timeout  time.Duration
}

// NewLivenessCollector creates a LivenessCollector. A zero timeout means 20s.
func NewLivenessCollector(p Provider, timeout time.Duration) *LivenessCollector {
	return &LivenessCollector{provider: p, timeout: orDefault(timeout)}
}

// Collect analyzes videoRef. It never fails: errors produce a degraded result.
func (c *LivenessCollector) Collect(ctx context.Context, videoRef string) model.LivenessResult {
	res, err := c.collect(ctx, videoRef)
	if err != nil {
		zap.L().Warn("verify: liveness degraded", zap.String("video_ref", videoRef), zap.Error(err))
		return degradedLiveness()
	}
	return res
}

func (c *LivenessCollector) collect(ctx context.Context, videoRef string) (model.LivenessResult, error) {
	var res model.LivenessResult
	if videoRef == "" {
		return res, eris.New("verify: liveness: missing video reference")
	}

	err := analyze(ctx, c.provider, c.timeout, Task{
		Name:      "liveness",
		System:    livenessSystemPrompt,
		Prompt:    "Assess liveness for the attached face video frames. Video reference: " + videoRef,
		ImageURLs: []string{videoRef},
	}, &res)
	if err != nil {
		return res, err
	}

	if err := model.ValidateScore("liveness_score", res.LivenessScore); err != nil {
		return res, eris.Wrap(err, "verify: liveness")
	}
	if !res.Recommendation.Valid() {
		return res, eris.Errorf("verify: liveness: unknown recommendation %q", res.Recommendation)
	}
	if !res.IsLive {
		res.FraudIndicators = appendFlag(res.FraudIndicators, model.FlagLivenessFailed)
	}
	if res.FraudIndicators == nil {
		res.FraudIndicators = []string{}
	}
	return res, nil
}

func degradedLiveness() model.LivenessResult {
	return model.LivenessResult{
		LivenessScore:   neutralScore,
		FraudIndicators: []string{model.FlagAnalysisFailed},
		Recommendation:  model.RecommendReview,
		Degraded:        true,
	}
}

// analyze runs one provider task under a timeout and decodes the reply.
func analyze(ctx context.Context, p Provider, timeout time.Duration, task Task, out any) error {
	if p == nil {
		return eris.Errorf("verify: %s: no provider configured", task.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := p.Analyze(ctx, task)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return eris.Wrapf(err, "verify: %s: decode reply", task.Name)
	}
	return nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 20 * time.Second
	}
	return d
}

func appendFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
