package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/pkg/anthropic"
	"github.com/sells-group/witness-cli/pkg/anthropic/mocks"
)

// providerFunc adapts a function to Provider.
type providerFunc func(ctx context.Context, task Task) ([]byte, error)

func (f providerFunc) Analyze(ctx context.Context, task Task) ([]byte, error) { return f(ctx, task) }

func replying(byTask map[string]string) Provider {
	return providerFunc(func(_ context.Context, task Task) ([]byte, error) {
		body, ok := byTask[task.Name]
		if !ok {
			return nil, errors.New("unexpected task " + task.Name)
		}
		return []byte(body), nil
	})
}

const goodLiveness = `{"is_live": true, "liveness_score": 92,
 "indicators": {"blinking": true, "head_movement": true, "expression": true, "depth": true, "lighting": true},
 "fraud_indicators": [], "recommendation": "approve"}`

const goodIdentity = `{"is_verified": true, "confidence_score": 94, "liveness_score": 91,
 "face_match": {"is_match": true, "similarity": 96},
 "document_analysis": {"is_authentic": true, "document_type": "passport", "issue_date": "2020-01-01", "expiration_date": "2030-01-01"},
 "fraud_flags": [], "recommendations": []}`

// --- Liveness ---

func TestLiveness_Success(t *testing.T) {
	c := NewLivenessCollector(replying(map[string]string{"liveness": goodLiveness}), time.Second)

	res := c.Collect(context.Background(), "https://cdn/video.mp4")
	assert.False(t, res.Degraded)
	assert.True(t, res.IsLive)
	assert.InDelta(t, 92, res.LivenessScore, 0.001)
	assert.True(t, res.Indicators.Blinking)
	assert.Equal(t, model.RecommendApprove, res.Recommendation)
	assert.Empty(t, res.FraudIndicators)
}

func TestLiveness_NotLiveAddsFlag(t *testing.T) {
	body := `{"is_live": false, "liveness_score": 30, "fraud_indicators": ["replay"], "recommendation": "reject"}`
	c := NewLivenessCollector(replying(map[string]string{"liveness": body}), time.Second)

	res := c.Collect(context.Background(), "https://cdn/video.mp4")
	assert.False(t, res.Degraded)
	assert.ElementsMatch(t, []string{"replay", model.FlagLivenessFailed}, res.FraudIndicators)
}

func TestLiveness_DegradesOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		ref      string
	}{
		{"provider error", providerFunc(func(context.Context, Task) ([]byte, error) { return nil, errors.New("boom") }), "v"},
		{"malformed json", replying(map[string]string{"liveness": `{"is_live":`}), "v"},
		{"score out of range", replying(map[string]string{"liveness": `{"is_live": true, "liveness_score": 140, "recommendation": "approve"}`}), "v"},
		{"negative score", replying(map[string]string{"liveness": `{"is_live": true, "liveness_score": -1, "recommendation": "approve"}`}), "v"},
		{"unknown recommendation", replying(map[string]string{"liveness": `{"is_live": true, "liveness_score": 90, "recommendation": "maybe"}`}), "v"},
		{"missing reference", replying(map[string]string{"liveness": goodLiveness}), ""},
		{"nil provider", nil, "v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLivenessCollector(tt.provider, time.Second)
			res := c.Collect(context.Background(), tt.ref)
			assert.True(t, res.Degraded)
			assert.InDelta(t, 50, res.LivenessScore, 0.001)
			assert.Equal(t, model.RecommendReview, res.Recommendation)
			assert.Equal(t, []string{model.FlagAnalysisFailed}, res.FraudIndicators)
		})
	}
}

func TestLiveness_TimeoutDegrades(t *testing.T) {
	slow := providerFunc(func(ctx context.Context, _ Task) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := NewLivenessCollector(slow, 20*time.Millisecond)

	start := time.Now()
	res := c.Collect(context.Background(), "v")
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), time.Second)
}

// --- Identity ---

func TestIdentity_Success(t *testing.T) {
	c := NewIdentityCollector(replying(map[string]string{"identity": goodIdentity}), time.Second)
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	res := c.Collect(context.Background(), IdentityInput{FaceVideoURL: "f", IDDocumentURL: "d"})
	assert.False(t, res.Degraded)
	assert.True(t, res.FaceMatch.IsMatch)
	assert.InDelta(t, 96, res.FaceMatch.Similarity, 0.001)
	assert.Equal(t, "passport", res.DocumentAnalysis.DocumentType)
	assert.Empty(t, res.FraudFlags)
}

func TestIdentity_DerivedFlags(t *testing.T) {
	body := `{"is_verified": false, "confidence_score": 40, "liveness_score": 90,
	 "face_match": {"is_match": false, "similarity": 35},
	 "document_analysis": {"is_authentic": false, "expiration_date": "2024-05-01"},
	 "fraud_flags": ["spoofing suspected"]}`
	c := NewIdentityCollector(replying(map[string]string{"identity": body}), time.Second)
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	res := c.Collect(context.Background(), IdentityInput{FaceVideoURL: "f", IDDocumentURL: "d"})
	assert.False(t, res.Degraded)
	assert.ElementsMatch(t, []string{
		"spoofing suspected", model.FlagFaceMismatch, model.FlagDocumentNotAuthentic, model.FlagDocumentExpired,
	}, res.FraudFlags)
	assert.NotNil(t, res.Recommendations)
}

func TestIdentity_DegradesOnBadScore(t *testing.T) {
	body := `{"confidence_score": 90, "liveness_score": 90, "face_match": {"is_match": true, "similarity": 101}}`
	c := NewIdentityCollector(replying(map[string]string{"identity": body}), time.Second)

	res := c.Collect(context.Background(), IdentityInput{FaceVideoURL: "f", IDDocumentURL: "d"})
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{model.FlagAnalysisFailed}, res.FraudFlags)
}

func TestIdentity_DegradesOnMissingEvidence(t *testing.T) {
	c := NewIdentityCollector(replying(map[string]string{"identity": goodIdentity}), time.Second)

	res := c.Collect(context.Background(), IdentityInput{FaceVideoURL: "f"})
	assert.True(t, res.Degraded)
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	assert.True(t, expired("2026-06-14", now))
	assert.False(t, expired("2026-06-15", now))
	assert.False(t, expired("2027-01-01", now))
	assert.False(t, expired("", now))
	assert.False(t, expired("June 2020", now))
}

// --- Verbal ---

func TestVerbal_AllElementsPresent(t *testing.T) {
	c := NewVerbalCollector(nil)
	transcript := "My name is Jane Doe. I understand Form 1583 and I consent to the agent receiving my mail."

	res := c.Collect(context.Background(), transcript, "")
	assert.True(t, res.IsCompliant)
	assert.Empty(t, res.MissingElements)
	assert.InDelta(t, 100, res.Confidence, 0.001)
	assert.False(t, res.Degraded)
}

func TestVerbal_OneMissingStillCompliant(t *testing.T) {
	c := NewVerbalCollector(nil)

	res := c.Collect(context.Background(), "I CONSENT. I acknowledge the form. My name is Jane.", "")
	require.True(t, res.IsCompliant)
	assert.Empty(t, res.MissingElements)

	res = c.Collect(context.Background(), "I consent, and I acknowledge everything.", "")
	assert.False(t, res.IsCompliant)
	assert.ElementsMatch(t, []string{"form_reference", "identity_confirmation"}, res.MissingElements)
	assert.InDelta(t, 50, res.Confidence, 0.001)

	res = c.Collect(context.Background(), "I consent. I acknowledge. My name is Jane.", "")
	assert.True(t, res.IsCompliant)
	assert.Equal(t, []string{"form_reference"}, res.MissingElements)
	assert.InDelta(t, 75, res.Confidence, 0.001)
}

func TestVerbal_FormReferenceSpoken(t *testing.T) {
	c := NewVerbalCollector(nil)

	res := c.Collect(context.Background(), "I consent. I acknowledge reference PS-1583-A. My name is Jane.", "PS-1583-A")
	assert.Empty(t, res.MissingElements)
}

func TestVerbal_PhrasesMatchWholeWords(t *testing.T) {
	c := NewVerbalCollector(nil)

	res := c.Collect(context.Background(), "I consent. I acknowledge the format of this thing. My name is Jane.", "")
	assert.Equal(t, []string{"form_reference"}, res.MissingElements)

	res = c.Collect(context.Background(), "I consented. I acknowledge the form. My name is Jane.", "")
	assert.Equal(t, []string{"consent"}, res.MissingElements)
}

func TestContainsPhrase(t *testing.T) {
	assert.True(t, containsPhrase("i acknowledge the form", "the form"))
	assert.True(t, containsPhrase("the form", "the form"))
	assert.False(t, containsPhrase("the format", "the form"))
	assert.False(t, containsPhrase("bathe form", "the form"))
	assert.False(t, containsPhrase("the form", ""))
}

func TestVerbal_EmptyTranscriptDegrades(t *testing.T) {
	c := NewVerbalCollector(nil)

	res := c.Collect(context.Background(), "  ...  ", "")
	assert.True(t, res.Degraded)
	assert.False(t, res.IsCompliant)
	assert.Len(t, res.MissingElements, len(DefaultElements))
}

func TestLoadElements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "elements.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
elements:
  - name: consent
    phrases: ["i consent"]
  - name: reference
    form_reference: true
`), 0o644))

	elements, err := LoadElements(path)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.True(t, elements[1].FormReference)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("elements:\n  - name: empty\n"), 0o644))
	_, err = LoadElements(bad)
	assert.Error(t, err)

	_, err = LoadElements(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestNormalizeSpeech(t *testing.T) {
	assert.Equal(t, "i don't know", normalizeSpeech("  I   DON’T, know!! "))
	assert.Equal(t, "josé", normalizeSpeech("José"))
}

// --- Collectors ---

func TestCollectors_RunConcurrently(t *testing.T) {
	var calls atomic.Int32
	p := providerFunc(func(_ context.Context, task Task) ([]byte, error) {
		calls.Add(1)
		switch task.Name {
		case "liveness":
			return []byte(goodLiveness), nil
		case "identity":
			return []byte(goodIdentity), nil
		}
		return nil, errors.New("unexpected")
	})
	c, err := NewCollectors(p, config.VerificationConfig{TimeoutSecs: 1})
	require.NoError(t, err)

	a := c.Run(context.Background(), Input{
		FaceVideoURL:  "f",
		IDDocumentURL: "d",
		Transcript:    "My name is Jane. I consent. I acknowledge this form.",
	})
	require.NotNil(t, a.Liveness)
	require.NotNil(t, a.Identity)
	require.NotNil(t, a.Verbal)
	assert.True(t, a.Verbal.IsCompliant)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCollectors_SkipVerbalWithoutTranscript(t *testing.T) {
	c, err := NewCollectors(replying(map[string]string{"liveness": goodLiveness, "identity": goodIdentity}), config.VerificationConfig{})
	require.NoError(t, err)

	a := c.Run(context.Background(), Input{FaceVideoURL: "f", IDDocumentURL: "d"})
	assert.Nil(t, a.Verbal)
}

func TestNewCollectors_BadElementsPath(t *testing.T) {
	_, err := NewCollectors(nil, config.VerificationConfig{ElementsPath: "/nonexistent/elements.yaml"})
	assert.Error(t, err)
}

// --- ClaudeProvider ---

func TestClaudeProvider_ExtractsJSON(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-test" &&
			len(req.Images) == 1 &&
			req.Images[0].URL == "u" &&
			req.System == "sys"
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "```json\n{\"is_live\": true}\n```"}},
	}, nil)

	p := NewClaudeProvider(client, config.AnthropicConfig{Model: "claude-test"}, nil)
	raw, err := p.Analyze(context.Background(), Task{Name: "liveness", System: "sys", Prompt: "p", ImageURLs: []string{"u"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_live": true}`, string(raw))
}

func TestClaudeProvider_NoJSON(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "I cannot help with that."}},
	}, nil)

	p := NewClaudeProvider(client, config.AnthropicConfig{Model: "claude-test"}, nil)
	_, err := p.Analyze(context.Background(), Task{Name: "identity"})
	assert.Error(t, err)
}

func TestClaudeProvider_PermanentErrorNotRetried(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid request")).Once()

	p := NewClaudeProvider(client, config.AnthropicConfig{Model: "claude-test"}, nil)
	_, err := p.Analyze(context.Background(), Task{Name: "identity"})
	assert.Error(t, err)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Here you go: {"a":{"b":2}} thanks`, `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

type loaderFunc func(ctx context.Context, ref string) ([]byte, string, bool, error)

func (f loaderFunc) Load(ctx context.Context, ref string) ([]byte, string, bool, error) {
	return f(ctx, ref)
}

func TestClaudeProvider_InlinesLoadedEvidence(t *testing.T) {
	loader := loaderFunc(func(_ context.Context, ref string) ([]byte, string, bool, error) {
		if ref == "file:///objects/face.png" {
			return []byte("png"), "image/png", true, nil
		}
		return nil, "", false, nil
	})
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Images) == 2 &&
			string(req.Images[0].Data) == "png" && req.Images[0].MediaType == "image/png" &&
			req.Images[1].URL == "https://cdn.example.com/id.jpg" && req.Images[1].Data == nil
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"is_verified": true}`}},
	}, nil)

	p := NewClaudeProvider(client, config.AnthropicConfig{Model: "claude-test"}, loader)
	_, err := p.Analyze(context.Background(), Task{
		Name:      "identity",
		ImageURLs: []string{"file:///objects/face.png", "https://cdn.example.com/id.jpg"},
	})
	require.NoError(t, err)
}

func TestClaudeProvider_LoaderErrorFails(t *testing.T) {
	loader := loaderFunc(func(context.Context, string) ([]byte, string, bool, error) {
		return nil, "", true, errors.New("object not found")
	})
	client := mocks.NewMockClient(t)

	p := NewClaudeProvider(client, config.AnthropicConfig{Model: "claude-test"}, loader)
	_, err := p.Analyze(context.Background(), Task{Name: "liveness", ImageURLs: []string{"file:///objects/gone.webm"}})
	require.Error(t, err)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}
