// Package verify implements the verification signal collectors: liveness,
// identity/face and verbal acknowledgment. Collectors never return errors;
// any provider failure is folded into a degraded, review-bound result.
package verify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/resilience"
	"github.com/sells-group/witness-cli/pkg/anthropic"
)

// Task describes one unit of analysis sent to the AI provider.
type Task struct {
	Name      string
	System    string
	Prompt    string
	ImageURLs []string
}

// Provider runs an analysis task and returns the raw JSON reply.
type Provider interface {
	Analyze(ctx context.Context, task Task) ([]byte, error)
}

// EvidenceLoader returns the bytes behind an evidence reference that the
// provider cannot fetch itself. ok is false for references it does not own.
type EvidenceLoader interface {
	Load(ctx context.Context, ref string) (data []byte, contentType string, ok bool, err error)
}

// ClaudeProvider implements Provider over the Anthropic messages API.
type ClaudeProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	guard     *resilience.Guard
	loader    EvidenceLoader
}

// NewClaudeProvider creates a provider using the configured model and rate.
// loader may be nil when every evidence reference is a public URL.
func NewClaudeProvider(client anthropic.Client, cfg config.AnthropicConfig, loader EvidenceLoader) *ClaudeProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeProvider{
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		guard:     resilience.NewGuard("anthropic", cfg.RPS, resilience.DefaultRetryConfig(), nil),
		loader:    loader,
	}
}

// Analyze sends the task and extracts the JSON object from the first text block.
func (p *ClaudeProvider) Analyze(ctx context.Context, task Task) ([]byte, error) {
	images, err := p.images(ctx, task.ImageURLs)
	if err != nil {
		return nil, eris.Wrapf(err, "verify: %s evidence", task.Name)
	}

	temp := 0.0
	resp, err := resilience.Call(ctx, p.guard, task.Name, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return p.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       p.model,
			MaxTokens:   p.maxTokens,
			System:      task.System,
			Images:      images,
			Prompt:      task.Prompt,
			Temperature: &temp,
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "verify: %s request", task.Name)
	}
	resp.Usage.Log(p.model, task.Name)

	text := resp.Text()
	if text == "" {
		return nil, eris.Errorf("verify: %s: empty response", task.Name)
	}
	body := cleanJSON(text)
	if !strings.HasPrefix(body, "{") {
		return nil, eris.Errorf("verify: %s: no JSON in response", task.Name)
	}
	return []byte(body), nil
}

// images inlines references the loader owns and passes the rest by URL.
func (p *ClaudeProvider) images(ctx context.Context, refs []string) ([]anthropic.Image, error) {
	out := make([]anthropic.Image, 0, len(refs))
	for _, ref := range refs {
		if p.loader != nil {
			data, contentType, ok, err := p.loader.Load(ctx, ref)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, anthropic.Image{MediaType: contentType, Data: data})
				continue
			}
		}
		out = append(out, anthropic.Image{URL: ref})
	}
	return out, nil
}

// cleanJSON extracts a JSON object from text that may carry markdown fences
// or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
