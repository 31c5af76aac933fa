// Package notify delivers session lifecycle notifications. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/resilience"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Witness-Signature"

// Notification is one session event pushed to subscribers.
type Notification struct {
	Type      model.EventType     `json:"type"`
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	Anchoring string              `json:"anchoring,omitempty"`
	Details   map[string]any      `json:"details,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Dispatcher sends notifications without blocking the caller.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// WebhookDispatcher posts notifications as JSON to a webhook URL.
type WebhookDispatcher struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
	retry   resilience.RetryConfig
	wg      sync.WaitGroup
}

// New returns a WebhookDispatcher, or Nop when no webhook is configured.
func New(cfg config.NotifyConfig) Dispatcher {
	if cfg.WebhookURL == "" {
		return Nop{}
	}
	return NewWebhookDispatcher(cfg)
}

// NewWebhookDispatcher creates a dispatcher for cfg.WebhookURL.
func NewWebhookDispatcher(cfg config.NotifyConfig) *WebhookDispatcher {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:     cfg.WebhookURL,
		secret:  cfg.Secret,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		retry:   resilience.DefaultRetryConfig(),
	}
}

// Notify sends n in the background. The request outlives ctx cancellation
// but not the dispatcher timeout.
func (d *WebhookDispatcher) Notify(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		retry := d.retry
		retry.OnRetry = resilience.RetryLogger("webhook", string(n.Type))
		err := resilience.Do(sctx, retry, func(ctx context.Context) error {
			return d.send(ctx, n)
		})
		if err != nil {
			zap.L().Warn("notify: webhook delivery failed",
				zap.String("type", string(n.Type)),
				zap.String("session_id", n.SessionID),
				zap.Error(err),
			)
			return
		}
		zap.L().Debug("notify: webhook delivered",
			zap.String("type", string(n.Type)),
			zap.String("session_id", n.SessionID),
		)
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

func (d *WebhookDispatcher) send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "notify: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resilience.StatusError("notify", resp.StatusCode, string(body))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
