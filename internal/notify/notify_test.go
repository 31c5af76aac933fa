package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
)

func TestWebhookDispatcher_Delivers(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, Sign("s3cret", body), r.Header.Get(SignatureHeader))

		var n Notification
		require.NoError(t, json.Unmarshal(body, &n))
		assert.Equal(t, model.EventCompleted, n.Type)
		assert.Equal(t, "sess-1", n.SessionID)
		assert.False(t, n.Timestamp.IsZero())
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := NewWebhookDispatcher(config.NotifyConfig{WebhookURL: ts.URL, Secret: "s3cret"})
	d.Notify(context.Background(), Notification{
		Type:      model.EventCompleted,
		SessionID: "sess-1",
		Status:    model.StatusCompleted,
	})
	d.Wait()
	assert.Equal(t, int32(1), received.Load())
}

func TestWebhookDispatcher_SurvivesCancelledContext(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewWebhookDispatcher(config.NotifyConfig{WebhookURL: ts.URL})
	d.Notify(ctx, Notification{Type: model.EventCancelled, SessionID: "sess-2"})
	cancel()
	d.Wait()
	assert.Equal(t, int32(1), received.Load())
}

func TestWebhookDispatcher_RetriesServerErrors(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	d := NewWebhookDispatcher(config.NotifyConfig{WebhookURL: ts.URL})
	d.retry.InitialBackoff = time.Millisecond
	d.retry.MaxBackoff = time.Millisecond
	d.Notify(context.Background(), Notification{Type: model.EventCompleted})
	d.Wait()
	assert.Equal(t, int32(3), received.Load())
}

func TestWebhookDispatcher_ClientErrorNotRetried(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	d := NewWebhookDispatcher(config.NotifyConfig{WebhookURL: ts.URL})
	d.Notify(context.Background(), Notification{Type: model.EventCancelled})
	d.Wait()
	assert.Equal(t, int32(1), received.Load())
}

func TestWebhookDispatcher_NoSignatureWithoutSecret(t *testing.T) {
	var header atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	d := NewWebhookDispatcher(config.NotifyConfig{WebhookURL: ts.URL})
	d.Notify(context.Background(), Notification{Type: model.EventCompleted})
	d.Wait()
	assert.Equal(t, "", header.Load())
}

func TestNew_WithoutURLIsNop(t *testing.T) {
	d := New(config.NotifyConfig{})
	_, ok := d.(Nop)
	assert.True(t, ok)
	d.Notify(context.Background(), Notification{})

	_, ok = New(config.NotifyConfig{WebhookURL: "http://example.com"}).(*WebhookDispatcher)
	assert.True(t, ok)
}

func TestSign(t *testing.T) {
	sig := Sign("key", []byte("body"))
	assert.Len(t, sig, len("sha256=")+64)
	assert.Equal(t, sig, Sign("key", []byte("body")))
	assert.NotEqual(t, sig, Sign("other", []byte("body")))
}
