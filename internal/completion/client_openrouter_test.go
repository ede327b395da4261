package completion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateraltutor/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordedSleeps) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultOpenRouterConfig("sk-test")
	cfg.BaseURL = srv.URL + "/"
	cfg.SiteURL = "https://tutor.example"
	rec := &recordedSleeps{}
	return NewClient(NewOpenRouterBackend(cfg), Options{System: "SYS", Retry: testRetrier(rec)}), rec
}

func TestOpenRouterSuccess(t *testing.T) {
	var got chatRequest
	var headers http.Header
	var path string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"agent_response\":\"Hi\"}"}}]}`))
	})

	text, err := client.Complete(context.Background(), Request{UserText: "hello", Stage: types.StageOnboarding})
	require.NoError(t, err)
	assert.Equal(t, `{"agent_response":"Hi"}`, text)

	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
	assert.Equal(t, "https://tutor.example", headers.Get("HTTP-Referer"))
	assert.Equal(t, "Lateral Reading Tutor", headers.Get("X-Title"))
	assert.Equal(t, "google/gemini-2.5-flash-lite-preview-09-2025", got.Model)
	assert.InDelta(t, 0.1, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestOpenRouterImagePartsSentTogether(t *testing.T) {
	var raw map[string][]map[string]interface{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &raw)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	})

	_, err := client.Complete(context.Background(), Request{
		UserText:  "Check this image",
		UserImage: &types.Attachment{Data: []byte("abc"), MIMEType: "image/jpeg"},
	})
	require.NoError(t, err)

	last := raw["messages"][len(raw["messages"])-1]
	parts, ok := last["content"].([]interface{})
	require.True(t, ok, "image turn must use content parts")
	require.Len(t, parts, 2)
	img := parts[1].(map[string]interface{})["image_url"].(map[string]interface{})["url"].(string)
	assert.Equal(t, "data:image/jpeg;base64,YWJj", img)
}

func TestOpenRouterEmptyPayloadDegrades(t *testing.T) {
	for _, body := range []string{`{"choices":[]}`, `{"choices":[{"message":{"content":""}}]}`} {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		text, err := client.Complete(context.Background(), Request{UserText: "x"})
		require.NoError(t, err)
		assert.Equal(t, "{}", text)
	}
}

func TestOpenRouterRateLimitExhausted(t *testing.T) {
	var calls int32
	client, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), Request{UserText: "x"})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindCongested, kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, rec.delays, 2)
}

func TestOpenRouterCredentialNotRetried(t *testing.T) {
	var calls int32
	client, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(strings.Repeat("q", 300)))
	})

	_, err := client.Complete(context.Background(), Request{UserText: "x"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindCredential, ce.Kind)
	assert.Equal(t, 402, ce.Status)
	assert.Len(t, ce.Detail, 100)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, rec.delays)
}

func TestOpenRouterOtherStatusIsAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})

	_, err := client.Complete(context.Background(), Request{UserText: "x"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindAPI, ce.Kind)
	assert.Equal(t, 500, ce.Status)
	assert.Equal(t, "upstream exploded", ce.Detail)
}

func TestOpenRouterErrorInsideBody(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"upstream busy"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad model"}}`))
	})

	_, err := client.Complete(context.Background(), Request{UserText: "x"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindAPI, ce.Kind)
	assert.Equal(t, "bad model", ce.Detail)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenRouterTransportNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := DefaultOpenRouterConfig("k")
	cfg.BaseURL = url
	cfg.Timeout = time.Second
	rec := &recordedSleeps{}
	client := NewClient(NewOpenRouterBackend(cfg), Options{Retry: testRetrier(rec)})

	_, err := client.Complete(context.Background(), Request{UserText: "x"})
	kind, _ := KindOf(err)
	assert.Equal(t, KindTransport, kind)
	assert.Empty(t, rec.delays)
}

func TestRequestSystemOverridesClientInstruction(t *testing.T) {
	var got chatRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{}"}}]}`))
	})

	_, err := client.Complete(context.Background(), Request{System: "SCENARIO SYS", UserText: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, got.Messages)
	assert.Equal(t, "SCENARIO SYS", got.Messages[0].Content)
}
