package completion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// OpenRouterConfig configures the OpenAI-compatible HTTP backend.
type OpenRouterConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	SiteURL     string // Optional: sent as HTTP-Referer
	SiteName    string // Optional: sent as X-Title
	HTTPClient  *http.Client
}

// DefaultOpenRouterConfig returns sensible defaults.
func DefaultOpenRouterConfig(apiKey string) OpenRouterConfig {
	return OpenRouterConfig{
		APIKey:      apiKey,
		BaseURL:     "https://openrouter.ai/api/v1",
		Model:       "google/gemini-2.5-flash-lite-preview-09-2025",
		Temperature: 0.1,
		Timeout:     2 * time.Minute,
		SiteName:    "Lateral Reading Tutor",
	}
}

// OpenRouterBackend posts chat completions to OpenRouter or any
// OpenAI-compatible endpoint.
type OpenRouterBackend struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	siteURL     string
	siteName    string
	httpClient  *http.Client
}

// NewOpenRouterBackend creates the HTTP backend.
func NewOpenRouterBackend(config OpenRouterConfig) *OpenRouterBackend {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OpenRouterBackend{
		apiKey:      config.APIKey,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		model:       config.Model,
		temperature: config.Temperature,
		siteURL:     config.SiteURL,
		siteName:    config.SiteName,
		httpClient:  client,
	}
}

// Model returns the configured model.
func (b *OpenRouterBackend) Model() string { return b.model }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toChatMessages(msgs []Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		switch m.Role {
		case types.RoleSystem:
			role = "system"
		case types.RoleModel:
			role = "assistant"
		}
		if m.Image == nil || len(m.Image.Data) == 0 {
			out = append(out, chatMessage{Role: role, Content: m.Text})
			continue
		}
		out = append(out, chatMessage{Role: role, Content: []contentPart{
			{Type: "text", Text: m.Text},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL(m.Image)}},
		}})
	}
	return out
}

func dataURL(a *types.Attachment) string {
	mime := a.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Attempt performs one POST to /chat/completions and classifies the result.
func (b *OpenRouterBackend) Attempt(ctx context.Context, msgs []Message) Result {
	jsonData, err := json.Marshal(chatRequest{
		Model:       b.model,
		Messages:    toChatMessages(msgs),
		Temperature: b.temperature,
	})
	if err != nil {
		return fatal(&Error{Kind: KindAPI, Detail: "failed to marshal request", Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return fatal(&Error{Kind: KindTransport, Err: fmt.Errorf("failed to create request: %w", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	// OpenRouter-specific headers
	req.Header.Set("HTTP-Referer", b.siteURL)
	req.Header.Set("X-Title", b.siteName)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		logging.CompletionError("[OpenRouter] request failed: %v", err)
		return fatal(&Error{Kind: KindTransport, Err: err})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	resp.Body.Close()
	if err != nil {
		return fatal(&Error{Kind: KindTransport, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)})
	}

	detail := truncate(strings.TrimSpace(string(body)), diagnosticLimit)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryable(&Error{Kind: KindCongested, Status: resp.StatusCode, Detail: detail})
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusPaymentRequired:
		logging.CompletionError("[OpenRouter] credentials rejected: status=%d", resp.StatusCode)
		return fatal(&Error{Kind: KindCredential, Status: resp.StatusCode, Detail: detail})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fatal(&Error{Kind: KindAPI, Status: resp.StatusCode, Detail: detail})
	}

	var orResp chatResponse
	if err := json.Unmarshal(body, &orResp); err != nil {
		return fatal(&Error{Kind: KindAPI, Status: resp.StatusCode, Detail: "malformed response: " + detail, Err: err})
	}
	if orResp.Error != nil {
		// OpenRouter may report upstream throttling inside a 200 body.
		e := &Error{Kind: KindAPI, Status: orResp.Error.Code, Detail: truncate(orResp.Error.Message, diagnosticLimit)}
		if orResp.Error.Code == http.StatusTooManyRequests {
			e.Kind = KindCongested
			return retryable(e)
		}
		return fatal(e)
	}
	if len(orResp.Choices) == 0 {
		return success("")
	}
	return success(orResp.Choices[0].Message.Content)
}
