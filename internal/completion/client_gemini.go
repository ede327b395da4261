package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"lateraltutor/internal/logging"
	"lateraltutor/internal/types"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	BaseURL     string // optional endpoint override
	HTTPClient  *http.Client
}

// GeminiBackend calls the Gemini API through the genai SDK.
type GeminiBackend struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiBackend creates a Gemini backend.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-lite"
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{client: client, model: cfg.Model, temperature: float32(cfg.Temperature)}, nil
}

// Model returns the configured model.
func (b *GeminiBackend) Model() string { return b.model }

// toGeminiContents splits out the system instruction and maps the rest to
// user/model contents.
func toGeminiContents(msgs []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = genai.NewContentFromText(m.Text, genai.RoleUser)
		case types.RoleModel:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleModel))
		default:
			parts := []*genai.Part{genai.NewPartFromText(m.Text)}
			if m.Image != nil && len(m.Image.Data) > 0 {
				mime := m.Image.MIMEType
				if mime == "" {
					mime = "image/jpeg"
				}
				parts = append(parts, genai.NewPartFromBytes(m.Image.Data, mime))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}
	return system, contents
}

// Attempt performs one GenerateContent call and classifies the result.
func (b *GeminiBackend) Attempt(ctx context.Context, msgs []Message) Result {
	system, contents := toGeminiContents(msgs)
	res, err := b.client.Models.GenerateContent(ctx, b.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(b.temperature),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return classifyGenAIError(err)
	}
	return success(res.Text())
}

func classifyGenAIError(err error) Result {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		logging.CompletionError("[Gemini] request failed: %v", err)
		return fatal(&Error{Kind: KindTransport, Err: err})
	}
	e := &Error{Kind: KindAPI, Status: apiErr.Code, Detail: truncate(apiErr.Message, diagnosticLimit), Err: err}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		e.Kind = KindCongested
		return retryable(e)
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = KindCredential
	}
	return fatal(e)
}
