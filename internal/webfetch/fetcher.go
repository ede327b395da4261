// Package webfetch reads the first link a student pastes so the model can react
// to its content. Fetching is best-effort: every failure degrades to "no
// content" and is never surfaced to the dialogue.
package webfetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"lateraltutor/internal/logging"
)

// DefaultReaderURL is the text-extraction proxy the target URL is appended to.
const DefaultReaderURL = "https://r.jina.ai/"

// DefaultTimeout bounds a single fetch.
const DefaultTimeout = 8 * time.Second

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Config configures a Fetcher.
type Config struct {
	ReaderURL  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Fetcher retrieves a readable view of a web page.
type Fetcher struct {
	readerURL string
	timeout   time.Duration
	client    *http.Client
}

// New creates a Fetcher, filling unset fields with defaults.
func New(cfg Config) *Fetcher {
	if cfg.ReaderURL == "" {
		cfg.ReaderURL = DefaultReaderURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Fetcher{readerURL: cfg.ReaderURL, timeout: cfg.Timeout, client: cfg.HTTPClient}
}

// readerResponse is the JSON envelope returned by the reader proxy.
type readerResponse struct {
	Data struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"data"`
}

// Fetch performs one bounded GET through the reader proxy. ok is false when
// nothing usable came back.
func (f *Fetcher) Fetch(ctx context.Context, target string) (content string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryWebFetch, "fetch "+target)
	defer timer.StopWithThreshold(f.timeout / 2)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.readerURL+url.QueryEscape(target), nil)
	if err != nil {
		logging.WebFetchWarn("Bad request for %s: %v", target, err)
		return "", false
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Respond-With", "markdown")

	resp, err := f.client.Do(req)
	if err != nil {
		logging.WebFetchWarn("Fetch failed for %s: %v", target, err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.WebFetchWarn("Fetch of %s returned HTTP %d", target, resp.StatusCode)
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20)) // 2MB limit
	if err != nil {
		logging.WebFetchWarn("Read failed for %s: %v", target, err)
		return "", false
	}

	content = extract(resp.Header.Get("Content-Type"), body)
	if content == "" {
		return "", false
	}
	logging.WebFetchDebug("Fetched %s (%d chars)", target, len(content))
	return content, true
}

func extract(contentType string, body []byte) string {
	switch {
	case strings.Contains(contentType, "json"):
		var rr readerResponse
		if err := json.Unmarshal(body, &rr); err != nil {
			logging.WebFetchWarn("Reader JSON decode failed: %v", err)
			return ""
		}
		return strings.TrimSpace(rr.Data.Content)
	case strings.Contains(contentType, "html"):
		text, err := htmlToText(string(body))
		if err != nil {
			return ""
		}
		return text
	default:
		return strings.TrimSpace(string(body))
	}
}
