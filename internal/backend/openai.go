package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPAdapter speaks the OpenAI-compatible chat-completions wire format.
// It covers cloud APIs and local servers (llama.cpp, Ollama, vLLM) alike,
// since all expose the same endpoint shape behind a configurable base URL.
type HTTPAdapter struct {
	name       string
	label      string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Name    string
	Label   string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTP creates an OpenAI-compatible adapter.
func NewHTTP(cfg HTTPConfig) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	label := cfg.Label
	if label == "" {
		label = cfg.Name
	}
	return &HTTPAdapter{
		name:       cfg.Name,
		label:      label,
		baseURL:    normalizeBaseURL(cfg.BaseURL),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewHTTPFromEnv creates an adapter for a named tier. For each config key it
// first tries {PREFIX}_{KEY}; if unset it falls back to the shared
// OPENAI_{KEY}. Returns nil when neither a base URL nor a model is set.
//
// Example — prefix "PLANNER" resolves credentials as:
//
//	PLANNER_API_KEY  → OPENAI_API_KEY
//	PLANNER_BASE_URL → OPENAI_BASE_URL
//	PLANNER_MODEL    → OPENAI_MODEL
func NewHTTPFromEnv(name, prefix string) *HTTPAdapter {
	get := func(suffix string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv("OPENAI_" + suffix)
	}
	baseURL := get("BASE_URL")
	model := get("MODEL")
	if baseURL == "" && model == "" {
		return nil
	}
	return NewHTTP(HTTPConfig{
		Name:    name,
		BaseURL: baseURL,
		APIKey:  get("API_KEY"),
		Model:   model,
	})
}

// normalizeBaseURL strips trailing slashes and a "/chat/completions" suffix
// so the path is never doubled when the adapter appends it.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

func (a *HTTPAdapter) Name() string  { return a.name }
func (a *HTTPAdapter) Label() string { return a.label }

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	MaxTok   int       `json:"max_tokens,omitempty"`
	Stream   bool      `json:"stream,omitempty"`
	// User carries Request.RoutingSlug so compatible servers can route or
	// attribute per agent.
	User       string          `json:"user,omitempty"`
	StreamOpts *chatStreamOpts `json:"stream_options,omitempty"`
}

type chatStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (a *HTTPAdapter) messages(req Request) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: "user", Content: req.User})
	return msgs
}

// Generate sends one chat-completions request and returns the assistant text.
func (a *HTTPAdapter) Generate(ctx context.Context, req Request) (string, Usage, error) {
	body, err := json.Marshal(chatRequest{
		Model:    a.model,
		Messages: a.messages(req),
		MaxTok:   req.MaxTokens,
		User:     req.RoutingSlug,
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("backend %s: marshal request: %w", a.name, err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("backend %s: read response: %w", a.name, err)
	}
	if err := a.statusError(resp.StatusCode, respBody); err != nil {
		return "", Usage{}, err
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", Usage{}, fmt.Errorf("backend %s: unmarshal response: %w", a.name, err)
	}
	if cr.Error != nil {
		if isPolicyCode(cr.Error.Code, cr.Error.Message) {
			return "", Usage{}, fmt.Errorf("backend %s: %w: %s", a.name, ErrPolicy, cr.Error.Message)
		}
		return "", Usage{}, fmt.Errorf("backend %s: API error: %s", a.name, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("backend %s: no choices in response", a.name)
	}
	if cr.Choices[0].FinishReason == "content_filter" {
		return "", Usage{}, fmt.Errorf("backend %s: %w: content filter", a.name, ErrPolicy)
	}
	return cr.Choices[0].Message.Content, cr.Usage, nil
}

// Stream opens an SSE chat-completions stream and yields delta chunks.
func (a *HTTPAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := json.Marshal(chatRequest{
		Model:      a.model,
		Messages:   a.messages(req),
		MaxTok:     req.MaxTokens,
		Stream:     true,
		User:       req.RoutingSlug,
		StreamOpts: &chatStreamOpts{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("backend %s: marshal request: %w", a.name, err)
	}

	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err := a.statusError(resp.StatusCode, respBody); err != nil {
			return nil, err
		}
	}
	return &sseStream{name: a.name, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (a *HTTPAdapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := a.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend %s: create request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend %s: http request: %w", a.name, err)
	}
	return resp, nil
}

// statusError maps a non-2xx response to a policy or transport error.
// 429 (quota) is a policy error per the pool's fallback taxonomy.
func (a *HTTPAdapter) statusError(code int, body []byte) error {
	if code == http.StatusOK {
		return nil
	}
	if code == http.StatusTooManyRequests {
		return fmt.Errorf("backend %s: %w: HTTP 429: %s", a.name, ErrPolicy, firstLine(body))
	}
	return fmt.Errorf("backend %s: HTTP %d: %s", a.name, code, firstLine(body))
}

func isPolicyCode(code, msg string) bool {
	low := strings.ToLower(code + " " + msg)
	return strings.Contains(low, "content_filter") ||
		strings.Contains(low, "content policy") ||
		strings.Contains(low, "insufficient_quota")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i > 0 {
		s = s[:i]
	}
	if len(s) > 400 {
		s = s[:400]
	}
	return s
}

// sseStream parses "data:" lines of an OpenAI-compatible SSE stream.
type sseStream struct {
	name    string
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	usage   Usage
}

type sseDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	// Usage arrives in the final event when stream_options.include_usage is
	// honored; servers that don't support it simply never send one.
	Usage *Usage `json:"usage"`
}

// Recv returns the next non-empty delta chunk, io.EOF at [DONE] or stream
// end, or an error on a malformed event.
func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var d sseDelta
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return "", fmt.Errorf("backend %s: malformed stream event: %w", s.name, err)
		}
		if d.Usage != nil {
			s.usage = *d.Usage
		}
		if len(d.Choices) == 0 || d.Choices[0].Delta.Content == "" {
			continue
		}
		return d.Choices[0].Delta.Content, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("backend %s: stream read: %w", s.name, err)
	}
	s.done = true
	return "", io.EOF
}

// Usage reports the token usage announced by the server, zeros otherwise.
func (s *sseStream) Usage() Usage { return s.usage }

func (s *sseStream) Close() error {
	s.done = true
	if err := s.body.Close(); err != nil && err != io.ErrClosedPipe {
		slog.Debug("[POOL] sse body close", "backend", s.name, "error", err)
	}
	return nil
}
