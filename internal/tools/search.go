package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	bochaAPIURL    = "https://api.bochaai.com/v1/web-search"
	searchMaxPages = 5
)

// Search queries the Bocha web search API and returns a formatted text
// summary. Requires BOCHA_API_KEY in the environment. The caller's context
// carries the timeout.
//
// Expectations:
//   - Returns an error when BOCHA_API_KEY is not set
//   - Returns a formatted result string when the API responds with pages
//   - Returns a "no results" message when the page list is empty
//   - Caps output at searchMaxPages results
func Search(ctx context.Context, query string) (string, error) {
	apiKey := os.Getenv("BOCHA_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("search: BOCHA_API_KEY not set")
	}

	reqBody, err := json.Marshal(map[string]any{
		"query":     query,
		"freshness": "noLimit",
		"summary":   false,
		"count":     searchMaxPages,
	})
	if err != nil {
		return "", fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bochaAPIURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("search: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("search: parse response: %w", err)
	}
	return formatSearchResult(query, &result), nil
}

type searchResponse struct {
	WebPages struct {
		Value []searchPage `json:"value"`
	} `json:"webPages"`
}

type searchPage struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	Summary       string `json:"summary"`
	DatePublished string `json:"datePublished"`
}

// formatSearchResult converts an API response into a readable text block.
//
// Expectations:
//   - Returns a "No results" message when the page list is empty
//   - Includes title, snippet, and URL for each result
//   - Prefers summary over snippet when summary is non-empty
//   - Omits datePublished when empty
func formatSearchResult(query string, r *searchResponse) string {
	pages := r.WebPages.Value
	if len(pages) == 0 {
		return fmt.Sprintf("No results found for: %q", query)
	}

	var sb strings.Builder
	for i, p := range pages {
		if i >= searchMaxPages {
			break
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Name)
		sb.WriteString("\n")
		text := p.Snippet
		if p.Summary != "" {
			text = p.Summary
		}
		if text != "" {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
		if p.DatePublished != "" && len(p.DatePublished) >= 10 {
			sb.WriteString(p.DatePublished[:10])
			sb.WriteString(" ")
		}
		sb.WriteString(p.URL)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
