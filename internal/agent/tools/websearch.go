package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearch is a thin client for an external search collaborator. The
// provider contract is a GET endpoint returning {results: [{title, url,
// snippet}]}.
type WebSearch struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewWebSearch builds the client; returns nil when no endpoint is configured,
// which the dispatcher reports as an unconfigured tool.
func NewWebSearch(baseURL, apiKey string) *WebSearch {
	if baseURL == "" {
		return nil
	}
	return &WebSearch{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search runs one query and renders the results as numbered text.
func (w *WebSearch) Search(ctx context.Context, query string) (string, error) {
	endpoint := fmt.Sprintf("%s?q=%s", w.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse search response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return "No results found.", nil
	}

	var out strings.Builder
	for i, r := range parsed.Results {
		fmt.Fprintf(&out, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
		if i >= 9 {
			break
		}
	}
	return out.String(), nil
}

func handleWebSearch(ctx context.Context, d *Dispatcher, call Call) Outcome {
	query, err := stringArg(call.Input, "query")
	if err != nil {
		return Errorf("web_search: %v", err)
	}
	if d.search == nil {
		return Errorf("web_search: no search provider is configured")
	}
	result, err := d.search.Search(ctx, query)
	if err != nil {
		return Errorf("web_search: %v", err)
	}
	return Ok(result)
}
