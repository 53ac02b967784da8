package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
)

// Page is the scraped content of one URL.
type Page struct {
	URL      string
	Markdown string
	Links    []string
	Metadata map[string]any
}

// Scraper fetches a single page.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Page, error)
}

// FirecrawlClient calls the Firecrawl scrape API.
type FirecrawlClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ Scraper = (*FirecrawlClient)(nil)

// NewFirecrawlClient builds a client for baseURL. An empty apiKey is allowed
// for self-hosted instances.
func NewFirecrawlClient(baseURL, apiKey string, httpClient *http.Client) (*FirecrawlClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: firecrawl url is required", apperrors.ErrInvalidInput)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &FirecrawlClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string         `json:"markdown"`
		Links    []string       `json:"links"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

// Scrape fetches url as markdown together with the links found on the page.
func (c *FirecrawlClient) Scrape(ctx context.Context, url string) (*Page, error) {
	payload, err := json.Marshal(map[string]any{
		"url":     url,
		"formats": []string{"markdown", "links"},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scrape", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build scrape request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: scrape %s: %v", apperrors.ErrUpstream, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: scrape %s returned status %d: %s", apperrors.ErrUpstream, url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded scrapeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode scrape response: %v", apperrors.ErrUpstream, err)
	}
	if !decoded.Success {
		return nil, fmt.Errorf("%w: scrape %s failed: %s", apperrors.ErrUpstream, url, decoded.Error)
	}

	links := decoded.Data.Links
	if links == nil {
		links = []string{}
	}
	return &Page{
		URL:      url,
		Markdown: decoded.Data.Markdown,
		Links:    links,
		Metadata: decoded.Data.Metadata,
	}, nil
}
