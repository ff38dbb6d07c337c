// Package brightdata speaks the Bright Data proxy API used for SERP
// queries and unlocker-routed page fetches.
package brightdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultEndpoint = "https://api.brightdata.com/request"

// maxBodyBytes caps how much of a proxied response we will buffer. Large
// document downloads stay under this in practice; anything bigger is
// suspicious for a research artifact.
const maxBodyBytes = 64 << 20

type Client struct {
	httpClient   *http.Client
	endpoint     string
	token        string
	serpZone     string
	unlockerZone string
	logger       *log.Logger
}

type Config struct {
	Endpoint     string
	Token        string
	SerpZone     string
	UnlockerZone string
	Logger       *log.Logger
}

func New(cfg Config) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		endpoint:     endpoint,
		token:        cfg.Token,
		serpZone:     cfg.SerpZone,
		unlockerZone: cfg.UnlockerZone,
		logger:       logger,
	}
}

// SearchResult is one organic hit from a SERP query.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type proxyRequest struct {
	Zone   string `json:"zone"`
	URL    string `json:"url"`
	Format string `json:"format"`
}

func (c *Client) request(ctx context.Context, zone, target string) ([]byte, string, error) {
	payload, err := json.Marshal(proxyRequest{Zone: zone, URL: target, Format: "raw"})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("brightdata request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("brightdata read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return nil, "", fmt.Errorf("brightdata status %d: %s", resp.StatusCode, snippet)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Search runs query through the SERP zone and returns up to limit organic
// results. Bright Data occasionally returns an HTML page instead of the
// JSON SERP payload; that surfaces as an explicit error rather than zero
// results so the model can retry with different phrasing.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	target := "https://www.google.com/search?q=" + url.QueryEscape(query) + "&brd_json=1"
	body, _, err := c.request(ctx, c.serpZone, target)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Organic []struct {
			Title       string `json:"title"`
			Link        string `json:"link"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Snippet     string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		head := strings.TrimSpace(string(body))
		if len(head) > 120 {
			head = head[:120]
		}
		return nil, fmt.Errorf("serp response was not JSON (starts with %q)", head)
	}

	results := make([]SearchResult, 0, limit)
	for _, hit := range parsed.Organic {
		link := hit.Link
		if link == "" {
			link = hit.URL
		}
		snippet := hit.Description
		if snippet == "" {
			snippet = hit.Snippet
		}
		if link == "" {
			continue
		}
		results = append(results, SearchResult{Title: hit.Title, URL: link, Snippet: snippet})
		if len(results) >= limit {
			break
		}
	}
	c.logger.Printf("brightdata search %q -> %d results", query, len(results))
	return results, nil
}

// Fetch retrieves target through the web unlocker zone and returns the raw
// body plus the upstream content type.
func (c *Client) Fetch(ctx context.Context, target string) ([]byte, string, error) {
	body, contentType, err := c.request(ctx, c.unlockerZone, target)
	if err != nil {
		return nil, "", err
	}
	c.logger.Printf("brightdata fetch %s -> %d bytes (%s)", target, len(body), contentType)
	return body, contentType, nil
}
