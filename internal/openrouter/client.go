package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scout/internal/llm"
	"scout/internal/logging"
)

// Client is a thin HTTP wrapper around the OpenRouter chat completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *log.Logger
}

// NewClient wires together the dependencies for API access.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *log.Logger) *Client {
	trimmed := strings.TrimRight(baseURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    trimmed,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Chat executes a single completion request. Upstream HTTP failures come
// back as llm.ProviderError so the retry loop can tell transient trouble
// from dead ends.
func (c *Client) Chat(ctx context.Context, reqPayload llm.ChatRequest) (llm.ChatResponse, error) {
	var respPayload llm.ChatResponse

	payload, err := json.Marshal(reqPayload)
	if err != nil {
		return respPayload, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return respPayload, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/scout-agent/scout")
	req.Header.Set("X-Title", "Scout")

	c.logger.Printf("sending %d messages to model %s", len(reqPayload.Messages), reqPayload.Model)
	logging.DevLog("openrouter: sending request to %s with %d messages", reqPayload.Model, len(reqPayload.Messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return respPayload, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return respPayload, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		logging.ErrorLog("openrouter API error: %d - %s", resp.StatusCode, string(body))
		return respPayload, classifyStatus(resp, body)
	}

	if err := json.Unmarshal(body, &respPayload); err != nil {
		logging.ErrorLog("openrouter response parse error: %v", err)
		return respPayload, fmt.Errorf("parse response: %w", err)
	}
	logging.DevLog("openrouter: received response with %d choices", len(respPayload.Choices))
	return respPayload, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	if len(message) > 500 {
		message = message[:500]
	}
	code := strconv.Itoa(resp.StatusCode)

	perr := &llm.ProviderError{
		Provider: "openrouter",
		Code:     code,
		Message:  message,
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		perr.Type = llm.ErrorTypeAuth
	case resp.StatusCode == http.StatusForbidden:
		perr.Type = llm.ErrorTypeModeration
	case resp.StatusCode == http.StatusPaymentRequired:
		perr.Type = llm.ErrorTypeInsufficientCredit
	case resp.StatusCode == http.StatusTooManyRequests:
		// OpenRouter uses 429 both for transient rate limits and for an
		// exhausted key quota; only the former is worth retrying.
		if isQuotaExhausted(message) {
			perr.Type = llm.ErrorTypeQuotaExceeded
		} else {
			perr.Type = llm.ErrorTypeRateLimit
			perr.Retryable = true
		}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				wait := time.Duration(secs) * time.Second
				perr.RetryAfter = &wait
			}
		}
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if ms, err := strconv.ParseInt(reset, 10, 64); err == nil {
				at := time.UnixMilli(ms)
				perr.ResetAt = &at
			}
		}
	case resp.StatusCode >= 500:
		perr.Type = llm.ErrorTypeProviderDown
		perr.Retryable = true
	default:
		perr.Type = llm.ErrorTypeUnknown
	}
	return perr
}

func isQuotaExhausted(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "quota") ||
		strings.Contains(lower, "key limit exceeded") ||
		strings.Contains(lower, "free-models-per-day")
}
