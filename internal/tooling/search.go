package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"scout/internal/brightdata"
)

type SearchTool struct {
	client  *brightdata.Client
	timeout time.Duration
}

func NewSearchTool(client *brightdata.Client, timeout time.Duration) *SearchTool {
	return &SearchTool{client: client, timeout: timeout}
}

func (t *SearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "search_web",
			Description: "Search the web and return organic results as a JSON list of {title, url, snippet}. Use focused queries; run several narrower searches rather than one broad one.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of results to return (default 10)",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

func (t *SearchTool) Call(ctx context.Context, args map[string]any) (string, error) {
	query, ok := stringArg(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("search_web requires a query argument")
	}
	limit := intArg(args, "limit", 10)

	ctx, cancel := withTimeout(ctx, t.timeout)
	defer cancel()

	results, err := t.client.Search(ctx, query, limit)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	}
	if len(results) == 0 {
		payload["note"] = "no organic results returned; try a different query"
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
