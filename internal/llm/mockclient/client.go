package mockclient

import (
	"context"
	"fmt"
	"strings"

	"scout/internal/llm"
)

// Client is a deterministic llm.Client used for tests and CI. It never
// requests tool calls, so a run driven by it completes in a single turn.
type Client struct {
	prefix string
}

// New returns a mock client that echoes the last user message.
func New() *Client {
	return &Client{prefix: "MOCK"}
}

// Chat satisfies the llm.Client interface.
func (c *Client) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	response := llm.Message{Role: "assistant"}

	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		response.Content = fmt.Sprintf("%s RESPONSE", c.prefix)
	} else {
		response.Content = fmt.Sprintf("%s RESPONSE: %s", c.prefix, last)
	}

	return llm.ChatResponse{
		Choices: []llm.ChatChoice{
			{
				Index:        0,
				Message:      response,
				FinishReason: "stop",
			},
		},
		Usage: &llm.Usage{
			PromptTokens:     42,
			CompletionTokens: 7,
			TotalTokens:      49,
		},
	}, nil
}
