// Package agent drives research runs: the background loop that calls the
// model, dispatches tools and writes the session log, plus the HTTP and
// terminal frontends around it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"scout/internal/archive"
	"scout/internal/config"
	"scout/internal/llm"
	"scout/internal/logging"
	"scout/internal/prompts"
	"scout/internal/session"
	"scout/internal/tooling"
)

// toolResultLimit caps the tool payload fed back into the model context.
const toolResultLimit = 15000

// Runner executes one agent run per StartRun. It is shared across
// sessions; all per-conversation state lives on the Session.
type Runner struct {
	client  llm.Client
	tools   *tooling.Registry
	cfg     *config.Config
	logger  *log.Logger
	events  *logging.EventLog
	archive *archive.Store
}

func NewRunner(client llm.Client, tools *tooling.Registry, cfg *config.Config, logger *log.Logger, events *logging.EventLog, arch *archive.Store) *Runner {
	return &Runner{
		client:  client,
		tools:   tools,
		cfg:     cfg,
		logger:  logger,
		events:  events,
		archive: arch,
	}
}

// downloadKey identifies a download for dedup within a run: the URL plus
// the case-folded target filename.
type downloadKey struct {
	url      string
	filename string
}

// Run drives the loop until the model answers without tool calls, the
// tool budget runs out, or the provider fails fatally. It satisfies
// session.RunFunc.
func (r *Runner) Run(ctx context.Context, sess *session.Session) {
	runID := uuid.NewString()
	started := time.Now()
	toolCallsUsed := 0

	sess.EnsureSystemPrompt(prompts.Combine(r.cfg.SystemPrompt))
	r.events.AgentEvent(sess.ID(), "run_started", map[string]any{"run_id": runID, "model": r.cfg.Model})

	finish := func(status, finalAnswer string) {
		logging.UserLog("run %s %s after %d tool calls (%s)", runID, status, toolCallsUsed, time.Since(started).Round(time.Millisecond))
		r.events.AgentEvent(sess.ID(), "run_"+status, map[string]any{
			"run_id":     runID,
			"tool_calls": toolCallsUsed,
			"duration_s": time.Since(started).Seconds(),
		})
		if r.archive == nil {
			return
		}
		if err := r.archive.Record(archive.Run{
			ID:           runID,
			SessionID:    sess.ID(),
			Status:       status,
			StartedAt:    started,
			FinishedAt:   time.Now(),
			MessageCount: sess.MessageCount(),
			ToolCalls:    toolCallsUsed,
			FinalAnswer:  finalAnswer,
		}); err != nil {
			r.logger.Printf("[runner] archive run %s: %v", runID, err)
		}
	}

	abort := func(stage string, err error) {
		r.logger.Printf("[runner] run %s aborted during %s: %v", runID, stage, err)
		sess.AppendSystem("Error: " + err.Error())
		finish(archive.StatusAborted, "")
	}

	// Both dedup scopes reset with the run: a later run that fetches the
	// same document again announces it again.
	downloaded := make(map[downloadKey]map[string]any)
	announced := make(map[string]bool)

	for {
		resp, err := r.callProviderWithRetry(ctx, llm.ChatRequest{
			Model:       r.cfg.Model,
			Messages:    sess.ProviderMessages(),
			Tools:       r.tools.Definitions(),
			Temperature: r.cfg.Temperature,
		}, sess.ID())
		if err != nil {
			abort("model call", err)
			return
		}
		if len(resp.Choices) == 0 {
			abort("model call", errors.New("provider returned no choices"))
			return
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) == 0 {
			text := strings.TrimSpace(choice.Message.Content)
			sess.AppendAssistantContext(choice.Message)
			sess.AppendAssistant(text, true)
			finish(archive.StatusCompleted, text)
			return
		}

		sess.AppendAssistantContext(choice.Message)
		if interim := strings.TrimSpace(choice.Message.Content); interim != "" {
			sess.AppendAssistant(interim, false)
		}

		for _, call := range choice.Message.ToolCalls {
			if toolCallsUsed >= r.cfg.MaxToolCalls {
				sess.AppendToolResult(call.ID, call.Function.Name, `{"error":"skipped: tool call budget reached"}`)
				continue
			}
			toolCallsUsed++
			r.executeToolCall(ctx, sess, call, downloaded, announced)
		}

		if toolCallsUsed >= r.cfg.MaxToolCalls {
			r.events.AgentEvent(sess.ID(), "tool_limit_reached", map[string]any{"run_id": runID, "limit": r.cfg.MaxToolCalls})
			sess.AppendSystem(fmt.Sprintf("Reached maximum of %d tool calls. Stopping.", r.cfg.MaxToolCalls))

			// One last call with no tools on offer so the model can
			// summarize what it has instead of ending mid-thought.
			resp, err := r.callProviderWithRetry(ctx, llm.ChatRequest{
				Model:       r.cfg.Model,
				Messages:    sess.ProviderMessages(),
				Temperature: r.cfg.Temperature,
			}, sess.ID())
			if err != nil {
				abort("final summary", err)
				return
			}
			if len(resp.Choices) == 0 {
				abort("final summary", errors.New("provider returned no choices"))
				return
			}
			text := strings.TrimSpace(resp.Choices[0].Message.Content)
			sess.AppendAssistantContext(resp.Choices[0].Message)
			sess.AppendAssistant(text, true)
			finish(archive.StatusCompleted, text)
			return
		}
	}
}

// executeToolCall runs one tool call end to end: argument parsing,
// download dedup, execution, session log entries, event emission and the
// provider-facing result. Failures become error payloads in the result,
// never an aborted run.
func (r *Runner) executeToolCall(ctx context.Context, sess *session.Session, call llm.ToolCall, downloaded map[downloadKey]map[string]any, announced map[string]bool) {
	name := call.Function.Name

	var args map[string]any
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		r.recordToolOutcome(sess, call, args, map[string]any{"error": "invalid tool arguments: " + err.Error()}, 0)
		return
	}

	tool, ok := r.tools.Lookup(name)
	if !ok {
		r.recordToolOutcome(sess, call, args, map[string]any{"error": "unknown tool: " + name}, 0)
		return
	}

	// Repeat downloads of the same URL and filename replay the cached
	// outcome instead of pulling the file again.
	var dedupKey downloadKey
	isDownload := name == "download_file"
	if isDownload {
		url, _ := args["url"].(string)
		filename, _ := args["filename"].(string)
		dedupKey = downloadKey{url: url, filename: strings.ToLower(filename)}
		if cached, ok := downloaded[dedupKey]; ok {
			result := make(map[string]any, len(cached)+1)
			for k, v := range cached {
				result[k] = v
			}
			result["deduplicated"] = true
			r.recordToolOutcome(sess, call, args, result, 0)
			return
		}
	}

	start := time.Now()
	raw, err := tool.Call(ctx, args)
	elapsed := time.Since(start)

	var result map[string]any
	if err != nil {
		result = map[string]any{"error": err.Error()}
	} else if jsonErr := json.Unmarshal([]byte(raw), &result); jsonErr != nil {
		result = map[string]any{"output": raw}
	}

	r.recordToolOutcome(sess, call, args, result, elapsed)

	if isDownload && err == nil {
		downloaded[dedupKey] = result
		r.announceDownload(sess, result, announced)
	}
}

// recordToolOutcome writes the client-visible activity entry, the
// observability event and the provider-facing result for one tool call.
func (r *Runner) recordToolOutcome(sess *session.Session, call llm.ToolCall, args, result map[string]any, elapsed time.Duration) {
	name := call.Function.Name
	sess.AppendToolActivity(name, args, result, elapsed)

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"error":"unencodable tool result"}`)
	}
	content := string(payload)
	if len(content) > toolResultLimit {
		content = content[:toolResultLimit] + `... (truncated)`
	}

	r.events.ToolCall(sess.ID(), logging.ToolCallRecord{
		ToolName:   name,
		Args:       args,
		Result:     result,
		DurationMS: elapsed.Milliseconds(),
	})
	sess.AppendToolResult(call.ID, name, content)
}

// announceDownload verifies a fresh download and either publishes a file
// message or a verification warning. A warning suppresses the file
// message so clients never link to a broken document. Each filename is
// announced at most once per run, case-insensitively.
func (r *Runner) announceDownload(sess *session.Session, result map[string]any, announced map[string]bool) {
	filename, _ := result["filename"].(string)
	path, _ := result["path"].(string)
	size := int64(0)
	if n, ok := result["size_bytes"].(float64); ok {
		size = int64(n)
	}
	if filename == "" || path == "" {
		return
	}

	if warning, ok := result["warning"].(string); ok && warning != "" {
		sess.AppendSystem(fmt.Sprintf("DOWNLOAD VERIFICATION WARNING: %s (%s). Do not cite this file; find another source.", warning, filename))
		return
	}
	folded := strings.ToLower(filename)
	if announced[folded] {
		return
	}
	announced[folded] = true
	sess.AppendFile(filename, path, size)
}

func (r *Runner) callProviderWithRetry(ctx context.Context, req llm.ChatRequest, sessionID string) (llm.ChatResponse, error) {
	const (
		maxRetries   = 5
		initialDelay = time.Second
		maxDelay     = 16 * time.Second
	)
	delay := initialDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		reqCtx, reqCancel := context.WithTimeout(ctx, r.cfg.RequestTimeout())
		start := time.Now()
		resp, err := r.client.Chat(reqCtx, req)
		elapsed := time.Since(start).Round(time.Millisecond)
		reqCancel()
		logging.DevLog("provider call finished: err=%v (attempt %d/%d, duration=%s)", err, attempt, maxRetries, elapsed)
		if err == nil {
			record := logging.LLMCallRecord{
				Model:         req.Model,
				DurationMS:    elapsed.Milliseconds(),
				ToolCallCount: 0,
			}
			if len(resp.Choices) > 0 {
				record.FinishReason = resp.Choices[0].FinishReason
				record.ToolCallCount = len(resp.Choices[0].Message.ToolCalls)
			}
			if resp.Usage != nil {
				record.PromptTokens = resp.Usage.PromptTokens
				record.CompletionTokens = resp.Usage.CompletionTokens
			}
			r.events.LLMCall(sessionID, record)
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return llm.ChatResponse{}, context.Canceled
		}

		if pe, ok := llm.IsProviderError(err); ok {
			if !pe.Retryable {
				r.logger.Printf("[runner] provider error (non-retryable): %s", pe.Error())
				return llm.ChatResponse{}, err
			}
			if pe.RetryAfter != nil && *pe.RetryAfter > delay {
				delay = *pe.RetryAfter
			}
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}
		r.logger.Printf("[runner] retrying provider call (attempt %d/%d) after %v", attempt+1, maxRetries, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return llm.ChatResponse{}, context.Canceled
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return llm.ChatResponse{}, fmt.Errorf("provider unavailable after %d attempts: %w", maxRetries, lastErr)
}
