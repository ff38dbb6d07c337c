package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"scout/internal/config"
	"scout/internal/llm"
	"scout/internal/session"
	"scout/internal/tooling"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	errs      []error
	responder func(llm.ChatRequest) llm.ChatResponse
	requests  []llm.ChatRequest
}

func newScriptedClient(resps ...llm.ChatResponse) *scriptedClient {
	return &scriptedClient{responses: resps}
}

func (c *scriptedClient) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return llm.ChatResponse{}, err
		}
	}
	if len(c.responses) > 0 {
		resp := c.responses[0]
		c.responses = c.responses[1:]
		return resp, nil
	}
	if c.responder != nil {
		return c.responder(req), nil
	}
	return textResponse("noop"), nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func textResponse(text string) llm.ChatResponse {
	return llm.ChatResponse{
		Choices: []llm.ChatChoice{
			{Message: llm.Message{Role: "assistant", Content: text}, FinishReason: "stop"},
		},
	}
}

func toolCallResponse(content string, calls ...llm.ToolCall) llm.ChatResponse {
	return llm.ChatResponse{
		Choices: []llm.ChatChoice{
			{Message: llm.Message{Role: "assistant", Content: content, ToolCalls: calls}, FinishReason: "tool_calls"},
		},
	}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// stubTool returns canned payloads and records invocations.
type stubTool struct {
	name    string
	payload func(args map[string]any) (string, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (s *stubTool) Definition() tooling.ToolDefinition {
	return tooling.ToolDefinition{
		Type:     "function",
		Function: tooling.ToolFunction{Name: s.name, Parameters: map[string]any{"type": "object"}},
	}
}

func (s *stubTool) Call(_ context.Context, args map[string]any) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()
	return s.payload(args)
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testConfig(maxToolCalls int) *config.Config {
	cfg, err := config.Load("/nonexistent/scout.yaml")
	if err != nil {
		panic(err)
	}
	cfg.MaxToolCalls = maxToolCalls
	return cfg
}

func newTestRunner(t *testing.T, client llm.Client, maxToolCalls int, tools ...tooling.Tool) *Runner {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	return NewRunner(client, tooling.NewRegistry(tools...), testConfig(maxToolCalls), logger, nil, nil)
}

// runOnce drives a run synchronously so tests observe the finished log.
func runOnce(t *testing.T, r *Runner, task string) *session.Session {
	t.Helper()
	store := session.NewStore(context.Background(), r.Run, 8)
	sess := store.CreateOrGet("")
	sessRunSync(r, sess, task)
	return sess
}

func sessRunSync(r *Runner, sess *session.Session, task string) {
	sess.AppendUser(task)
	r.Run(context.Background(), sess)
}

func TestRunHappyPathNoTools(t *testing.T) {
	client := newScriptedClient(textResponse("The answer is 42."))
	r := newTestRunner(t, client, 5)
	sess := runOnce(t, r, "what is the answer?")

	snap := sess.SnapshotSince(0)
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != session.RoleAssistant || !last.Final || last.Content != "The answer is 42." {
		t.Fatalf("unexpected final message %+v", last)
	}
	if client.callCount() != 1 {
		t.Fatalf("expected 1 model call, got %d", client.callCount())
	}
}

func TestRunDispatchesToolsAndContinues(t *testing.T) {
	search := &stubTool{name: "search_web", payload: func(map[string]any) (string, error) {
		return `{"count":1,"results":[{"title":"hit","url":"https://x","snippet":"s"}]}`, nil
	}}
	client := newScriptedClient(
		toolCallResponse("Searching now.", call("c1", "search_web", `{"query":"go"}`)),
		textResponse("Found it."),
	)
	r := newTestRunner(t, client, 5, search)
	sess := runOnce(t, r, "find go")

	if search.callCount() != 1 {
		t.Fatalf("tool invoked %d times", search.callCount())
	}
	snap := sess.SnapshotSince(0)
	var sawInterim, sawActivity bool
	for _, msg := range snap.Messages {
		if msg.Role == session.RoleAssistant && !msg.Final && msg.Content == "Searching now." {
			sawInterim = true
		}
		if msg.Role == session.RoleToolActivity && msg.ToolName == "search_web" {
			sawActivity = true
			if msg.ToolResult["count"] != float64(1) {
				t.Fatalf("tool result not recorded: %+v", msg.ToolResult)
			}
		}
	}
	if !sawInterim || !sawActivity {
		t.Fatalf("missing interim=%v activity=%v in %+v", sawInterim, sawActivity, snap.Messages)
	}
	last := snap.Messages[len(snap.Messages)-1]
	if !last.Final || last.Content != "Found it." {
		t.Fatalf("unexpected final %+v", last)
	}
}

func TestEmptyInterimContentIsDiscarded(t *testing.T) {
	search := &stubTool{name: "search_web", payload: func(map[string]any) (string, error) {
		return `{"count":0}`, nil
	}}
	client := newScriptedClient(
		toolCallResponse("  \n ", call("c1", "search_web", `{"query":"x"}`)),
		textResponse("Done."),
	)
	r := newTestRunner(t, client, 5, search)
	sess := runOnce(t, r, "task")

	for _, msg := range sess.SnapshotSince(0).Messages {
		if msg.Role == session.RoleAssistant && !msg.Final && strings.TrimSpace(msg.Content) == "" {
			t.Fatal("blank interim assistant message reached the log")
		}
	}
}

func TestToolFailureContinuesRun(t *testing.T) {
	search := &stubTool{name: "search_web", payload: func(map[string]any) (string, error) {
		return "", errors.New("upstream 500")
	}}
	client := newScriptedClient(
		toolCallResponse("", call("c1", "search_web", `{"query":"x"}`)),
		textResponse("Could not search, sorry."),
	)
	r := newTestRunner(t, client, 5, search)
	sess := runOnce(t, r, "task")

	snap := sess.SnapshotSince(0)
	var activity *session.Message
	for i := range snap.Messages {
		if snap.Messages[i].Role == session.RoleToolActivity {
			activity = &snap.Messages[i]
		}
	}
	if activity == nil {
		t.Fatal("failed tool call missing from the log")
	}
	if activity.ToolResult["error"] != "upstream 500" {
		t.Fatalf("expected error payload, got %+v", activity.ToolResult)
	}
	last := snap.Messages[len(snap.Messages)-1]
	if !last.Final {
		t.Fatalf("run did not finish normally after tool failure: %+v", last)
	}
}

func TestUnknownToolAndBadArguments(t *testing.T) {
	client := newScriptedClient(
		toolCallResponse("",
			call("c1", "no_such_tool", `{}`),
			call("c2", "search_web", `{not json`),
		),
		textResponse("Moving on."),
	)
	search := &stubTool{name: "search_web", payload: func(map[string]any) (string, error) { return `{}`, nil }}
	r := newTestRunner(t, client, 5, search)
	sess := runOnce(t, r, "task")

	if search.callCount() != 0 {
		t.Fatal("malformed arguments must not reach the tool")
	}
	var errorsSeen int
	for _, msg := range sess.SnapshotSince(0).Messages {
		if msg.Role == session.RoleToolActivity {
			if _, ok := msg.ToolResult["error"]; ok {
				errorsSeen++
			}
		}
	}
	if errorsSeen != 2 {
		t.Fatalf("expected 2 error activities, got %d", errorsSeen)
	}
}

func TestToolBudgetExhaustion(t *testing.T) {
	search := &stubTool{name: "search_web", payload: func(map[string]any) (string, error) {
		return `{"count":0}`, nil
	}}
	client := &scriptedClient{responder: func(req llm.ChatRequest) llm.ChatResponse {
		if len(req.Tools) == 0 {
			return textResponse("Here is what I found before stopping.")
		}
		return toolCallResponse("", call("cx", "search_web", `{"query":"again"}`))
	}}
	r := newTestRunner(t, client, 3, search)
	sess := runOnce(t, r, "task")

	if search.callCount() != 3 {
		t.Fatalf("budget of 3 executed %d tool calls", search.callCount())
	}
	snap := sess.SnapshotSince(0)
	var sawLimit bool
	for _, msg := range snap.Messages {
		if msg.Role == session.RoleSystem && strings.Contains(msg.Content, "Reached maximum of 3 tool calls") {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Fatal("missing budget system message")
	}
	last := snap.Messages[len(snap.Messages)-1]
	if !last.Final || last.Content != "Here is what I found before stopping." {
		t.Fatalf("final summary missing: %+v", last)
	}
}

func TestBudgetSkipsExtraCallsInBatch(t *testing.T) {
	search := &stubTool{name: "search_web", payload: func(map[string]any) (string, error) {
		return `{"count":0}`, nil
	}}
	client := &scriptedClient{responder: func(req llm.ChatRequest) llm.ChatResponse {
		if len(req.Tools) == 0 {
			return textResponse("summary")
		}
		return toolCallResponse("",
			call("c1", "search_web", `{"query":"a"}`),
			call("c2", "search_web", `{"query":"b"}`),
			call("c3", "search_web", `{"query":"c"}`),
		)
	}}
	r := newTestRunner(t, client, 2, search)
	sess := runOnce(t, r, "task")

	if search.callCount() != 2 {
		t.Fatalf("expected exactly 2 executions, got %d", search.callCount())
	}
	// The skipped third call still gets a provider-facing result so the
	// conversation stays well formed.
	var skipped bool
	for _, msg := range sess.ProviderMessages() {
		if msg.Role == "tool" && strings.Contains(msg.Content, "budget reached") {
			skipped = true
		}
	}
	if !skipped {
		t.Fatal("skipped call has no provider result")
	}
}

func TestProviderFailureAbortsRun(t *testing.T) {
	client := &scriptedClient{errs: []error{
		llm.NewProviderError("openrouter", llm.ErrorTypeAuth, "401", "bad key"),
	}}
	r := newTestRunner(t, client, 5)
	sess := runOnce(t, r, "task")

	snap := sess.SnapshotSince(0)
	last := snap.Messages[len(snap.Messages)-1]
	if last.Role != session.RoleSystem || !strings.HasPrefix(last.Content, "Error:") {
		t.Fatalf("expected an error system message, got %+v", last)
	}
	if client.callCount() != 1 {
		t.Fatalf("auth failures must not be retried, got %d calls", client.callCount())
	}
}

func TestRetryableProviderErrorIsRetried(t *testing.T) {
	transient := llm.NewProviderError("openrouter", llm.ErrorTypeProviderDown, "503", "upstream down")
	transient.Retryable = true
	client := &scriptedClient{
		errs:      []error{transient, nil},
		responses: []llm.ChatResponse{textResponse("recovered")},
	}
	r := newTestRunner(t, client, 5)
	sess := runOnce(t, r, "task")

	last := sess.SnapshotSince(0).Messages[len(sess.SnapshotSince(0).Messages)-1]
	if !last.Final || last.Content != "recovered" {
		t.Fatalf("run did not recover from transient error: %+v", last)
	}
	if client.callCount() != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.callCount())
	}
}

func TestDownloadDedupAndFileMessage(t *testing.T) {
	download := &stubTool{name: "download_file", payload: func(args map[string]any) (string, error) {
		out, _ := json.Marshal(map[string]any{
			"url":        args["url"],
			"filename":   args["filename"],
			"path":       "/tmp/dl/" + fmt.Sprint(args["filename"]),
			"size_bytes": 50000,
			"success":    true,
		})
		return string(out), nil
	}}
	client := newScriptedClient(
		toolCallResponse("", call("c1", "download_file", `{"url":"https://x/report.pdf","filename":"report.pdf"}`)),
		toolCallResponse("", call("c2", "download_file", `{"url":"https://x/report.pdf","filename":"Report.PDF"}`)),
		textResponse("done"),
	)
	r := newTestRunner(t, client, 10, download)
	sess := runOnce(t, r, "get the report")

	if download.callCount() != 1 {
		t.Fatalf("duplicate download executed %d times", download.callCount())
	}
	snap := sess.SnapshotSince(0)
	var files, dedupedActivities int
	for _, msg := range snap.Messages {
		if msg.Role == session.RoleFile {
			files++
		}
		if msg.Role == session.RoleToolActivity && msg.ToolResult["deduplicated"] == true {
			dedupedActivities++
		}
	}
	if files != 1 {
		t.Fatalf("expected exactly one file message, got %d", files)
	}
	if dedupedActivities != 1 {
		t.Fatalf("expected one deduplicated activity, got %d", dedupedActivities)
	}
}

func TestSameFilenameFromDifferentURLAnnouncedOnce(t *testing.T) {
	download := &stubTool{name: "download_file", payload: func(args map[string]any) (string, error) {
		out, _ := json.Marshal(map[string]any{
			"url":        args["url"],
			"filename":   args["filename"],
			"path":       "/tmp/dl/" + fmt.Sprint(args["filename"]),
			"size_bytes": 50000,
			"success":    true,
		})
		return string(out), nil
	}}
	client := newScriptedClient(
		toolCallResponse("", call("c1", "download_file", `{"url":"https://mirror-a/report.pdf","filename":"report.pdf"}`)),
		toolCallResponse("", call("c2", "download_file", `{"url":"https://mirror-b/report.pdf","filename":"Report.PDF"}`)),
		textResponse("done"),
	)
	r := newTestRunner(t, client, 10, download)
	sess := runOnce(t, r, "get the report")

	// Distinct URLs miss the download cache, so the tool runs twice,
	// but the filename is still announced only once within the run.
	if download.callCount() != 2 {
		t.Fatalf("expected 2 downloads, got %d", download.callCount())
	}
	var files int
	for _, msg := range sess.SnapshotSince(0).Messages {
		if msg.Role == session.RoleFile {
			files++
		}
	}
	if files != 1 {
		t.Fatalf("expected one file message for the run, got %d", files)
	}
}

func TestFileAnnouncedAgainOnNextRun(t *testing.T) {
	download := &stubTool{name: "download_file", payload: func(args map[string]any) (string, error) {
		out, _ := json.Marshal(map[string]any{
			"url":        args["url"],
			"filename":   args["filename"],
			"path":       "/tmp/dl/report.pdf",
			"size_bytes": 50000,
			"success":    true,
		})
		return string(out), nil
	}}
	client := newScriptedClient(
		toolCallResponse("", call("c1", "download_file", `{"url":"https://x/report.pdf","filename":"report.pdf"}`)),
		textResponse("first run done"),
		toolCallResponse("", call("c2", "download_file", `{"url":"https://x/report.pdf","filename":"report.pdf"}`)),
		textResponse("second run done"),
	)
	r := newTestRunner(t, client, 10, download)
	sess := runOnce(t, r, "get the report")
	sessRunSync(r, sess, "get it again")

	// Dedup state resets between runs: the re-download in the second run
	// executes and is announced again.
	if download.callCount() != 2 {
		t.Fatalf("expected a fresh download per run, got %d", download.callCount())
	}
	var files int
	for _, msg := range sess.SnapshotSince(0).Messages {
		if msg.Role == session.RoleFile {
			files++
		}
	}
	if files != 2 {
		t.Fatalf("expected one file message per run (2 total), got %d", files)
	}
}

func TestDownloadWarningSuppressesFileMessage(t *testing.T) {
	download := &stubTool{name: "download_file", payload: func(args map[string]any) (string, error) {
		out, _ := json.Marshal(map[string]any{
			"url":        args["url"],
			"filename":   args["filename"],
			"path":       "/tmp/dl/tiny.pdf",
			"size_bytes": 900,
			"success":    true,
			"warning":    "file is only 900 bytes, below the 20480 byte minimum expected for a real .pdf document",
		})
		return string(out), nil
	}}
	client := newScriptedClient(
		toolCallResponse("", call("c1", "download_file", `{"url":"https://x/tiny.pdf","filename":"tiny.pdf"}`)),
		textResponse("the file was broken"),
	)
	r := newTestRunner(t, client, 10, download)
	sess := runOnce(t, r, "get it")

	snap := sess.SnapshotSince(0)
	var sawWarning, sawFile bool
	for _, msg := range snap.Messages {
		if msg.Role == session.RoleSystem && strings.Contains(msg.Content, "DOWNLOAD VERIFICATION WARNING") {
			sawWarning = true
		}
		if msg.Role == session.RoleFile {
			sawFile = true
		}
	}
	if !sawWarning {
		t.Fatal("verification warning missing")
	}
	if sawFile {
		t.Fatal("broken download must not produce a file message")
	}
}

func TestLongToolResultIsTruncatedForProvider(t *testing.T) {
	big := strings.Repeat("x", toolResultLimit+500)
	scrape := &stubTool{name: "scrape_page", payload: func(map[string]any) (string, error) {
		out, _ := json.Marshal(map[string]any{"content": big})
		return string(out), nil
	}}
	client := newScriptedClient(
		toolCallResponse("", call("c1", "scrape_page", `{"url":"https://x"}`)),
		textResponse("done"),
	)
	r := newTestRunner(t, client, 5, scrape)
	sess := runOnce(t, r, "read it")

	for _, msg := range sess.ProviderMessages() {
		if msg.Role == "tool" {
			if len(msg.Content) > toolResultLimit+50 {
				t.Fatalf("provider tool payload not truncated: %d chars", len(msg.Content))
			}
			if !strings.HasSuffix(msg.Content, "(truncated)") {
				t.Fatal("truncation marker missing")
			}
		}
	}
}

func TestSystemPromptInstalledOnce(t *testing.T) {
	client := newScriptedClient(textResponse("one"), textResponse("two"))
	r := newTestRunner(t, client, 5)
	sess := runOnce(t, r, "first")
	sessRunSync(r, sess, "second")

	var systems int
	for _, msg := range sess.ProviderMessages() {
		if msg.Role == "system" {
			systems++
		}
	}
	if systems != 1 {
		t.Fatalf("expected exactly one system prompt, got %d", systems)
	}
}
