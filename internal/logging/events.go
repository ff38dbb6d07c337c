package logging

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// EventLog is an append-only JSONL sink for agent observability records.
// One record per line; the sink is write-only and never read back by the
// orchestrator. A nil *EventLog discards everything, so callers don't need
// to guard against a disabled sink.
type EventLog struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewEventLog opens (or creates) a rotating JSONL event log at path.
func NewEventLog(path string) *EventLog {
	return &EventLog{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
		},
	}
}

// NewEventLogWriter wraps an arbitrary writer; used by tests.
func NewEventLogWriter(w io.WriteCloser) *EventLog {
	return &EventLog{w: w}
}

// Close flushes and closes the underlying writer.
func (l *EventLog) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	return l.w.Close()
}

// LLMCallRecord captures one model round trip.
type LLMCallRecord struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DurationMS       int64  `json:"duration_ms"`
	FinishReason     string `json:"finish_reason,omitempty"`
	ToolCallCount    int    `json:"tool_call_count"`
}

// ToolCallRecord captures one tool dispatch.
type ToolCallRecord struct {
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// LLMCall appends an llm_call record.
func (l *EventLog) LLMCall(sessionID string, rec LLMCallRecord) {
	l.write("llm_call", sessionID, rec)
}

// ToolCall appends a tool_call record.
func (l *EventLog) ToolCall(sessionID string, rec ToolCallRecord) {
	l.write("tool_call", sessionID, rec)
}

// AgentEvent appends an agent_event record describing a loop lifecycle
// transition (run_started, run_completed, run_aborted, tool_limit_reached).
func (l *EventLog) AgentEvent(sessionID, event string, fields map[string]any) {
	l.write("agent_event", sessionID, map[string]any{
		"event":  event,
		"fields": fields,
	})
}

type eventRecord struct {
	Timestamp string `json:"ts"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
}

func (l *EventLog) write(kind, sessionID string, data any) {
	if l == nil || l.w == nil {
		return
	}
	rec := eventRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      kind,
		SessionID: sessionID,
		Data:      data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		ErrorLog("event log marshal failed: %v", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		ErrorLog("event log write failed: %v", err)
	}
}
