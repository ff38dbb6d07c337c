// Package session holds per-conversation state for asynchronous research
// runs: an append-only message log polled by clients, the parallel
// provider-facing context, and the processing flag that serializes runs.
package session

import (
	"sync"
	"time"

	"scout/internal/llm"
)

// Session is one conversation. All exported methods are safe for
// concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.RWMutex
	messages   []Message
	provider   []llm.Message
	processing bool
	updatedAt  time.Time
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{id: id, createdAt: now, updatedAt: now}
}

func (s *Session) ID() string { return s.id }

// Snapshot is the client view of a session at one poll.
type Snapshot struct {
	ChatID        string    `json:"chat_id"`
	Messages      []Message `json:"messages"`
	TotalMessages int       `json:"total_messages"`
	IsProcessing  bool      `json:"is_processing"`
}

// SnapshotSince returns the messages at offset since and later, plus the
// current processing flag read under the same lock. Offsets past the end
// yield an empty slice, never an error.
func (s *Session) SnapshotSince(since int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if since < 0 {
		since = 0
	}
	total := len(s.messages)
	var tail []Message
	if since < total {
		tail = make([]Message, total-since)
		copy(tail, s.messages[since:])
	} else {
		tail = []Message{}
	}
	return Snapshot{
		ChatID:        s.id,
		Messages:      tail,
		TotalMessages: total,
		IsProcessing:  s.processing,
	}
}

// beginRun flips the processing flag, failing if a run is already active.
func (s *Session) beginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	s.updatedAt = time.Now()
	return true
}

func (s *Session) endRun() {
	s.mu.Lock()
	s.processing = false
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) IsProcessing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processing
}

func (s *Session) lastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Session) touch() {
	s.updatedAt = time.Now()
}

// EnsureSystemPrompt installs prompt as the first provider message once
// per session.
func (s *Session) EnsureSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.provider) > 0 && s.provider[0].Role == "system" {
		return
	}
	s.provider = append([]llm.Message{{Role: "system", Content: prompt}}, s.provider...)
}

// AppendUser records a user turn in both the client log and the provider
// context.
func (s *Session) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: RoleUser, Content: text, Timestamp: time.Now()})
	s.provider = append(s.provider, llm.Message{Role: "user", Content: text})
	s.touch()
}

// AppendAssistant records assistant text in the client log only. The
// provider context gets the full assistant message, tool calls included,
// via AppendAssistantContext.
func (s *Session) AppendAssistant(text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: text, Final: final, Timestamp: time.Now()})
	s.touch()
}

// AppendAssistantContext records the raw provider assistant message so
// follow-up tool results attach to their originating calls.
func (s *Session) AppendAssistantContext(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = append(s.provider, msg)
	s.touch()
}

// AppendToolActivity records a completed tool call for polling clients.
func (s *Session) AppendToolActivity(name string, args map[string]any, result map[string]any, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		Role:           RoleToolActivity,
		ToolName:       name,
		ToolArgs:       args,
		ToolResult:     result,
		ToolDurationMS: duration.Milliseconds(),
		Timestamp:      time.Now(),
	})
	s.touch()
}

// AppendToolResult feeds a tool outcome back to the provider context only.
func (s *Session) AppendToolResult(callID, name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = append(s.provider, llm.Message{
		Role:       "tool",
		Content:    content,
		Name:       name,
		ToolCallID: callID,
	})
	s.touch()
}

// AppendFile announces a verified download to polling clients. Callers
// decide whether a filename has already been announced; the log itself
// stays a plain append-only record.
func (s *Session) AppendFile(filename, path string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		Role:      RoleFile,
		Filename:  filename,
		FilePath:  path,
		FileSize:  size,
		Timestamp: time.Now(),
	})
	s.touch()
}

// AppendSystem records an operational notice for the client and mirrors
// it into the provider context so the model reacts to it on its next
// turn.
func (s *Session) AppendSystem(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: RoleSystem, Content: text, Timestamp: time.Now()})
	s.provider = append(s.provider, llm.Message{Role: "user", Content: "[SYSTEM CHECK] " + text})
	s.touch()
}

// ProviderMessages returns a copy of the provider-facing context.
func (s *Session) ProviderMessages() []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]llm.Message, len(s.provider))
	copy(out, s.provider)
	return out
}

// MessageCount returns the client log length.
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
