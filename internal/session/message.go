package session

import "time"

// Message roles visible to polling clients.
const (
	RoleUser         = "user"
	RoleAssistant    = "assistant"
	RoleToolActivity = "tool_activity"
	RoleFile         = "file"
	RoleSystem       = "system"
)

// Message is one entry in a session's client-visible log. The log is
// append-only; offsets handed to clients stay valid for the life of the
// session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Final marks the assistant message that ends a run. Interim
	// assistant messages carry Final=false.
	Final bool `json:"final,omitempty"`

	// Tool activity fields.
	ToolName       string         `json:"tool_name,omitempty"`
	ToolArgs       map[string]any `json:"tool_args,omitempty"`
	ToolResult     map[string]any `json:"tool_result,omitempty"`
	ToolDurationMS int64          `json:"tool_duration_ms,omitempty"`

	// File message fields.
	Filename string `json:"filename,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}
