package session

import (
	"testing"
	"time"

	"scout/internal/llm"
)

func TestSnapshotSinceOffsets(t *testing.T) {
	sess := newSession("abc")
	sess.AppendUser("first")
	sess.AppendAssistant("working", false)
	sess.AppendAssistant("done", true)

	full := sess.SnapshotSince(0)
	if full.TotalMessages != 3 || len(full.Messages) != 3 {
		t.Fatalf("expected 3 messages, got total=%d len=%d", full.TotalMessages, len(full.Messages))
	}
	if full.ChatID != "abc" {
		t.Fatalf("unexpected chat id %q", full.ChatID)
	}

	tail := sess.SnapshotSince(2)
	if len(tail.Messages) != 1 || tail.Messages[0].Content != "done" {
		t.Fatalf("expected the final message, got %+v", tail.Messages)
	}
	if !tail.Messages[0].Final {
		t.Fatal("final assistant message should carry the final flag")
	}

	past := sess.SnapshotSince(99)
	if len(past.Messages) != 0 {
		t.Fatalf("offset past the end should yield no messages, got %d", len(past.Messages))
	}
	if past.TotalMessages != 3 {
		t.Fatalf("total must stay stable, got %d", past.TotalMessages)
	}

	negative := sess.SnapshotSince(-5)
	if len(negative.Messages) != 3 {
		t.Fatalf("negative offsets clamp to zero, got %d messages", len(negative.Messages))
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	sess := newSession("abc")
	sess.AppendUser("hello")
	snap := sess.SnapshotSince(0)
	snap.Messages[0].Content = "mutated"
	if sess.SnapshotSince(0).Messages[0].Content != "hello" {
		t.Fatal("snapshot mutation leaked into the session log")
	}
}

func TestEnsureSystemPromptIsIdempotent(t *testing.T) {
	sess := newSession("abc")
	sess.EnsureSystemPrompt("be helpful")
	sess.AppendUser("hi")
	sess.EnsureSystemPrompt("be helpful")

	msgs := sess.ProviderMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
}

func TestAppendSystemMirrorsIntoProviderContext(t *testing.T) {
	sess := newSession("abc")
	sess.AppendSystem("Reached maximum of 2 tool calls. Stopping.")

	snap := sess.SnapshotSince(0)
	if snap.Messages[0].Role != RoleSystem {
		t.Fatalf("expected a system log entry, got %q", snap.Messages[0].Role)
	}
	provider := sess.ProviderMessages()
	if len(provider) != 1 || provider[0].Role != "user" {
		t.Fatalf("system notice should reach the model as a user message, got %+v", provider)
	}
	if provider[0].Content != "[SYSTEM CHECK] Reached maximum of 2 tool calls. Stopping." {
		t.Fatalf("unexpected provider content %q", provider[0].Content)
	}
}

func TestAppendFileRecordsMetadata(t *testing.T) {
	sess := newSession("abc")
	sess.AppendFile("Report.PDF", "/tmp/Report.PDF", 100)
	msg := sess.SnapshotSince(0).Messages[0]
	if msg.Role != RoleFile || msg.Filename != "Report.PDF" || msg.FilePath != "/tmp/Report.PDF" || msg.FileSize != 100 {
		t.Fatalf("file metadata lost: %+v", msg)
	}

	// The log itself does not deduplicate; announcement policy lives
	// with the loop that owns the run.
	sess.AppendFile("report.pdf", "/tmp/report.pdf", 100)
	if sess.SnapshotSince(0).TotalMessages != 2 {
		t.Fatal("append-only log dropped an entry")
	}
}

func TestToolResultGoesToProviderOnly(t *testing.T) {
	sess := newSession("abc")
	sess.AppendToolResult("call_1", "search_web", `{"count":0}`)
	if sess.MessageCount() != 0 {
		t.Fatal("tool results must not appear in the client log")
	}
	provider := sess.ProviderMessages()
	if len(provider) != 1 || provider[0].Role != "tool" || provider[0].ToolCallID != "call_1" {
		t.Fatalf("unexpected provider message %+v", provider)
	}
}

func TestAppendAssistantContextPreservesToolCalls(t *testing.T) {
	sess := newSession("abc")
	msg := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: "search_web", Arguments: `{"query":"x"}`}},
		},
	}
	sess.AppendAssistantContext(msg)
	provider := sess.ProviderMessages()
	if len(provider) != 1 || len(provider[0].ToolCalls) != 1 {
		t.Fatalf("tool calls lost: %+v", provider)
	}
	if sess.MessageCount() != 0 {
		t.Fatal("provider context append must not touch the client log")
	}
}

func TestTimestampsAreSet(t *testing.T) {
	sess := newSession("abc")
	before := time.Now().Add(-time.Second)
	sess.AppendUser("hi")
	got := sess.SnapshotSince(0).Messages[0].Timestamp
	if got.Before(before) {
		t.Fatalf("timestamp not set: %v", got)
	}
}
