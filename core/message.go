// Package core holds the message types shared by the branch store, the
// context assembler, and the completion adapters.
package core

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one concrete message: a single variant inside a branch slot.
// Messages are immutable once created; regeneration appends a new Message
// to the slot instead of mutating an old one.
type Message struct {
	// Role is the speaker: system, user, or assistant.
	Role Role

	// Content is the message text.
	Content string

	// SentAt is the creation timestamp.
	SentAt time.Time

	// Meta carries role-specific fields that do not belong in Content,
	// such as tool-call ids on assistant turns or tool results on the
	// follow-up user turn. Nil for ordinary chat messages.
	Meta map[string]string
}

// Meta keys used by the completion adapters for tool round-trips.
const (
	MetaToolCallID   = "tool_call_id"
	MetaToolName     = "tool_name"
	MetaToolArgs     = "tool_args"
	MetaToolResultID = "tool_result_id"
	MetaToolResult   = "tool_result"
)

// NewMessage creates a Message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:    role,
		Content: content,
		SentAt:  time.Now().UTC(),
	}
}

// IsToolCall reports whether the message is an assistant tool invocation
// rather than user-visible text.
func (m Message) IsToolCall() bool {
	_, ok := m.Meta[MetaToolCallID]
	return ok
}

// IsToolResult reports whether the message carries a tool result back to
// the completion collaborator.
func (m Message) IsToolResult() bool {
	_, ok := m.Meta[MetaToolResultID]
	return ok
}
