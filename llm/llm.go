// Package llm defines the completion collaborator boundary. The core only
// depends on CompletionModel; the Anthropic adapter in this package is the
// shipped implementation, and tests substitute scripted models.
package llm

import (
	"context"
	"encoding/json"

	"github.com/keepsakebot/keepsake/core"
)

// ToolDefinition describes one tool offered to the completion collaborator.
type ToolDefinition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolCall is a tool-invocation request returned by the model instead of a
// text reply.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Request is one completion call: a system preamble, the ordered chat
// history (the last entry is the message being answered), optional tool
// definitions, and tunable sampling parameters.
type Request struct {
	Preamble string
	History  []core.Message
	Tools    []ToolDefinition

	Temperature *float64
	TopP        *float64
	TopK        *int64
	MaxTokens   int64
}

// Response is either a text reply or a tool-invocation request.
type Response struct {
	Text     string
	ToolCall *ToolCall
}

// CompletionModel executes one completion request.
type CompletionModel interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
