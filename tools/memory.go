// Package tools defines the two tools the core owns: long-term memory
// recall and storage. The chat engine executes them when the completion
// collaborator invokes one and re-submits the result as a follow-up turn.
package tools

import "github.com/keepsakebot/keepsake/llm"

// Tool names dispatched by the chat engine.
const (
	MemoryRecallName = "memory_recall"
	MemoryStoreName  = "memory_store"
)

// MemoryRecallArgs is the input of the memory_recall tool.
type MemoryRecallArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// MemoryStoreArgs is the input of the memory_store tool.
type MemoryStoreArgs struct {
	Memory string `json:"memory"`
}

// Definitions returns the tool definitions offered to the completion
// collaborator.
func Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        MemoryRecallName,
			Description: "Recall information from previous messages and conversations by searching the long term memory storage. Returns the memories most relevant to the query.",
			Properties: map[string]any{
				"query": StringProperty("What to search the long term memory for, phrased as a short description of the information needed"),
				"limit": IntegerProperty("Maximum number of memories to return (default: 5)"),
			},
			Required: []string{"query"},
		},
		{
			Name:        MemoryStoreName,
			Description: "Store important information in the long term memory storage so it can be recalled in later conversations, preferably as bullet points.",
			Properties: map[string]any{
				"memory": StringProperty("The information to remember, as one or more concise bullet points"),
			},
			Required: []string{"memory"},
		},
	}
}
