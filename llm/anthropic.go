package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"

	"github.com/keepsakebot/keepsake/core"
)

const defaultMaxTokens = 4096

// AnthropicModel adapts the Anthropic Messages API to CompletionModel.
type AnthropicModel struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicModel wraps an Anthropic client for the given model name.
func NewAnthropicModel(client *anthropic.Client, model string) *AnthropicModel {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicModel{client: client, model: model}
}

// Complete executes one Messages API call and maps the first content block
// of the reply to either text or a tool invocation.
func (m *AnthropicModel) Complete(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: maxTokens,
		Messages:  toMessageParams(req.History),
	}
	if req.Preamble != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.Preamble},
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(*req.TopK)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAPITools(req.Tools)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic completion")
	}

	out := &Response{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			if out.ToolCall == nil {
				out.ToolCall = &ToolCall{
					ID:   block.ID,
					Name: block.Name,
					Args: block.Input,
				}
			}
		}
	}
	return out, nil
}

// toMessageParams converts the assembled history into API message params.
// Assistant tool calls and their results travel in message metadata and are
// re-expanded into the matching block types here.
func toMessageParams(history []core.Message) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		switch {
		case msg.Role == core.RoleAssistant && msg.IsToolCall():
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(
				msg.Meta[core.MetaToolCallID],
				json.RawMessage(msg.Meta[core.MetaToolArgs]),
				msg.Meta[core.MetaToolName],
			)))
		case msg.Role == core.RoleUser && msg.IsToolResult():
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(
				msg.Meta[core.MetaToolResultID],
				msg.Meta[core.MetaToolResult],
				false,
			)))
		case msg.Role == core.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case msg.Role == core.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			// The system preamble travels separately; skip stray system rows.
		}
	}
	return msgs
}

func toAPITools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	apiTools := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		apiTools = append(apiTools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Properties,
					Required:   tool.Required,
				},
			},
		})
	}
	return apiTools
}
