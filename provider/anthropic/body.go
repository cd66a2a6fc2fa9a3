package anthropic

import (
	"encoding/json"

	codepunk "github.com/codepunk/codepunk"
)

// defaultMaxTokens is used when the request does not set one; the Messages
// API requires max_tokens to be present.
const defaultMaxTokens = 8192

// buildBody converts a normalized request into the Messages API wire shape.
// System messages are hoisted out of the ordered list into the system
// payload; tool-result messages become user messages carrying tool_result
// blocks; assistant messages carry both text and tool_use blocks.
func buildBody(req *codepunk.LLMRequest, model string, stream bool) messagesRequest {
	body := messagesRequest{
		Model:     model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	system := req.SystemPrompt
	for _, m := range req.Messages {
		switch m.Role {
		case codepunk.RoleSystem:
			if txt := m.TextContent(); txt != "" {
				if system != "" {
					system += "\n\n"
				}
				system += txt
			}

		case codepunk.RoleAssistant:
			body.Messages = append(body.Messages, wireMessage{
				Role:    "assistant",
				Content: assistantBlocks(m),
			})

		case codepunk.RoleTool:
			body.Messages = append(body.Messages, wireMessage{
				Role:    "user",
				Content: toolResultBlocks(m),
			})

		default:
			body.Messages = append(body.Messages, wireMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.TextContent()}},
			})
		}
	}

	if req.ResponseFormat != nil {
		if suffix := structuredOutputInstruction(req.ResponseFormat); suffix != "" {
			if system != "" {
				system += "\n\n"
			}
			system += suffix
		}
	}

	if system != "" {
		blk := systemBlock{Type: "text", Text: system}
		if req.UseEphemeralCache {
			blk.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		body.System = []systemBlock{blk}
	}

	body.Tools = buildTools(req.Tools, req.UseEphemeralCache)
	return body
}

// assistantBlocks renders an assistant message's text and tool_use parts.
func assistantBlocks(m *codepunk.Message) []contentBlock {
	var blocks []contentBlock
	for _, p := range m.Parts {
		switch p.Type {
		case codepunk.PartText:
			if p.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: p.Content})
			}
		case codepunk.PartToolCall:
			input := p.Arguments
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: input,
			})
		}
	}
	if len(blocks) == 0 {
		blocks = []contentBlock{{Type: "text", Text: ""}}
	}
	return blocks
}

// toolResultBlocks renders a tool-results message as tool_result blocks
// keyed by the originating call id.
func toolResultBlocks(m *codepunk.Message) []contentBlock {
	var blocks []contentBlock
	for _, p := range m.ToolResults() {
		blocks = append(blocks, contentBlock{
			Type:      "tool_result",
			ToolUseID: p.ToolCallID,
			Content:   p.Content,
			IsError:   p.IsError,
		})
	}
	return blocks
}

// buildTools converts tool definitions to the Anthropic shape. With
// ephemeral caching, a cache-control marker goes on the last entry so the
// whole tool block prefix is cacheable.
func buildTools(tools []codepunk.ToolDefinition, ephemeral bool) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	if ephemeral {
		out[len(out)-1].CacheControl = &cacheControl{Type: "ephemeral"}
	}
	return out
}

// structuredOutputInstruction returns the system suffix enforcing JSON
// output for the requested response format.
func structuredOutputInstruction(rf *codepunk.ResponseFormat) string {
	switch rf.Type {
	case "json_schema":
		if len(rf.Schema) == 0 {
			return "Respond with a single valid JSON object and nothing else."
		}
		return "Respond with a single valid JSON object and nothing else. " +
			"The object must conform to this JSON Schema:\n" + string(rf.Schema)
	case "json_object":
		return "Respond with a single valid JSON object and nothing else."
	default:
		return ""
	}
}

// mapStopReason normalizes the provider stop reason.
func mapStopReason(s string) codepunk.FinishReason {
	switch s {
	case "end_turn", "stop_sequence":
		return codepunk.FinishStop
	case "max_tokens":
		return codepunk.FinishMaxTokens
	case "tool_use":
		return codepunk.FinishToolCall
	case "":
		return ""
	default:
		return codepunk.FinishStop
	}
}
