package codepunk

import "encoding/json"

// --- Conversation model ---

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags a MessagePart variant.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartImage      PartType = "image"
)

// MessagePart is one element of a message body. The Type field selects the
// variant; only the fields belonging to that variant are populated.
//
// A tool_call part may only appear in an assistant message, and a
// tool_result part only in a user (or tool) message. ToolCallID is the
// provider-assigned call id for tool_call parts and the reference back to it
// for tool_result parts.
type MessagePart struct {
	Type PartType `json:"type"`

	// text
	Content string `json:"content,omitempty"`

	// tool_call / tool_result
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`

	// image
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// TextPart builds a text part.
func TextPart(content string) MessagePart {
	return MessagePart{Type: PartText, Content: content}
}

// ToolCallPart builds a tool_call part.
func ToolCallPart(id, name string, args json.RawMessage) MessagePart {
	return MessagePart{Type: PartToolCall, ToolCallID: id, ToolName: name, Arguments: args}
}

// ToolResultPart builds a tool_result part referencing a prior tool call.
func ToolResultPart(callID, content string, isError bool) MessagePart {
	return MessagePart{Type: PartToolResult, ToolCallID: callID, Content: content, IsError: isError}
}

// ImagePart builds an image part.
func ImagePart(url, description string) MessagePart {
	return MessagePart{Type: PartImage, URL: url, Description: description}
}

// Message is an immutable conversation record.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      Role          `json:"role"`
	Parts     []MessagePart `json:"parts"`
	Model     string        `json:"model,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	CreatedAt int64         `json:"created_at"`
}

// TextContent concatenates all text parts of the message.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Content
		}
	}
	return out
}

// ToolCalls returns the tool_call parts of the message, in order.
func (m *Message) ToolCalls() []MessagePart {
	return m.partsOf(PartToolCall)
}

// ToolResults returns the tool_result parts of the message, in order.
func (m *Message) ToolResults() []MessagePart {
	return m.partsOf(PartToolResult)
}

func (m *Message) partsOf(t PartType) []MessagePart {
	var out []MessagePart
	for _, p := range m.Parts {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// --- Message constructors ---

// UserMessage builds a user message with a single text part.
func UserMessage(sessionID, text string) *Message {
	return &Message{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      RoleUser,
		Parts:     []MessagePart{TextPart(text)},
		CreatedAt: NowUnix(),
	}
}

// SystemMessage builds a system message. System messages constructed for
// ephemeral prompt injection are never persisted.
func SystemMessage(sessionID, text string) *Message {
	return &Message{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      RoleSystem,
		Parts:     []MessagePart{TextPart(text)},
		CreatedAt: NowUnix(),
	}
}

// AssistantMessage builds an assistant message from accumulated text and any
// tool calls collected from the provider stream.
func AssistantMessage(sessionID, text string, toolCalls []MessagePart) *Message {
	parts := make([]MessagePart, 0, len(toolCalls)+1)
	if text != "" {
		parts = append(parts, TextPart(text))
	}
	parts = append(parts, toolCalls...)
	return &Message{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      RoleAssistant,
		Parts:     parts,
		CreatedAt: NowUnix(),
	}
}

// ToolResultsMessage builds the message that carries tool results back to the
// model. It uses the dedicated tool role; the wire adapter transmits it in
// whatever shape the provider requires.
func ToolResultsMessage(sessionID string, results []MessagePart) *Message {
	return &Message{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      RoleTool,
		Parts:     results,
		CreatedAt: NowUnix(),
	}
}

// --- Session ---

// Session is one conversation with accumulated usage. Mutated only by the
// orchestrator and the persistence layer.
type Session struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	CreatedAt        int64   `json:"created_at"`
	LastActivityAt   int64   `json:"last_activity_at"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// NewSession creates a session with a fresh id.
func NewSession(title string) *Session {
	now := NowUnix()
	return &Session{ID: NewID(), Title: title, CreatedAt: now, LastActivityAt: now}
}

// --- LLM protocol types ---

// ToolDefinition describes a tool advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema" or "json_object"
	SchemaName string          `json:"schema_name,omitempty"`
	Schema     json.RawMessage `json:"schema,omitempty"`
}

// LLMRequest is the normalized completion request handed to a Provider.
type LLMRequest struct {
	ModelID             string           `json:"model_id"`
	Messages            []*Message       `json:"messages"`
	SystemPrompt        string           `json:"system_prompt,omitempty"`
	Tools               []ToolDefinition `json:"tools,omitempty"`
	MaxTokens           int              `json:"max_tokens,omitempty"`
	Temperature         float64          `json:"temperature,omitempty"`
	ResponseFormat      *ResponseFormat  `json:"response_format,omitempty"`
	UseEphemeralCache   bool             `json:"use_ephemeral_cache,omitempty"`
	SystemPromptCacheID string           `json:"system_prompt_cache_id,omitempty"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// PromptCacheInfo reports provider-side ephemeral cache activity.
type PromptCacheInfo struct {
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// FinishReason is the normalized stop reason across providers.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishToolCall      FinishReason = "tool_call"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// LLMStreamChunk is one element of a provider stream. Any subset of the
// fields may be set; a terminal chunk has IsComplete true.
type LLMStreamChunk struct {
	ContentDelta string           `json:"content_delta,omitempty"`
	ToolCall     *MessagePart     `json:"tool_call,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
	FinishReason FinishReason     `json:"finish_reason,omitempty"`
	IsComplete   bool             `json:"is_complete,omitempty"`
	CacheInfo    *PromptCacheInfo `json:"cache_info,omitempty"`
	EventType    string           `json:"event_type,omitempty"`
}

// LLMResponse is a complete (non-streaming or accumulated) provider response.
type LLMResponse struct {
	Content      string           `json:"content"`
	ToolCalls    []MessagePart    `json:"tool_calls,omitempty"`
	Usage        Usage            `json:"usage"`
	FinishReason FinishReason     `json:"finish_reason"`
	CacheInfo    *PromptCacheInfo `json:"cache_info,omitempty"`
}
