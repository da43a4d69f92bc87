// Package llm provides shared data models for LLM providers.
package llm

import (
	"encoding/json"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage represents a chat message with role and content.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages requesting tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	Name       string     `json:"name,omitempty"`         // tool name on tool result messages
}

// ToolCall represents a tool call from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition defines a tool that the LLM can call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
	Strict      bool           `json:"strict,omitempty"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// ToolCallMessage creates the assistant message that requested calls.
func ToolCallMessage(content string, calls []ToolCall) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage creates a tool result message answering callID.
func ToolMessage(callID, name, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// Request is one completion call.
type Request struct {
	Messages []ChatMessage
	Format   *ResponseFormat  // nil for free text
	Tools    []ToolDefinition // empty for plain completions
}

// LLMResponse represents a response from an LLM provider.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall // Tool calls requested by the LLM
	Usage     *TokenUsage
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}

// ResponseFormatType defines the type of response format.
type ResponseFormatType string

const (
	ResponseFormatText       ResponseFormatType = "text"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
)

// ResponseFormat specifies how the LLM should format its response.
type ResponseFormat struct {
	Type       ResponseFormatType `json:"type"`
	JSONSchema *JSONSchemaFormat  `json:"json_schema,omitempty"`
}

// JSONSchemaFormat defines a JSON schema for structured outputs.
type JSONSchemaFormat struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	Strict      bool            `json:"strict"`
}

// NewTextFormat creates a text response format.
func NewTextFormat() *ResponseFormat {
	return &ResponseFormat{Type: ResponseFormatText}
}

// NewJSONObjectFormat creates a JSON object response format.
func NewJSONObjectFormat() *ResponseFormat {
	return &ResponseFormat{Type: ResponseFormatJSONObject}
}

// NewJSONSchemaFormat creates a strict JSON schema response format.
func NewJSONSchemaFormat(name string, schema json.RawMessage) *ResponseFormat {
	return &ResponseFormat{
		Type: ResponseFormatJSONSchema,
		JSONSchema: &JSONSchemaFormat{
			Name:   name,
			Schema: schema,
			Strict: true,
		},
	}
}

// wantsJSON reports whether format asks for any JSON output.
func (f *ResponseFormat) wantsJSON() bool {
	return f != nil && f.Type != ResponseFormatText && f.Type != ""
}

// schemaInstruction renders a format as prompt text for providers that cannot
// enforce a JSON schema natively. It returns "" for text formats.
func schemaInstruction(f *ResponseFormat) string {
	if !f.wantsJSON() {
		return ""
	}
	if f.JSONSchema == nil || len(f.JSONSchema.Schema) == 0 {
		return "Respond with a single JSON object and nothing else."
	}

	var b strings.Builder
	b.WriteString("When you give your final answer, respond with a single JSON object named ")
	b.WriteString(f.JSONSchema.Name)
	b.WriteString(" that conforms to this JSON schema, and nothing else:\n")
	b.Write(f.JSONSchema.Schema)
	return b.String()
}

// systemText joins every system message, appending the format instruction
// when present. Non-system messages are returned in order.
func systemText(messages []ChatMessage, f *ResponseFormat) (string, []ChatMessage) {
	var parts []string
	rest := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			parts = append(parts, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	if instr := schemaInstruction(f); instr != "" {
		parts = append(parts, instr)
	}
	return strings.Join(parts, "\n\n"), rest
}
