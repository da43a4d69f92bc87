// OpenAI Provider implementation using go-openai library.
//
// Information Hiding:
// - API endpoint and authentication
// - Request/response format for OpenAI Chat Completions API
// - Native JSON schema output, or a schema instruction for compatible APIs
//   that only support json_object

package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface for OpenAI and
// OpenAI-compatible chat completion APIs.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	model        string
	opts         Options
	nativeSchema bool
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey, model string, opts Options) *OpenAIProvider {
	return NewOpenAICompatibleProvider("openai", openai.DefaultConfig(apiKey), model, opts, true)
}

// NewOpenAICompatibleProvider creates a provider for any endpoint speaking the
// OpenAI chat completions protocol. nativeSchema reports whether the endpoint
// enforces json_schema response formats; when false the schema is sent as a
// system instruction with a json_object format.
func NewOpenAICompatibleProvider(name string, cfg openai.ClientConfig, model string, opts Options, nativeSchema bool) *OpenAIProvider {
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		name:         name,
		model:        model,
		opts:         opts,
		nativeSchema: nativeSchema,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Model returns the current model.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, r Request) (LLMResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(r))
	if err != nil {
		return LLMResponse{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return LLMResponse{}, errors.New("chat completion returned no choices")
	}

	msg := resp.Choices[0].Message
	var toolCalls []ToolCall
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}

	usage := &TokenUsage{
		PromptTokens:     uint32(resp.Usage.PromptTokens),
		CompletionTokens: uint32(resp.Usage.CompletionTokens),
		TotalTokens:      uint32(resp.Usage.TotalTokens),
	}

	return LLMResponse{Content: msg.Content, ToolCalls: toolCalls, Usage: usage}, nil
}

func (p *OpenAIProvider) buildRequest(r Request) openai.ChatCompletionRequest {
	messages := r.Messages
	if !p.nativeSchema {
		if instr := schemaInstruction(r.Format); instr != "" {
			messages = insertSystem(messages, instr)
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    convertToOpenAIMessages(messages),
		MaxTokens:   int(p.opts.MaxTokens),
		Temperature: p.opts.Temperature,
		TopP:        p.opts.TopP,
	}

	if len(r.Tools) > 0 {
		req.Tools = convertToOpenAITools(r.Tools)
		req.ParallelToolCalls = p.opts.ParallelToolCalls
	}

	if r.Format.wantsJSON() {
		req.ResponseFormat = p.responseFormat(r.Format)
	}
	return req
}

func (p *OpenAIProvider) responseFormat(f *ResponseFormat) *openai.ChatCompletionResponseFormat {
	if !p.nativeSchema || f.Type != ResponseFormatJSONSchema || f.JSONSchema == nil {
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:        f.JSONSchema.Name,
			Description: f.JSONSchema.Description,
			Schema:      f.JSONSchema.Schema,
			Strict:      f.JSONSchema.Strict,
		},
	}
}

// insertSystem places a system message after the leading system messages.
func insertSystem(messages []ChatMessage, content string) []ChatMessage {
	i := 0
	for i < len(messages) && messages[i].Role == RoleSystem {
		i++
	}
	out := make([]ChatMessage, 0, len(messages)+1)
	out = append(out, messages[:i]...)
	out = append(out, SystemMessage(content))
	return append(out, messages[i:]...)
}

// convertToOpenAIMessages handles plain messages, tool calls and tool responses.
func convertToOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		result[i] = oaiMsg
	}
	return result
}

// convertToOpenAITools converts tool definitions to OpenAI format.
func convertToOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Strict:      t.Strict,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// Verify OpenAIProvider implements Provider
var _ Provider = (*OpenAIProvider)(nil)
