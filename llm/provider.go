// Package llm provides LLM provider abstractions.
//
// LLM Provider interface - the abstract interface for LLM providers.
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Structured output and tool-call encoding
// - Provider-specific error handling

package llm

import (
	"context"
	"fmt"
)

// Provider defines the abstract interface for LLM providers.
// Implementations hide provider-specific details while exposing
// a consistent interface for chat completions.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Complete sends one completion request. When req.Tools is non-empty the
	// LLM may answer with tool calls in LLMResponse.ToolCalls instead of
	// content. req.Format constrains the content of a final answer.
	Complete(ctx context.Context, req Request) (LLMResponse, error)
}

// ProviderError is returned when a completion call fails at the provider.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Options holds sampling settings shared by every provider.
type Options struct {
	MaxTokens         uint32
	Temperature       float32
	TopP              float32
	ParallelToolCalls bool
}

// DefaultOptions returns the sampling settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxTokens:         2048,
		Temperature:       1,
		TopP:              1,
		ParallelToolCalls: true,
	}
}
