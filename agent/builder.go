// Agent builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

import (
	"fmt"

	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
)

// Builder provides fluent configuration for creating agents.
// Usage: agent.NewBuilder(model.KindHypothesis).MaxIterations(3).Build()
type Builder struct {
	name          string
	kind          model.TaskKind
	systemPrompt  string
	format        *llm.ResponseFormat
	maxIterations int
}

// NewBuilder creates a builder for agents answering tasks of kind.
func NewBuilder(kind model.TaskKind) *Builder {
	return &Builder{kind: kind}
}

// Name sets the name used in logs.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// SystemPrompt overrides the default system prompt.
func (b *Builder) SystemPrompt(prompt string) *Builder {
	b.systemPrompt = prompt
	return b
}

// Format overrides the response format derived from the kind.
func (b *Builder) Format(format *llm.ResponseFormat) *Builder {
	b.format = format
	return b
}

// MaxIterations sets the tool round bound.
func (b *Builder) MaxIterations(n int) *Builder {
	b.maxIterations = n
	return b
}

// Build creates the agent configuration.
func (b *Builder) Build() Config {
	cfg := DefaultConfig(b.kind)
	if b.name != "" {
		cfg.Name = b.name
	} else {
		cfg.Name = fmt.Sprintf("%s-agent", b.kind)
	}
	if b.systemPrompt != "" {
		cfg.SystemPrompt = b.systemPrompt
	}
	if b.format != nil {
		cfg.Format = b.format
	}
	if b.maxIterations > 0 {
		cfg.MaxIterations = b.maxIterations
	}
	return cfg
}
