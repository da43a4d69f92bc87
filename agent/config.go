// Agent configuration types.
//
// Information Hiding:
// - Default prompt and iteration bound hidden
// - Output format selection per task kind hidden

package agent

import (
	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
)

// DefaultMaxIterations bounds the tool rounds of one run.
const DefaultMaxIterations = 5

// SystemPrompt is the fixed instruction opening every analyst run.
const SystemPrompt = "You are a professional data analyst. Use the supplied tools to assist the user. \n" +
	"You are allowed to use tools for researching datasource more precisely if consider that's important.\n" +
	"NEVER USE OPERATOR '*' FOR SELECT STATEMENT.\n" +
	"NEVER DO JOINS BETWEEN DIFFERENT DATASOURCES. MAKE DIFFERENT QUERIES FOR EACH DATASOURCE.\n"

// Config holds agent configuration.
type Config struct {
	// Name identifies the agent in logs.
	Name string

	// Kind selects the answer type the final content is parsed into.
	Kind model.TaskKind

	// SystemPrompt opens the transcript.
	SystemPrompt string

	// Format constrains the final answer. Derived from Kind when nil.
	Format *llm.ResponseFormat

	// MaxIterations is the number of tool rounds after which the run fails.
	MaxIterations int
}

// DefaultConfig returns the configuration used for kind.
func DefaultConfig(kind model.TaskKind) Config {
	return Config{
		Name:          string(kind),
		Kind:          kind,
		SystemPrompt:  SystemPrompt,
		MaxIterations: DefaultMaxIterations,
	}
}

// format returns the configured response format or the one of the kind.
func (c *Config) format() (*llm.ResponseFormat, error) {
	if c.Format != nil {
		return c.Format, nil
	}
	return FormatFor(c.Kind)
}

func (c *Config) maxIterations() int {
	if c.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return c.MaxIterations
}
