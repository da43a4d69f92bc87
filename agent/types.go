// Package agent runs the bounded tool-calling loop that answers analyst tasks.
//
// Contains the error types and the event sink used by the streaming variant.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/richinex/quarry/conversation"
	"github.com/richinex/quarry/model"
)

// ErrTooManyToolCalls is returned when the provider still asks for tools after
// the last allowed round.
var ErrTooManyToolCalls = errors.New("too many tool calls")

// MalformedResultError is returned when the final content is not valid JSON or
// violates the answer schema. Content holds the raw provider output.
type MalformedResultError struct {
	Kind    model.TaskKind
	Content string
	Err     error
}

func (e *MalformedResultError) Error() string {
	return fmt.Sprintf("malformed %s result: %v", e.Kind, e.Err)
}

func (e *MalformedResultError) Unwrap() error {
	return e.Err
}

// CategorizationError is returned when a query cannot be mapped to a task kind.
type CategorizationError struct {
	Query string
	Err   error
}

func (e *CategorizationError) Error() string {
	return fmt.Sprintf("failed to categorize task: %v", e.Err)
}

func (e *CategorizationError) Unwrap() error {
	return e.Err
}

// Sink records transcript mutations as conversation events while a run
// progresses. *conversation.Conversation implements it.
type Sink interface {
	AddSystem(ctx context.Context, content string) (conversation.Event, error)
	AddUserMessage(ctx context.Context, text string, datasourceIDs []string) (conversation.Event, error)
	AddToolCall(ctx context.Context, callID, toolName string, params map[string]string) (conversation.Event, error)
	AddToolResult(ctx context.Context, callID, toolName, output string) (conversation.Event, error)
}

var _ Sink = (*conversation.Conversation)(nil)
