// Tool Executor with timeout and retry of transient failures.
//
// Information Hiding:
// - Retry strategy implementation hidden
// - Backoff algorithm hidden
// - Error classification logic hidden

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Observer is notified once per Execute call with the final outcome.
type Observer func(tool string, elapsed time.Duration, err error)

// Executor provides tool execution with validation, timeout and retry support.
type Executor struct {
	config   ToolConfig
	observer Observer
}

// NewExecutor creates a new tool executor with the given configuration.
func NewExecutor(config ToolConfig) *Executor {
	return &Executor{config: config}
}

// NewDefaultExecutor creates an executor with default configuration.
func NewDefaultExecutor() *Executor {
	return &Executor{config: DefaultToolConfig()}
}

// WithObserver sets a hook called after each execution.
func (e *Executor) WithObserver(o Observer) *Executor {
	e.observer = o
	return e
}

// Execute validates args and runs the tool, each attempt under the configured
// timeout. Tool failures come back in ToolResult.Error as *ExecutionError; the
// returned error is non-nil only when ctx is done.
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	start := time.Now()
	result, err := e.execute(ctx, tool, args)
	if e.observer != nil {
		outcome := err
		if outcome == nil {
			outcome = result.Error
		}
		e.observer(tool.Metadata().Name, time.Since(start), outcome)
	}
	return result, err
}

func (e *Executor) execute(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	name := tool.Metadata().Name

	if err := tool.Validate(args); err != nil {
		return FailureResult(&ExecutionError{Tool: name, Err: fmt.Errorf("validation failed: %w", err)}), nil
	}

	var last ToolResult
	attempts := e.config.Attempts()
	for attempt := uint32(0); attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ToolResult{}, ctx.Err()
			case <-time.After(calculateBackoff(attempt)):
			}
		}

		result, err := e.once(ctx, tool, args)
		if err != nil {
			return ToolResult{}, err
		}
		if result.Success() || !shouldRetry(result.Error) {
			return wrapFailure(name, result), nil
		}
		last = result
	}

	return wrapFailure(name, last), nil
}

func (e *Executor) once(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout())
	defer cancel()

	result, err := tool.Execute(callCtx, args)
	if err != nil {
		// The parent context ending is the only hard failure.
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		return FailureResult(err), nil
	}
	return result, nil
}

func wrapFailure(name string, result ToolResult) ToolResult {
	if result.Error == nil {
		return result
	}
	var ee *ExecutionError
	if !errors.As(result.Error, &ee) {
		result.Error = &ExecutionError{Tool: name, Err: result.Error}
	}
	return result
}

// calculateBackoff returns the backoff duration for the given attempt.
func calculateBackoff(attempt uint32) time.Duration {
	const (
		baseDelay = 100 * time.Millisecond
		maxDelay  = 5 * time.Second
	)

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// shouldRetry reports whether a failure looks transient.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errLower := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection refused", "connection reset", "broken pipe"} {
		if strings.Contains(errLower, s) {
			return true
		}
	}
	return false
}
