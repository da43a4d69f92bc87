// Tool-calling loop implementation.
//
// All analyst runs go through this module.
//
// Information Hiding:
// - Transcript construction hidden
// - Provider communication hidden
// - Tool execution coordination and audit trail hidden
// - Conversation event emission hidden

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
	"github.com/richinex/quarry/tools"
)

// toolErrorPrefix starts the tool message of a failed invocation.
const toolErrorPrefix = "Error executing query: "

// Agent answers one kind of task by letting the provider query data sources.
type Agent struct {
	config   Config
	client   *llm.Client
	executor *tools.Executor
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates an agent. A provider that is already an *llm.Client is used as
// is, so observers attached to it keep firing.
func New(config Config, provider llm.Provider) *Agent {
	client, ok := provider.(*llm.Client)
	if !ok {
		client = llm.NewClient(provider)
	}

	return &Agent{
		config:   config,
		client:   client,
		executor: tools.NewDefaultExecutor(),
		log:      logrus.StandardLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithToolConfig overrides the tool execution configuration.
func (a *Agent) WithToolConfig(config tools.ToolConfig) *Agent {
	a.executor = tools.NewExecutor(config)
	return a
}

// WithExecutor replaces the tool executor.
func (a *Agent) WithExecutor(executor *tools.Executor) *Agent {
	a.executor = executor
	return a
}

// WithLogger sets the logger.
func (a *Agent) WithLogger(log logrus.FieldLogger) *Agent {
	a.log = log
	return a
}

// Name returns the agent's name.
func (a *Agent) Name() string {
	return a.config.Name
}

// Kind returns the task kind the agent answers.
func (a *Agent) Kind() model.TaskKind {
	return a.config.Kind
}

// Run answers query using sources. It makes at most MaxIterations provider
// calls; tool failures are reported back to the provider and never end the
// run.
func (a *Agent) Run(ctx context.Context, query string, sources []datasource.DataSource) (model.Result, error) {
	return a.run(ctx, query, sources, nil)
}

// RunStreaming is Run that also records every transcript mutation in sink as
// it happens. The final answer is not recorded.
func (a *Agent) RunStreaming(ctx context.Context, query string, sources []datasource.DataSource, sink Sink) (model.Result, error) {
	if sink == nil {
		return model.Result{}, errors.New("streaming run requires a sink")
	}
	return a.run(ctx, query, sources, sink)
}

func (a *Agent) run(ctx context.Context, query string, sources []datasource.DataSource, sink Sink) (model.Result, error) {
	format, err := a.config.format()
	if err != nil {
		return model.Result{}, err
	}

	log := a.log.WithFields(logrus.Fields{
		"agent": a.config.Name,
		"kind":  a.config.Kind,
	})

	registry := tools.NewSQLRegistry(sources)
	definitions := registry.Definitions()

	messages, err := a.openTranscript(ctx, query, sources, sink)
	if err != nil {
		return model.Result{}, err
	}

	usedTools := []model.UsedTool{}
	maxIterations := a.config.maxIterations()
	iteration := 0

	for {
		resp, err := a.client.Complete(ctx, llm.Request{
			Messages: messages,
			Format:   format,
			Tools:    definitions,
		})
		if err != nil {
			return model.Result{}, err
		}

		if len(resp.ToolCalls) == 0 {
			answer, err := model.ParseAnswer(a.config.Kind, resp.Content)
			if err != nil {
				log.WithError(err).Error("failed to parse final answer")
				return model.Result{}, &MalformedResultError{Kind: a.config.Kind, Content: resp.Content, Err: err}
			}
			return model.Result{Answer: answer, UsedTools: usedTools, UpdatedAt: a.now()}, nil
		}

		log.WithField("tool_calls", len(resp.ToolCalls)).Info("processing tool calls")

		// The provider needs its own request as context for the results.
		messages = append(messages, llm.ToolCallMessage(resp.Content, resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			used, err := a.invoke(ctx, registry, call, sink, log)
			if err != nil {
				return model.Result{}, err
			}
			messages = append(messages, llm.ToolMessage(call.ID, call.Name, used.Content))
			usedTools = append(usedTools, used)
		}

		iteration++
		if iteration >= maxIterations {
			log.WithField("iterations", iteration).Error("too many tool calls")
			return model.Result{}, fmt.Errorf("%w: %d rounds", ErrTooManyToolCalls, iteration)
		}
	}
}

// openTranscript builds the opening messages: system prompt, user query and,
// when any data source resolved, their descriptions.
func (a *Agent) openTranscript(ctx context.Context, query string, sources []datasource.DataSource, sink Sink) ([]llm.ChatMessage, error) {
	messages := []llm.ChatMessage{
		llm.SystemMessage(a.config.SystemPrompt),
		llm.UserMessage(query),
	}
	explanation := datasource.Explain(sources)
	if explanation != "" {
		messages = append(messages, llm.SystemMessage(explanation))
	}

	if sink == nil {
		return messages, nil
	}

	if _, err := sink.AddSystem(ctx, a.config.SystemPrompt); err != nil {
		return nil, fmt.Errorf("failed to record system prompt: %w", err)
	}
	ids := make([]string, len(sources))
	for i, ds := range sources {
		ids[i] = ds.ID()
	}
	if _, err := sink.AddUserMessage(ctx, query, ids); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}
	if explanation != "" {
		if _, err := sink.AddSystem(ctx, explanation); err != nil {
			return nil, fmt.Errorf("failed to record data sources: %w", err)
		}
	}
	return messages, nil
}

// invoke runs one tool call and returns its audit entry. The error is non-nil
// only when ctx is done or the sink cannot record the call.
func (a *Agent) invoke(ctx context.Context, registry *tools.Registry, call llm.ToolCall, sink Sink, log logrus.FieldLogger) (model.UsedTool, error) {
	params := callParameters(call.Arguments)
	used := model.UsedTool{
		Name:       call.Name,
		Query:      params["query"],
		ToolCallID: call.ID,
		Role:       llm.RoleTool,
	}

	if sink != nil {
		if _, err := sink.AddToolCall(ctx, call.ID, call.Name, params); err != nil {
			return model.UsedTool{}, fmt.Errorf("failed to record tool call: %w", err)
		}
	}

	content, err := a.execute(ctx, registry, call)
	if err != nil {
		return model.UsedTool{}, err
	}
	used.Content = content

	log.WithFields(logrus.Fields{
		"tool":          call.Name,
		"tool_call_id":  call.ID,
		"datasource_id": params["datasourceId"],
	}).Debug("tool call finished")

	if sink != nil {
		if _, err := sink.AddToolResult(ctx, call.ID, call.Name, content); err != nil {
			return model.UsedTool{}, fmt.Errorf("failed to record tool result: %w", err)
		}
	}
	return used, nil
}

// execute returns the tool output, or the error text shown to the provider.
func (a *Agent) execute(ctx context.Context, registry *tools.Registry, call llm.ToolCall) (string, error) {
	tool, ok := registry.Get(call.Name)
	if !ok {
		return toolErrorPrefix + fmt.Sprintf("unknown tool %q", call.Name), nil
	}

	result, err := a.executor.Execute(ctx, tool, call.Arguments)
	if err != nil {
		return "", err
	}
	if !result.Success() {
		a.log.WithFields(logrus.Fields{
			"tool":         call.Name,
			"tool_call_id": call.ID,
		}).WithError(result.Error).Warn("tool call failed")
		return toolErrorPrefix + result.Error.Error(), nil
	}
	return result.Output, nil
}

// callParameters flattens tool arguments into strings. Arguments that are not
// a JSON object are kept whole under "arguments".
func callParameters(args json.RawMessage) map[string]string {
	var raw map[string]any
	if err := json.Unmarshal(args, &raw); err != nil {
		return map[string]string{"arguments": string(args)}
	}

	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			params[k] = val
		default:
			data, err := json.Marshal(val)
			if err != nil {
				params[k] = fmt.Sprint(val)
				continue
			}
			params[k] = string(data)
		}
	}
	return params
}
