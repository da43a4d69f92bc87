package agent

import (
	"context"
	"fmt"

	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/model"
)

// Processor answers tasks of one kind: it resolves the task's data sources
// and runs the agent over them.
type Processor struct {
	agent   *Agent
	sources *datasource.Registry
}

// NewProcessor binds an agent to the registry its tasks resolve against.
func NewProcessor(agent *Agent, sources *datasource.Registry) *Processor {
	return &Processor{agent: agent, sources: sources}
}

// Kind returns the task kind the processor answers.
func (p *Processor) Kind() model.TaskKind {
	return p.agent.Kind()
}

// Process resolves datasourceIDs, skipping unknown ones, and runs the agent.
func (p *Processor) Process(ctx context.Context, query string, datasourceIDs []string) (model.Result, error) {
	sources, err := p.sources.Resolve(ctx, datasourceIDs)
	if err != nil {
		return model.Result{}, fmt.Errorf("failed to resolve data sources: %w", err)
	}
	return p.agent.Run(ctx, query, sources)
}

// Stream is Process that records the run in sink.
func (p *Processor) Stream(ctx context.Context, query string, datasourceIDs []string, sink Sink) (model.Result, error) {
	sources, err := p.sources.Resolve(ctx, datasourceIDs)
	if err != nil {
		return model.Result{}, fmt.Errorf("failed to resolve data sources: %w", err)
	}
	return p.agent.RunStreaming(ctx, query, sources, sink)
}
