package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/llm"
)

// Suggestion prompts.
const (
	SuggesterSystemPrompt = "You are a data analyst tasked with generating research hypotheses."

	HypothesisPrompt = "\nBased on the provided database structure, generate a meaningful hypothesis that could be investigated using this data.\n" +
		"Consider relationships between tables, potential patterns, or interesting questions that could be answered.\n" +
		"Focus on creating an analytical hypothesis that can be tested with SQL queries.\n" +
		"Please return only one statement hypothesis as short as possible.\n"
)

// ErrNoDataSources is returned when none of the requested ids resolve.
var ErrNoDataSources = errors.New("no valid datasources found")

// Suggestion is a hypothesis draft ready to be queued as a pending task.
type Suggestion struct {
	HypothesisMainIdea string    `json:"hypothesis_main_idea"`
	DatasourceIDs      []string  `json:"datasourceIds"`
	CreatedAt          time.Time `json:"created_at"`
	Status             string    `json:"status"`
}

// Suggester proposes a testable hypothesis from data source structure.
type Suggester struct {
	client  *llm.Client
	sources *datasource.Registry
	now     func() time.Time
}

// NewSuggester creates a suggester calling provider.
func NewSuggester(provider llm.Provider, sources *datasource.Registry) *Suggester {
	client, ok := provider.(*llm.Client)
	if !ok {
		client = llm.NewClient(provider)
	}
	return &Suggester{
		client:  client,
		sources: sources,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Suggest asks the provider for one hypothesis over the tables of the given
// data sources.
func (s *Suggester) Suggest(ctx context.Context, datasourceIDs []string) (Suggestion, error) {
	if len(datasourceIDs) == 0 {
		return Suggestion{}, errors.New("no datasource ids provided")
	}

	sources, err := s.sources.Resolve(ctx, datasourceIDs)
	if err != nil {
		return Suggestion{}, fmt.Errorf("failed to resolve data sources: %w", err)
	}
	if len(sources) == 0 {
		return Suggestion{}, ErrNoDataSources
	}

	content, err := s.client.Chat(ctx, []llm.ChatMessage{
		llm.SystemMessage(SuggesterSystemPrompt),
		llm.UserMessage(HypothesisPrompt + "\n\n" + structure(sources)),
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("failed to generate hypothesis: %w", err)
	}

	return Suggestion{
		HypothesisMainIdea: strings.TrimSpace(content),
		DatasourceIDs:      datasourceIDs,
		CreatedAt:          s.now(),
		Status:             "pending",
	}, nil
}

// structure lists each data source with its tables.
func structure(sources []datasource.DataSource) string {
	var b strings.Builder
	b.WriteString("Available datasources and their structure:\n")
	for _, ds := range sources {
		fmt.Fprintf(&b, "\nDatasource '%s':\n", ds.Name())
		fmt.Fprintf(&b, "Tables: %s\n", tables(ds.Meta()))
	}
	return b.String()
}

func tables(meta datasource.Meta) string {
	v, ok := meta.Get("tables")
	if !ok || v == nil {
		return "[]"
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
