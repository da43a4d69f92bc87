package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/richinex/quarry/conversation"
	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const hypothesisAnswer = `{
  "hypothesis_name": "Large fires",
  "hypothesis_main_idea": "California has the largest fires",
  "research_summary": "CA burned 100 acres, OR 40.",
  "short_summary": "Supported by both rows.",
  "support_strength": "strong"
}`

const questionAnswer = `{"chain_of_thoughts": "counted rows", "question_title": "Fire count", "answer": "2"}`

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []llm.LLMResponse
	repeat    bool
	err       error
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (llm.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req.Messages = append([]llm.ChatMessage(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if p.err != nil {
		return llm.LLMResponse{}, p.err
	}

	i := len(p.requests) - 1
	if i >= len(p.responses) {
		if p.repeat && len(p.responses) > 0 {
			return p.responses[len(p.responses)-1], nil
		}
		return llm.LLMResponse{}, errors.New("script exhausted")
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func newFiresDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fires.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	for _, stmt := range []string{
		"CREATE TABLE fires (state TEXT, acres INTEGER)",
		"INSERT INTO fires VALUES ('CA', 100), ('OR', 40)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}
	return path
}

func firesRecord(t *testing.T) datasource.Record {
	return datasource.Record{ID: "ds1", Name: "fires", Kind: datasource.KindSQLite, Path: newFiresDB(t)}
}

func newFiresSource(t *testing.T) datasource.DataSource {
	t.Helper()
	ds, err := datasource.New(firesRecord(t))
	if err != nil {
		t.Fatalf("failed to create data source: %v", err)
	}
	ds.SetMeta(datasource.Meta{}.Set("tables", []string{"fires"}))
	return ds
}

func sqlCall(id, query, datasourceID string) llm.ToolCall {
	args, _ := json.Marshal(map[string]string{"query": query, "datasourceId": datasourceID})
	return llm.ToolCall{ID: id, Name: "execute_sql_query", Arguments: args}
}

func newHypothesisAgent(p llm.Provider) *Agent {
	return New(DefaultConfig(model.KindHypothesis), p)
}

func TestRunWithoutToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{{Content: hypothesisAnswer}}}
	sources := []datasource.DataSource{newFiresSource(t)}

	result, err := newHypothesisAgent(p).Run(context.Background(), "CA has the largest fires", sources)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if p.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls())
	}
	if result.UsedTools == nil || len(result.UsedTools) != 0 {
		t.Errorf("used tools = %#v, want empty", result.UsedTools)
	}
	if result.UpdatedAt.IsZero() {
		t.Error("timestamp not set")
	}
	review, ok := result.Answer.(model.HypothesisReview)
	if !ok {
		t.Fatalf("answer type = %T", result.Answer)
	}
	if review.SupportStrength != "strong" {
		t.Errorf("support strength = %q", review.SupportStrength)
	}

	req := p.request(0)
	if len(req.Messages) != 3 {
		t.Fatalf("opening transcript has %d messages", len(req.Messages))
	}
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != SystemPrompt {
		t.Errorf("first message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != llm.RoleUser || req.Messages[1].Content != "CA has the largest fires" {
		t.Errorf("second message = %+v", req.Messages[1])
	}
	if !strings.HasPrefix(req.Messages[2].Content, "You have the following datasources:\n<datasource_fires>") {
		t.Errorf("data source message = %q", req.Messages[2].Content)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "execute_sql_query" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.Format == nil || req.Format.JSONSchema.Name != HypothesisSchemaName {
		t.Errorf("format = %+v", req.Format)
	}
}

func TestRunWithoutDataSourcesSkipsListing(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{{Content: hypothesisAnswer}}}

	if _, err := newHypothesisAgent(p).Run(context.Background(), "anything", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := len(p.request(0).Messages); n != 2 {
		t.Errorf("opening transcript has %d messages, want 2", n)
	}
}

func TestRunExecutesToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{
		{ToolCalls: []llm.ToolCall{
			sqlCall("call_1", "SELECT state, acres FROM fires ORDER BY acres DESC", "ds1"),
			sqlCall("call_2", "SELEC * FROM fires", "ds1"),
		}},
		{Content: hypothesisAnswer},
	}}
	sources := []datasource.DataSource{newFiresSource(t)}

	result, err := newHypothesisAgent(p).Run(context.Background(), "CA has the largest fires", sources)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.calls())
	}

	msgs := p.request(1).Messages
	if len(msgs) != 6 {
		t.Fatalf("second transcript has %d messages, want 6", len(msgs))
	}
	if msgs[3].Role != llm.RoleAssistant || len(msgs[3].ToolCalls) != 2 {
		t.Errorf("assistant message = %+v", msgs[3])
	}
	if msgs[4].Role != llm.RoleTool || msgs[4].ToolCallID != "call_1" || !strings.Contains(msgs[4].Content, `"CA"`) {
		t.Errorf("first tool message = %+v", msgs[4])
	}
	if msgs[5].ToolCallID != "call_2" || !strings.HasPrefix(msgs[5].Content, "Error executing query: ") {
		t.Errorf("second tool message = %+v", msgs[5])
	}

	if len(result.UsedTools) != 2 {
		t.Fatalf("used tools = %+v", result.UsedTools)
	}
	first := result.UsedTools[0]
	if first.Name != "execute_sql_query" || first.ToolCallID != "call_1" || first.Role != "tool" {
		t.Errorf("first used tool = %+v", first)
	}
	if first.Query != "SELECT state, acres FROM fires ORDER BY acres DESC" {
		t.Errorf("first used tool query = %q", first.Query)
	}
	if result.UsedTools[1].Content != msgs[5].Content {
		t.Errorf("used tool content %q differs from tool message %q", result.UsedTools[1].Content, msgs[5].Content)
	}
}

func TestRunReportsUnknownDataSourceToProvider(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{
		{ToolCalls: []llm.ToolCall{sqlCall("call_1", "SELECT 1", "elsewhere")}},
		{Content: hypothesisAnswer},
	}}

	result, err := newHypothesisAgent(p).Run(context.Background(), "q", []datasource.DataSource{newFiresSource(t)})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	content := result.UsedTools[0].Content
	if !strings.HasPrefix(content, "Error executing query: ") || !strings.Contains(content, "unknown data source") {
		t.Errorf("tool content = %q", content)
	}
}

func TestRunReportsUnknownTool(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "ask_tavily", Arguments: json.RawMessage(`{"query":"fires"}`)}}},
		{Content: hypothesisAnswer},
	}}

	result, err := newHypothesisAgent(p).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := result.UsedTools[0].Content; got != `Error executing query: unknown tool "ask_tavily"` {
		t.Errorf("tool content = %q", got)
	}
}

func TestRunStopsAfterMaxIterations(t *testing.T) {
	tests := []struct {
		name          string
		maxIterations int
	}{
		{"default", 0},
		{"two", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{
				responses: []llm.LLMResponse{{ToolCalls: []llm.ToolCall{sqlCall("call", "SELECT 1", "ds1")}}},
				repeat:    true,
			}
			cfg := NewBuilder(model.KindHypothesis).MaxIterations(tt.maxIterations).Build()

			_, err := New(cfg, p).Run(context.Background(), "q", []datasource.DataSource{newFiresSource(t)})
			if !errors.Is(err, ErrTooManyToolCalls) {
				t.Fatalf("err = %v, want ErrTooManyToolCalls", err)
			}

			want := tt.maxIterations
			if want == 0 {
				want = DefaultMaxIterations
			}
			if p.calls() != want {
				t.Errorf("provider calls = %d, want %d", p.calls(), want)
			}
		})
	}
}

func TestRunMalformedResult(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "I think the hypothesis holds."},
		{"schema violation", strings.Replace(hypothesisAnswer, `"strong"`, `"maybe"`, 1)},
		{"missing field", `{"hypothesis_name": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{responses: []llm.LLMResponse{{Content: tt.content}}}

			_, err := newHypothesisAgent(p).Run(context.Background(), "q", nil)
			var malformed *MalformedResultError
			if !errors.As(err, &malformed) {
				t.Fatalf("err = %v, want MalformedResultError", err)
			}
			if malformed.Content != tt.content {
				t.Errorf("raw content = %q", malformed.Content)
			}
			if malformed.Kind != model.KindHypothesis {
				t.Errorf("kind = %q", malformed.Kind)
			}
		})
	}
}

func TestRunProviderError(t *testing.T) {
	p := &scriptedProvider{err: errors.New("503 overloaded")}

	_, err := newHypothesisAgent(p).Run(context.Background(), "q", nil)
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if pe.Provider != "scripted" || pe.Model != "test-model" {
		t.Errorf("provider error = %+v", pe)
	}
}

func TestRunQuestionKind(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{{Content: questionAnswer}}}

	result, err := New(DefaultConfig(model.KindGeneralQuestion), p).Run(context.Background(), "how many fires?", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	answer, ok := result.Answer.(model.QuestionAnswer)
	if !ok || answer.Answer != "2" {
		t.Fatalf("answer = %#v", result.Answer)
	}
	if p.request(0).Format.JSONSchema.Name != QuestionSchemaName {
		t.Errorf("format = %+v", p.request(0).Format.JSONSchema)
	}
}

func TestRunStreamingRecordsEvents(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProvider{responses: []llm.LLMResponse{
		{ToolCalls: []llm.ToolCall{sqlCall("call_1", "SELECT state FROM fires", "ds1")}},
		{Content: questionAnswer},
	}}
	conv, err := conversation.Open(ctx, conversation.NewMemoryStore(), "session-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	cfg := DefaultConfig(model.KindGeneralQuestion)
	if _, err := New(cfg, p).RunStreaming(ctx, "which states?", []datasource.DataSource{newFiresSource(t)}, conv); err != nil {
		t.Fatalf("RunStreaming failed: %v", err)
	}

	events := conv.Events()
	want := []conversation.EventType{
		conversation.EventSystem,
		conversation.EventUser,
		conversation.EventSystem,
		conversation.EventToolCall,
		conversation.EventToolResult,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Errorf("event %d type = %s, want %s", i, e.Type, want[i])
		}
	}
	if ids := events[1].DatasourceIDs; len(ids) != 1 || ids[0] != "ds1" {
		t.Errorf("user event data sources = %v", ids)
	}
	if events[3].Parameters["query"] != "SELECT state FROM fires" || events[3].Parameters["datasourceId"] != "ds1" {
		t.Errorf("tool call parameters = %v", events[3].Parameters)
	}
	if events[4].ToolCallID != "call_1" || !strings.Contains(events[4].Output, "OR") {
		t.Errorf("tool result = %+v", events[4])
	}
}

func TestRunStreamingRequiresSink(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{{Content: questionAnswer}}}

	if _, err := New(DefaultConfig(model.KindGeneralQuestion), p).RunStreaming(context.Background(), "q", nil, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
	if p.calls() != 0 {
		t.Errorf("provider called %d times", p.calls())
	}
}

func TestRunUnknownKind(t *testing.T) {
	p := &scriptedProvider{}

	_, err := New(DefaultConfig("forecast"), p).Run(context.Background(), "q", nil)
	if err == nil {
		t.Fatal("expected error for kind without schema")
	}
	if p.calls() != 0 {
		t.Errorf("provider called %d times", p.calls())
	}
}

func TestCallParameters(t *testing.T) {
	got := callParameters(json.RawMessage(`{"query": "SELECT 1", "limit": 5, "dry": true}`))
	if got["query"] != "SELECT 1" || got["limit"] != "5" || got["dry"] != "true" {
		t.Errorf("parameters = %v", got)
	}

	raw := callParameters(json.RawMessage(`not json`))
	if raw["arguments"] != "not json" {
		t.Errorf("parameters = %v", raw)
	}
}

func TestCategorize(t *testing.T) {
	reply := func(category string) string {
		return fmt.Sprintf(`{"query": "q", "category": %q}`, category)
	}

	tests := []struct {
		name    string
		p       *scriptedProvider
		want    model.TaskKind
		wantErr bool
	}{
		{"hypothesis", &scriptedProvider{responses: []llm.LLMResponse{{Content: reply("hypothesis")}}}, model.KindHypothesis, false},
		{"question", &scriptedProvider{responses: []llm.LLMResponse{{Content: reply("general_question")}}}, model.KindGeneralQuestion, false},
		{"out of enum", &scriptedProvider{responses: []llm.LLMResponse{{Content: reply("forecast")}}}, "", true},
		{"not json", &scriptedProvider{responses: []llm.LLMResponse{{Content: "hypothesis"}}}, "", true},
		{"provider error", &scriptedProvider{err: errors.New("timeout")}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewCategorizer(tt.p).Categorize(context.Background(), "Do large fires happen in CA?")
			if tt.wantErr {
				var ce *CategorizationError
				if !errors.As(err, &ce) {
					t.Fatalf("err = %v, want CategorizationError", err)
				}
				if tt.p.calls() != 1 {
					t.Errorf("provider calls = %d, want 1", tt.p.calls())
				}
				return
			}
			if err != nil {
				t.Fatalf("Categorize failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("kind = %q, want %q", got, tt.want)
			}

			req := tt.p.request(0)
			if len(req.Tools) != 0 {
				t.Errorf("categorizer sent tools: %+v", req.Tools)
			}
			if req.Format.JSONSchema.Name != CategorizationSchemaName || !req.Format.JSONSchema.Strict {
				t.Errorf("format = %+v", req.Format.JSONSchema)
			}
			if req.Messages[0].Content != CategorizerPrompt {
				t.Errorf("system prompt = %q", req.Messages[0].Content)
			}
		})
	}
}

func TestCategorizationSchemaEnum(t *testing.T) {
	var schema struct {
		Properties struct {
			Category struct {
				Enum []string `json:"enum"`
			} `json:"category"`
		} `json:"properties"`
		AdditionalProperties bool `json:"additionalProperties"`
	}
	if err := json.Unmarshal(CategorizationSchema, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if got := strings.Join(schema.Properties.Category.Enum, ","); got != "general_question,hypothesis" {
		t.Errorf("enum = %s", got)
	}
}

func TestFormatFor(t *testing.T) {
	for _, schema := range []json.RawMessage{HypothesisSchema, QuestionSchema} {
		if !json.Valid(schema) {
			t.Errorf("invalid schema: %s", schema)
		}
	}
	if _, err := FormatFor("forecast"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func newRegistry(t *testing.T) *datasource.Registry {
	store := datasource.NewMemoryStore()
	store.Put(firesRecord(t), datasource.Meta{}.Set("tables", []string{"fires"}))
	return datasource.NewRegistry(store)
}

func TestProcessorSkipsUnknownIDs(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{{Content: hypothesisAnswer}}}
	proc := NewProcessor(newHypothesisAgent(p), newRegistry(t))

	if proc.Kind() != model.KindHypothesis {
		t.Errorf("kind = %q", proc.Kind())
	}
	if _, err := proc.Process(context.Background(), "q", []string{"missing", "ds1"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	listing := p.request(0).Messages[2].Content
	if !strings.Contains(listing, "<datasourceId>ds1</datasourceId>") || strings.Contains(listing, "missing") {
		t.Errorf("listing = %q", listing)
	}
}

func TestSuggest(t *testing.T) {
	p := &scriptedProvider{responses: []llm.LLMResponse{{Content: "  Larger fires happen in CA.\n"}}}
	s := NewSuggester(p, newRegistry(t))

	got, err := s.Suggest(context.Background(), []string{"ds1"})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if got.HypothesisMainIdea != "Larger fires happen in CA." {
		t.Errorf("hypothesis = %q", got.HypothesisMainIdea)
	}
	if got.Status != "pending" || len(got.DatasourceIDs) != 1 || got.CreatedAt.IsZero() {
		t.Errorf("suggestion = %+v", got)
	}

	msgs := p.request(0).Messages
	if msgs[0].Content != SuggesterSystemPrompt {
		t.Errorf("system prompt = %q", msgs[0].Content)
	}
	user := msgs[1].Content
	if !strings.HasPrefix(user, HypothesisPrompt) {
		t.Errorf("user prompt does not start with the hypothesis prompt: %q", user)
	}
	if !strings.Contains(user, "\nDatasource 'fires':\nTables: [\"fires\"]\n") {
		t.Errorf("structure missing from %q", user)
	}
}

func TestSuggestWithoutDataSources(t *testing.T) {
	p := &scriptedProvider{}
	s := NewSuggester(p, newRegistry(t))

	if _, err := s.Suggest(context.Background(), nil); err == nil {
		t.Error("expected error for empty id list")
	}
	if _, err := s.Suggest(context.Background(), []string{"missing"}); !errors.Is(err, ErrNoDataSources) {
		t.Errorf("err = %v, want ErrNoDataSources", err)
	}
	if p.calls() != 0 {
		t.Errorf("provider called %d times", p.calls())
	}
}
