package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/richinex/quarry/agent"
	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
	"github.com/richinex/quarry/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func answered(usedTools int) model.Result {
	result := model.Result{
		Answer:    model.QuestionAnswer{ChainOfThoughts: "counted", QuestionTitle: "Fires", Answer: "2"},
		UsedTools: []model.UsedTool{},
		UpdatedAt: time.Now().UTC(),
	}
	for i := 0; i < usedTools; i++ {
		result.UsedTools = append(result.UsedTools, model.UsedTool{
			Name: "execute_sql_query", Query: "SELECT 1", ToolCallID: "call_1", Content: "[]", Role: "tool",
		})
	}
	return result
}

func always(kind model.TaskKind) Categorizer {
	return CategorizerFunc(func(context.Context, string) (model.TaskKind, error) { return kind, nil })
}

func newMonitor(store task.Store, categorizer Categorizer) (*Monitor, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m := New(store, categorizer).WithLogger(quietLogger()).WithMetrics(metrics)
	return m, metrics
}

func submit(t *testing.T, store task.Store, tk task.Task) task.Task {
	t.Helper()
	created, err := store.Create(context.Background(), tk)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return created
}

func get(t *testing.T, store task.Store, id string) task.Task {
	t.Helper()
	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return got
}

func TestPollCategorizesAndCompletes(t *testing.T) {
	store := task.NewMemoryStore()
	created := submit(t, store, task.New("How many fires were there?", []string{"ds1"}))

	var gotQuery string
	var gotIDs []string
	m, metrics := newMonitor(store, always(model.KindGeneralQuestion))
	m.Handle(model.KindGeneralQuestion, ProcessorFunc(func(_ context.Context, query string, ids []string) (model.Result, error) {
		gotQuery, gotIDs = query, ids
		return answered(1), nil
	}))

	handled, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !handled {
		t.Fatal("expected a task to be handled")
	}

	if gotQuery != "How many fires were there?" || len(gotIDs) != 1 || gotIDs[0] != "ds1" {
		t.Errorf("processor got %q %v", gotQuery, gotIDs)
	}

	got := get(t, store, created.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.TaskType != string(model.KindGeneralQuestion) {
		t.Errorf("task_type = %q", got.TaskType)
	}
	if got.Result["answer"] != "2" {
		t.Errorf("result = %#v", got.Result)
	}
	if len(got.UsedTools) != 1 {
		t.Errorf("used tools = %d, want 1", len(got.UsedTools))
	}

	if n := testutil.ToFloat64(metrics.TasksClaimed); n != 1 {
		t.Errorf("claimed = %v, want 1", n)
	}
	if n := testutil.ToFloat64(metrics.TasksFinished.WithLabelValues("completed", "general_question")); n != 1 {
		t.Errorf("completed = %v, want 1", n)
	}
}

func TestPollWithoutPendingTasks(t *testing.T) {
	m, _ := newMonitor(task.NewMemoryStore(), always(model.KindHypothesis))

	handled, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if handled {
		t.Error("expected nothing to be handled")
	}
}

func TestPresetTypeSkipsCategorizer(t *testing.T) {
	store := task.NewMemoryStore()
	tk := task.New("CA burns most", nil)
	tk.TaskType = string(model.KindHypothesis)
	created := submit(t, store, tk)

	categorizer := CategorizerFunc(func(context.Context, string) (model.TaskKind, error) {
		t.Error("categorizer should not be called")
		return "", errors.New("unexpected")
	})
	m, _ := newMonitor(store, categorizer)
	m.Handle(model.KindHypothesis, ProcessorFunc(func(context.Context, string, []string) (model.Result, error) {
		return answered(1), nil
	}))

	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if got := get(t, store, created.ID); got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name        string
		taskType    string
		categorizer Categorizer
		processor   Processor
		wantError   string
	}{
		{
			name:      "unknown task type",
			taskType:  "forecast",
			processor: ProcessorFunc(func(context.Context, string, []string) (model.Result, error) { return answered(1), nil }),
			wantError: `unknown task type "forecast"`,
		},
		{
			name:      "kind without processor",
			taskType:  string(model.KindHypothesis),
			wantError: `unknown task type "hypothesis"`,
		},
		{
			name: "categorizer error",
			categorizer: CategorizerFunc(func(context.Context, string) (model.TaskKind, error) {
				return "", errors.New("provider unavailable")
			}),
			wantError: "provider unavailable",
		},
		{
			name:     "processor error",
			taskType: string(model.KindGeneralQuestion),
			processor: ProcessorFunc(func(context.Context, string, []string) (model.Result, error) {
				return model.Result{}, agent.ErrTooManyToolCalls
			}),
			wantError: agent.ErrTooManyToolCalls.Error(),
		},
		{
			name:     "processor panic",
			taskType: string(model.KindGeneralQuestion),
			processor: ProcessorFunc(func(context.Context, string, []string) (model.Result, error) {
				panic("boom")
			}),
			wantError: "panic while processing task: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := task.NewMemoryStore()
			tk := task.New("query", nil)
			tk.TaskType = tt.taskType
			created := submit(t, store, tk)

			m, metrics := newMonitor(store, tt.categorizer)
			if tt.processor != nil {
				m.Handle(model.KindGeneralQuestion, tt.processor)
			}

			handled, err := m.Poll(context.Background())
			if err != nil {
				t.Fatalf("Poll failed: %v", err)
			}
			if !handled {
				t.Fatal("expected a task to be handled")
			}

			got := get(t, store, created.ID)
			if got.Status != task.StatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if !strings.Contains(got.Error, tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", got.Error, tt.wantError)
			}

			var failed float64
			for _, label := range []string{"unknown", tt.taskType} {
				if label == "" {
					continue
				}
				failed += testutil.ToFloat64(metrics.TasksFinished.WithLabelValues("failed", label))
			}
			if failed != 1 {
				t.Errorf("failed = %v, want 1", failed)
			}
		})
	}
}

func TestCompletesWithoutToolUse(t *testing.T) {
	store := task.NewMemoryStore()
	created := submit(t, store, task.New("What is a fire?", nil))

	m, _ := newMonitor(store, always(model.KindGeneralQuestion))
	m.Handle(model.KindGeneralQuestion, ProcessorFunc(func(context.Context, string, []string) (model.Result, error) {
		return answered(0), nil
	}))

	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	got := get(t, store, created.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if len(got.UsedTools) != 0 {
		t.Errorf("used tools = %d, want 0", len(got.UsedTools))
	}
}

// flakyStore fails the first n claims.
type flakyStore struct {
	*task.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) ClaimNext(ctx context.Context, now time.Time) (task.Task, bool, error) {
	if s.failures.Add(-1) >= 0 {
		return task.Task{}, false, errors.New("connection reset")
	}
	return s.MemoryStore.ClaimNext(ctx, now)
}

func TestRunSurvivesPollErrors(t *testing.T) {
	store := &flakyStore{MemoryStore: task.NewMemoryStore()}
	store.failures.Store(2)
	created := submit(t, store, task.New("How many fires?", nil))

	done := make(chan struct{})
	var once sync.Once
	m, metrics := newMonitor(store, always(model.KindGeneralQuestion))
	m.WithInterval(5 * time.Millisecond)
	m.Handle(model.KindGeneralQuestion, ProcessorFunc(func(context.Context, string, []string) (model.Result, error) {
		once.Do(func() { close(done) })
		return answered(1), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- m.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was never processed")
	}
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if n := testutil.ToFloat64(metrics.PollErrors); n != 2 {
		t.Errorf("poll errors = %v, want 2", n)
	}
	if got := get(t, store, created.ID); got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestConcurrentMonitorsProcessEachTaskOnce(t *testing.T) {
	store := task.NewMemoryStore()
	const tasks = 20
	for i := 0; i < tasks; i++ {
		submit(t, store, task.New("query", nil))
	}

	var calls atomic.Int32
	processor := ProcessorFunc(func(context.Context, string, []string) (model.Result, error) {
		calls.Add(1)
		return answered(1), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		m, _ := newMonitor(store, always(model.KindGeneralQuestion))
		m.Handle(model.KindGeneralQuestion, processor)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				handled, err := m.Poll(context.Background())
				if err != nil {
					t.Errorf("Poll failed: %v", err)
					return
				}
				if !handled {
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != tasks {
		t.Errorf("processor calls = %d, want %d", n, tasks)
	}
}

func TestSweepFailsStaleTasks(t *testing.T) {
	store := task.NewMemoryStore()
	old := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

	stale := submit(t, store, task.New("stale", nil))
	if _, err := store.Claim(context.Background(), stale.ID, old); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	fresh := submit(t, store, task.New("fresh", nil))
	if _, err := store.Claim(context.Background(), fresh.ID, old.Add(9*time.Minute)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	pending := submit(t, store, task.New("pending", nil))

	metrics := NewMetrics(prometheus.NewRegistry())
	s := NewSweeper(store, 5*time.Minute).WithLogger(quietLogger()).WithMetrics(metrics)
	s.now = func() time.Time { return old.Add(10 * time.Minute) }

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}

	got := get(t, store, stale.ID)
	if got.Status != task.StatusFailed || !strings.HasPrefix(got.Error, "stale:") {
		t.Errorf("stale task = %s %q", got.Status, got.Error)
	}
	if got := get(t, store, fresh.ID); got.Status != task.StatusProcessing {
		t.Errorf("fresh task status = %s, want processing", got.Status)
	}
	if got := get(t, store, pending.ID); got.Status != task.StatusPending {
		t.Errorf("pending task status = %s, want pending", got.Status)
	}
	if v := testutil.ToFloat64(metrics.StaleTasks); v != 1 {
		t.Errorf("stale metric = %v, want 1", v)
	}
}

func TestSweeperStart(t *testing.T) {
	s := NewSweeper(task.NewMemoryStore(), time.Minute).WithLogger(quietLogger())

	if _, err := s.Start(context.Background(), "not a schedule"); err == nil {
		t.Error("expected invalid schedule to fail")
	}

	stop, err := s.Start(context.Background(), DefaultSweepSchedule)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stop()
}

func TestMetricsObservers(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveProvider("openai", "gpt-4o", time.Second, nil)
	metrics.ObserveProvider("openai", "gpt-4o", time.Second, errors.New("rate limited"))
	metrics.ObserveTool("execute_sql_query", 10*time.Millisecond, nil)

	if v := testutil.ToFloat64(metrics.ProviderCalls.WithLabelValues("openai", "gpt-4o", "error")); v != 1 {
		t.Errorf("provider errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("execute_sql_query", "success")); v != 1 {
		t.Errorf("tool successes = %v, want 1", v)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveTool("execute_sql_query", time.Millisecond, nil)
	nilMetrics.finished("completed", "", time.Second)
}

// scriptedProvider replays canned responses.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []llm.LLMResponse
	calls     int
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Complete(context.Context, llm.Request) (llm.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return llm.LLMResponse{}, errors.New("script exhausted")
	}
	p.calls++
	return p.responses[p.calls-1], nil
}

func TestPipelineWithAgentProcessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fires.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	for _, stmt := range []string{
		"CREATE TABLE fires (state TEXT, acres INTEGER)",
		"INSERT INTO fires VALUES ('CA', 100), ('OR', 40)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}
	db.Close()

	sources := datasource.NewMemoryStore()
	sources.Put(
		datasource.Record{ID: "ds1", Name: "fires", Kind: datasource.KindSQLite, Path: path},
		datasource.Meta{}.Set("tables", []string{"fires"}),
	)
	registry := datasource.NewRegistry(sources).WithLogger(quietLogger())

	args, _ := json.Marshal(map[string]string{"query": "SELECT COUNT(*) AS n FROM fires", "datasourceId": "ds1"})
	provider := &scriptedProvider{responses: []llm.LLMResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "execute_sql_query", Arguments: args}}},
		{Content: `{"chain_of_thoughts": "counted rows", "question_title": "Fire count", "answer": "2"}`},
	}}
	processor := agent.NewProcessor(
		agent.New(agent.DefaultConfig(model.KindGeneralQuestion), provider).WithLogger(quietLogger()),
		registry,
	)

	store := task.NewMemoryStore()
	created := submit(t, store, task.New("How many fires are recorded?", []string{"ds1"}))

	m, _ := newMonitor(store, always(model.KindGeneralQuestion))
	m.Handle(processor.Kind(), processor)
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	got := get(t, store, created.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", got.Status, got.Error)
	}
	if len(got.UsedTools) != 1 || got.UsedTools[0].Query != "SELECT COUNT(*) AS n FROM fires" {
		t.Errorf("used tools = %#v", got.UsedTools)
	}
	if !strings.Contains(got.UsedTools[0].Content, "2") {
		t.Errorf("tool content = %q", got.UsedTools[0].Content)
	}
	if got.Result["question_title"] != "Fire count" {
		t.Errorf("result = %#v", got.Result)
	}
}
