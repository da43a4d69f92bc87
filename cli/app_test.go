package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/richinex/quarry/model"
	"github.com/richinex/quarry/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("STORE_DSN", filepath.Join(dir, "tasks.db"))
	t.Setenv("CONVERSATION_DB", filepath.Join(dir, "conversations.db"))
	t.Setenv("QUARRY_DATASOURCES", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func TestNewAppOverrides(t *testing.T) {
	testEnv(t)

	app, err := NewApp(Options{MaxIter: 3, Verbose: true})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	if app.Settings.Agent.MaxIterations != 3 {
		t.Errorf("max iterations = %d, want 3", app.Settings.Agent.MaxIterations)
	}
	if app.Settings.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", app.Settings.Log.Level)
	}
}

func TestProviderRequiresAPIKey(t *testing.T) {
	testEnv(t)
	t.Setenv("OPENAI_API_KEY", "")

	app, err := NewApp(DefaultOptions())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	if _, err := app.Provider("", 0); err == nil {
		t.Error("expected error without API key")
	}
}

func TestProcessorsCoverEveryKind(t *testing.T) {
	testEnv(t)

	app, err := NewApp(DefaultOptions())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	sources, err := app.DataSources(context.Background())
	if err != nil {
		t.Fatalf("DataSources failed: %v", err)
	}
	processors, err := app.Processors(sources)
	if err != nil {
		t.Fatalf("Processors failed: %v", err)
	}
	for _, kind := range model.TaskKinds() {
		p, ok := processors[kind]
		if !ok {
			t.Errorf("no processor for %s", kind)
			continue
		}
		if p.Kind() != kind {
			t.Errorf("processor kind = %s, want %s", p.Kind(), kind)
		}
	}
}

func TestTaskStoreSQLite(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	app, err := NewApp(DefaultOptions())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	store, err := app.TaskStore(ctx)
	if err != nil {
		t.Fatalf("TaskStore failed: %v", err)
	}
	created, err := store.Create(ctx, task.New("How many fires?", []string{"fires"}))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	app, err = NewApp(DefaultOptions())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	store, err = app.TaskStore(ctx)
	if err != nil {
		t.Fatalf("TaskStore failed: %v", err)
	}
	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusPending || got.Query != "How many fires?" {
		t.Errorf("task = %+v", got)
	}
}

func TestDataSourcesFromCatalog(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "datasources.yaml")
	catalog := "datasources:\n  - id: fires\n    type: sqlite\n    path: " + filepath.Join(dir, "fires.db") + "\n    meta:\n      tables: [fires]\n"
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	t.Setenv("QUARRY_DATASOURCES", path)

	app, err := NewApp(DefaultOptions())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	registry, err := app.DataSources(context.Background())
	if err != nil {
		t.Fatalf("DataSources failed: %v", err)
	}
	sources, err := registry.Resolve(context.Background(), []string{"fires", "missing"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(sources) != 1 || sources[0].ID() != "fires" {
		t.Fatalf("sources = %v", sources)
	}
	if _, ok := sources[0].Meta().Get("tables"); !ok {
		t.Error("expected tables meta")
	}
}

func TestConversationStoreAndNotifier(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	app, err := NewApp(DefaultOptions())
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Close()

	conv, err := openConversation(ctx, app, "")
	if err != nil {
		t.Fatalf("openConversation failed: %v", err)
	}
	if conv.ID() == "" {
		t.Error("expected a generated conversation id")
	}
	if _, err := conv.AddUserMessage(ctx, "How many fires?", []string{"fires"}); err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if e, ok := conv.LastUserEvent(); !ok || e.Content != "How many fires?" {
		t.Errorf("last user event = %+v, %v", e, ok)
	}

	notifier, err := app.Notifier(ctx)
	if err != nil || notifier != nil {
		t.Errorf("notifier = %v, %v; want none without REDIS_URL", notifier, err)
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("a\nb", 10); got != "a b" {
		t.Errorf("got %q", got)
	}
	if got := truncateString("abcdefghij", 6); got != "abc..." {
		t.Errorf("got %q", got)
	}
}
