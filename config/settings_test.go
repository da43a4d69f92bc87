package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/richinex/quarry/datasource"
)

func TestNewValidProvider(t *testing.T) {
	settings, err := New("openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", settings.LLM.Provider)
	}
}

func TestNewDefaults(t *testing.T) {
	for _, key := range []string{
		"LLM_PROVIDER", "OPENAI_MODEL", "CATEGORIZER_MODEL", "LLM_MAX_TOKENS", "LLM_TEMPERATURE",
		"AGENT_MAX_ITERATIONS", "MONITOR_SLEEP_TIME", "TASK_STALE_AFTER", "STORE_BACKEND",
	} {
		t.Setenv(key, "")
	}

	settings, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != "openai" {
		t.Errorf("provider = %q, want openai", settings.LLM.Provider)
	}
	if settings.LLM.Model != "gpt-4o" || settings.LLM.CategorizerModel != "gpt-4o-mini" {
		t.Errorf("models = %q/%q", settings.LLM.Model, settings.LLM.CategorizerModel)
	}
	if settings.LLM.MaxTokens != 2048 || settings.LLM.Temperature != 1 || settings.LLM.TopP != 1 {
		t.Errorf("sampling = %+v", settings.LLM)
	}
	if settings.Agent.MaxIterations != 5 {
		t.Errorf("max iterations = %d, want 5", settings.Agent.MaxIterations)
	}
	if settings.Monitor.SleepTime != time.Second {
		t.Errorf("sleep time = %v, want 1s", settings.Monitor.SleepTime)
	}
	if settings.Monitor.StaleAfter != 0 {
		t.Errorf("stale after = %v, want disabled", settings.Monitor.StaleAfter)
	}
	if settings.Store.Backend != BackendSQLite || settings.Store.MongoDatabase != "research_db" {
		t.Errorf("store = %+v", settings.Store)
	}
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "claude")
	t.Setenv("MONITOR_SLEEP_TIME", "0.5")
	t.Setenv("TASK_STALE_AFTER", "10m")
	t.Setenv("STORE_BACKEND", "Mongo")

	settings, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", settings.LLM.Provider)
	}
	if settings.Monitor.SleepTime != 500*time.Millisecond {
		t.Errorf("sleep time = %v, want 500ms", settings.Monitor.SleepTime)
	}
	if settings.Monitor.StaleAfter != 10*time.Minute {
		t.Errorf("stale after = %v, want 10m", settings.Monitor.StaleAfter)
	}
	if settings.Store.Backend != BackendMongo {
		t.Errorf("backend = %q, want mongo", settings.Store.Backend)
	}
}

func TestNewWithAlias(t *testing.T) {
	settings, err := New("claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != "anthropic" {
		t.Errorf("expected provider 'anthropic' (normalized from 'claude'), got %q", settings.LLM.Provider)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("unknown_provider")
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"LLM_MAX_TOKENS", "not-a-number"},
		{"LLM_TOP_P", "high"},
		{"AGENT_MAX_ITERATIONS", "0"},
		{"MONITOR_SLEEP_TIME", "soon"},
		{"STORE_BACKEND", "postgres"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := New("openai")
			if err == nil {
				t.Fatalf("expected error for invalid %s", tt.key)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestAPIKeyForValidProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	key, err := APIKeyFor("openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "test-key" {
		t.Errorf("expected 'test-key', got %q", key)
	}
}

func TestAPIKeyForMissing(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := APIKeyFor("openai")
	if err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestAPIKeyForUnknownProvider(t *testing.T) {
	_, err := APIKeyFor("unknown")
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestModelFor(t *testing.T) {
	t.Setenv("GEMINI_MODEL", "gemini-2.5-flash")

	model, err := ModelFor("google")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "gemini-2.5-flash" {
		t.Errorf("model = %q, want gemini-2.5-flash", model)
	}
}

func TestMustNewPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for unknown provider")
		}
	}()
	MustNew("unknown_provider")
}

func TestSupportedProviders(t *testing.T) {
	providers := SupportedProviders()
	want := []string{"anthropic", "deepseek", "gemini", "openai"}
	if strings.Join(providers, ",") != strings.Join(want, ",") {
		t.Errorf("providers = %v, want %v", providers, want)
	}
}

const catalogYAML = `
datasources:
  - id: fires
    type: SQLite
    path: data/fires.db
    meta:
      tables: [fires]
      notes: acres are integers
      columns:
        fires: [state, acres]
  - id: sales
    name: Sales warehouse
    type: postgres
    host: localhost
    port: "5432"
    username: analyst
    database: sales
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}
	if len(c.DataSources) != 2 {
		t.Fatalf("data sources = %d, want 2", len(c.DataSources))
	}

	fires := c.DataSources[0]
	if fires.Kind != datasource.KindSQLite || fires.Name != "fires" || fires.Position != 1 {
		t.Errorf("fires = %+v", fires.Record)
	}
	if keys := strings.Join(fires.Meta.Keys(), ","); keys != "tables,notes,columns" {
		t.Errorf("meta keys = %s, want file order", keys)
	}
	if v, _ := fires.Meta.Get("notes"); v != "acres are integers" {
		t.Errorf("notes = %v", v)
	}

	sales := c.DataSources[1]
	if sales.Name != "Sales warehouse" || sales.Port != "5432" || sales.Position != 2 {
		t.Errorf("sales = %+v", sales.Record)
	}
	if sales.Meta != nil {
		t.Errorf("sales meta = %v, want none", sales.Meta)
	}

	store := c.Store()
	if len(store.Records()) != 2 {
		t.Errorf("store records = %d, want 2", len(store.Records()))
	}
}

func TestParseCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing id",
			yaml: "datasources:\n  - type: sqlite\n    path: a.db\n",
			want: "datasources[0].id is required",
		},
		{
			name: "duplicate id",
			yaml: "datasources:\n  - {id: a, type: sqlite, path: a.db}\n  - {id: a, type: sqlite, path: b.db}\n",
			want: `datasources[1].id "a" is duplicated`,
		},
		{
			name: "unsupported kind",
			yaml: "datasources:\n  - {id: a, type: oracle}\n",
			want: "unsupported backend",
		},
		{
			name: "missing connection fields",
			yaml: "datasources:\n  - {id: a, type: mysql, host: db}\n",
			want: "datasources[0]",
		},
		{
			name: "meta is not a mapping",
			yaml: "datasources:\n  - {id: a, type: sqlite, path: a.db, meta: [x]}\n",
			want: "expected a mapping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasources.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadCatalog(path); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
