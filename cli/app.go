// Process wiring for CLI commands.
//
// Information Hiding:
// - Backend selection (mongo, sqlite, mysql) hidden
// - Provider construction and metrics observers hidden
// - Lazy connections and their shutdown order hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/richinex/quarry/agent"
	"github.com/richinex/quarry/config"
	"github.com/richinex/quarry/conversation"
	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/internal/logging"
	"github.com/richinex/quarry/internal/mongodb"
	"github.com/richinex/quarry/llm"
	"github.com/richinex/quarry/model"
	"github.com/richinex/quarry/monitor"
	"github.com/richinex/quarry/task"
	"github.com/richinex/quarry/tools"
)

// suggesterMaxTokens bounds a hypothesis suggestion.
const suggesterMaxTokens = 500

// Options holds CLI execution options.
type Options struct {
	Provider string
	MaxIter  int
	Verbose  bool
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{}
}

// App holds the settings and the lazily opened backends of one command.
type App struct {
	Settings config.Settings
	Log      *logrus.Logger
	Metrics  *monitor.Metrics

	registry *prometheus.Registry
	mongo    *mongodb.DB
	redis    *redis.Client
	closers  []func() error
}

// NewApp loads settings and builds the logger and metrics.
func NewApp(opts Options) (*App, error) {
	settings, err := config.New(opts.Provider)
	if err != nil {
		return nil, err
	}
	if opts.MaxIter > 0 {
		settings.Agent.MaxIterations = opts.MaxIter
	}
	if opts.Verbose {
		settings.Log.Level = "debug"
	}

	log, err := logging.New(os.Stderr, settings.Log.Level, settings.Log.Format)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &App{
		Settings: settings,
		Log:      log,
		Metrics:  monitor.NewMetrics(registry),
		registry: registry,
	}, nil
}

// Close releases every opened backend in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// ServeMetrics serves /metrics on MetricsAddr until ctx is done. It does
// nothing when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.Settings.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.Settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Log.WithField("addr", srv.Addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.WithError(err).Error("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// Provider builds a completion client for model, reporting to the metrics.
// An empty model uses the configured analyst model; zero maxTokens keeps the
// configured limit.
func (a *App) Provider(model string, maxTokens uint32) (llm.Provider, error) {
	cfg := a.Settings.LLM

	providerType, err := llm.ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}
	apiKey, err := config.APIKeyFor(cfg.Provider)
	if err != nil {
		return nil, err
	}

	if model == "" {
		model = cfg.Model
	}
	if maxTokens == 0 {
		maxTokens = cfg.MaxTokens
	}

	p, err := providerType.
		Model(model).
		MaxTokens(maxTokens).
		Temperature(float32(cfg.Temperature)).
		TopP(float32(cfg.TopP)).
		APIKey(apiKey)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(p).WithObserver(a.Metrics.ObserveProvider), nil
}

// Categorizer builds the categorizer on the configured categorizer model.
func (a *App) Categorizer() (*agent.Categorizer, error) {
	p, err := a.Provider(a.Settings.LLM.CategorizerModel, 0)
	if err != nil {
		return nil, err
	}
	return agent.NewCategorizer(p).WithLogger(a.Log), nil
}

// Suggester builds the hypothesis suggester.
func (a *App) Suggester(sources *datasource.Registry) (*agent.Suggester, error) {
	p, err := a.Provider("", suggesterMaxTokens)
	if err != nil {
		return nil, err
	}
	return agent.NewSuggester(p, sources), nil
}

// Processors builds one processor per task kind sharing a provider.
func (a *App) Processors(sources *datasource.Registry) (map[model.TaskKind]*agent.Processor, error) {
	p, err := a.Provider("", 0)
	if err != nil {
		return nil, err
	}

	executor := tools.NewExecutor(tools.ToolConfig{Timeout: a.Settings.Agent.ToolTimeout}).
		WithObserver(a.Metrics.ObserveTool)

	processors := make(map[model.TaskKind]*agent.Processor)
	for _, kind := range model.TaskKinds() {
		cfg := agent.NewBuilder(kind).MaxIterations(a.Settings.Agent.MaxIterations).Build()
		a.Log.WithFields(logrus.Fields{
			"agent":          cfg.Name,
			"max_iterations": cfg.MaxIterations,
		}).Debug("agent configured")

		ag := agent.New(cfg, p).WithExecutor(executor).WithLogger(a.Log)
		processors[kind] = agent.NewProcessor(ag, sources)
	}
	return processors, nil
}

// Mongo connects to MongoDB on first use.
func (a *App) Mongo(ctx context.Context) (*mongodb.DB, error) {
	if a.mongo != nil {
		return a.mongo, nil
	}
	db, err := mongodb.Connect(ctx, a.Settings.Store.MongoURI, a.Settings.Store.MongoDatabase)
	if err != nil {
		return nil, err
	}
	a.mongo = db
	a.onClose(func() error { return db.Close(context.Background()) })
	return db, nil
}

// TaskStore opens the task store of the configured backend.
func (a *App) TaskStore(ctx context.Context) (task.Store, error) {
	store := a.Settings.Store
	switch store.Backend {
	case config.BackendMongo:
		db, err := a.Mongo(ctx)
		if err != nil {
			return nil, err
		}
		return task.NewMongoStore(db), nil
	case config.BackendSQLite, config.BackendMySQL:
		s, err := task.OpenGorm(store.Backend, store.DSN)
		if err != nil {
			return nil, err
		}
		a.onClose(s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", store.Backend)
	}
}

// DataSources returns the registry of configured data sources: the YAML
// catalogue when one is set, else the MongoDB collections on the mongo
// backend.
func (a *App) DataSources(ctx context.Context) (*datasource.Registry, error) {
	store := a.Settings.Store
	if store.DataSourcesFile != "" {
		catalog, err := config.LoadCatalog(store.DataSourcesFile)
		if err != nil {
			return nil, err
		}
		return datasource.NewRegistry(catalog.Store()).WithLogger(a.Log), nil
	}

	if store.Backend == config.BackendMongo {
		db, err := a.Mongo(ctx)
		if err != nil {
			return nil, err
		}
		return datasource.NewRegistry(datasource.NewMongoStore(db)).WithLogger(a.Log), nil
	}

	a.Log.Warn("no data sources configured: set QUARRY_DATASOURCES or STORE_BACKEND=mongo")
	return datasource.NewRegistry(datasource.NewMemoryStore()).WithLogger(a.Log), nil
}

// ConversationStore opens the conversation log: MongoDB on the mongo backend,
// else the SQLite file at CONVERSATION_DB.
func (a *App) ConversationStore(ctx context.Context) (conversation.Store, error) {
	if a.Settings.Store.Backend == config.BackendMongo {
		db, err := a.Mongo(ctx)
		if err != nil {
			return nil, err
		}
		return conversation.NewMongoStore(db), nil
	}

	s, err := conversation.OpenSQLite(a.Settings.Store.ConversationDB)
	if err != nil {
		return nil, err
	}
	a.onClose(s.Close)
	return s, nil
}

// Notifier returns the Redis notifier, or nil when REDIS_URL is unset.
func (a *App) Notifier(ctx context.Context) (*conversation.RedisNotifier, error) {
	if a.Settings.Store.RedisURL == "" {
		return nil, nil
	}
	if a.redis == nil {
		opts, err := redis.ParseURL(a.Settings.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.redis = client
		a.onClose(client.Close)
	}
	return conversation.NewRedisNotifier(a.redis), nil
}
