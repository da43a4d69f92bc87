// Command execution for CLI commands.
//
// Information Hiding:
// - Command dispatch logic hidden
// - Monitor and agent setup hidden
// - Output formatting hidden

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/richinex/quarry/conversation"
	"github.com/richinex/quarry/datasource"
	"github.com/richinex/quarry/model"
	"github.com/richinex/quarry/monitor"
	"github.com/richinex/quarry/task"
)

// Monitor runs the task monitor until ctx is done.
func Monitor(ctx context.Context, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	store, err := app.TaskStore(ctx)
	if err != nil {
		return err
	}
	sources, err := app.DataSources(ctx)
	if err != nil {
		return err
	}
	categorizer, err := app.Categorizer()
	if err != nil {
		return err
	}
	processors, err := app.Processors(sources)
	if err != nil {
		return err
	}

	m := monitor.New(store, categorizer).
		WithInterval(app.Settings.Monitor.SleepTime).
		WithMetrics(app.Metrics).
		WithLogger(app.Log)
	for kind, p := range processors {
		m.Handle(kind, p)
	}

	if staleAfter := app.Settings.Monitor.StaleAfter; staleAfter > 0 {
		sweeper := monitor.NewSweeper(store, staleAfter).WithMetrics(app.Metrics).WithLogger(app.Log)
		stop, err := sweeper.Start(ctx, app.Settings.Monitor.SweepSchedule)
		if err != nil {
			return err
		}
		defer stop()
		app.Log.WithFields(logrus.Fields{
			"stale_after": staleAfter,
			"schedule":    app.Settings.Monitor.SweepSchedule,
		}).Info("stale sweep enabled")
	}

	app.ServeMetrics(ctx)

	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Submit queues a pending task and prints its id. An empty taskType leaves
// the choice to the categorizer.
func Submit(ctx context.Context, query string, datasourceIDs []string, taskType string, opts Options) error {
	if strings.TrimSpace(query) == "" {
		return errors.New("query is required")
	}
	if taskType != "" {
		if _, err := model.ParseTaskKind(taskType); err != nil {
			return err
		}
	}

	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	store, err := app.TaskStore(ctx)
	if err != nil {
		return err
	}

	t := task.New(query, datasourceIDs)
	t.TaskType = taskType
	created, err := store.Create(ctx, t)
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

// Status prints a task.
func Status(ctx context.Context, id string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	store, err := app.TaskStore(ctx)
	if err != nil {
		return err
	}
	t, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	return printJSON(t)
}

// Ask answers query directly, recording every step in a conversation. An
// empty kind is categorized first; an empty conversationID starts a new one.
func Ask(ctx context.Context, query string, datasourceIDs []string, kind, conversationID string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	taskKind, err := resolveKind(ctx, app, query, kind)
	if err != nil {
		return err
	}

	sources, err := app.DataSources(ctx)
	if err != nil {
		return err
	}
	processors, err := app.Processors(sources)
	if err != nil {
		return err
	}

	conv, err := openConversation(ctx, app, conversationID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "conversation: %s (%s)\n", conv.ID(), taskKind)

	result, err := processors[taskKind].Stream(ctx, query, datasourceIDs, conv)
	if err != nil {
		return err
	}

	if opts.Verbose {
		printUsedTools(result.UsedTools)
	}
	return printJSON(result.Fields())
}

// Watch prints the events of a conversation as they are committed by
// another process.
func Watch(ctx context.Context, conversationID string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	notifier, err := app.Notifier(ctx)
	if err != nil {
		return err
	}
	if notifier == nil {
		return errors.New("REDIS_URL is required to watch a conversation")
	}

	err = notifier.Follow(ctx, conversationID, func(e conversation.Event) error {
		return printLine(e)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// History prints the stored events of a conversation.
func History(ctx context.Context, conversationID string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	store, err := app.ConversationStore(ctx)
	if err != nil {
		return err
	}
	rec, err := store.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, e := range rec.Events {
		if err := printLine(e); err != nil {
			return err
		}
	}
	return nil
}

// Rewind sets a parameter of a tool_call event and drops every later event.
func Rewind(ctx context.Context, conversationID, eventID, key, value string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	store, err := app.ConversationStore(ctx)
	if err != nil {
		return err
	}
	if _, err := store.Load(ctx, conversationID); err != nil {
		return err
	}
	conv, err := conversation.Open(ctx, store, conversationID)
	if err != nil {
		return err
	}
	if err := conv.Rewind(ctx, eventID, key, value); err != nil {
		return err
	}
	fmt.Printf("conversation %s rewound to %s (%d events)\n", conversationID, eventID, len(conv.Events()))
	return nil
}

// Categorize prints the task kind chosen for query.
func Categorize(ctx context.Context, query string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	categorizer, err := app.Categorizer()
	if err != nil {
		return err
	}
	kind, err := categorizer.Categorize(ctx, query)
	if err != nil {
		return err
	}
	fmt.Println(kind)
	return nil
}

// Describe prints the prompt description of each data source.
func Describe(ctx context.Context, datasourceIDs []string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	sources, err := resolve(ctx, app, datasourceIDs)
	if err != nil {
		return err
	}
	for _, ds := range sources {
		fmt.Println(datasource.Describe(ds))
	}
	return nil
}

// Query runs query against one data source and prints the rows.
func Query(ctx context.Context, datasourceID, query string, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	sources, err := resolve(ctx, app, []string{datasourceID})
	if err != nil {
		return err
	}
	rows, err := sources[0].Execute(ctx, query)
	if err != nil {
		return err
	}
	return printJSON(rows)
}

// Suggest proposes a hypothesis over the data sources. With submit it is
// queued as a pending hypothesis task.
func Suggest(ctx context.Context, datasourceIDs []string, submit bool, opts Options) error {
	app, err := NewApp(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	sources, err := app.DataSources(ctx)
	if err != nil {
		return err
	}
	suggester, err := app.Suggester(sources)
	if err != nil {
		return err
	}
	suggestion, err := suggester.Suggest(ctx, datasourceIDs)
	if err != nil {
		return err
	}

	if !submit {
		return printJSON(suggestion)
	}

	store, err := app.TaskStore(ctx)
	if err != nil {
		return err
	}
	t := task.New(suggestion.HypothesisMainIdea, suggestion.DatasourceIDs)
	t.TaskType = string(model.KindHypothesis)
	t.CreatedAt = suggestion.CreatedAt
	created, err := store.Create(ctx, t)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", created.ID, created.Query)
	return nil
}

func resolveKind(ctx context.Context, app *App, query, kind string) (model.TaskKind, error) {
	if kind != "" {
		return model.ParseTaskKind(kind)
	}
	categorizer, err := app.Categorizer()
	if err != nil {
		return "", err
	}
	return categorizer.Categorize(ctx, query)
}

func resolve(ctx context.Context, app *App, ids []string) ([]datasource.DataSource, error) {
	registry, err := app.DataSources(ctx)
	if err != nil {
		return nil, err
	}
	sources, err := registry.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", datasource.ErrNotFound, strings.Join(ids, ", "))
	}
	return sources, nil
}

func openConversation(ctx context.Context, app *App, id string) (*conversation.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	store, err := app.ConversationStore(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := conversation.Open(ctx, store, id)
	if err != nil {
		return nil, err
	}
	conv.WithLogger(app.Log)

	notifier, err := app.Notifier(ctx)
	if err != nil {
		app.Log.WithError(err).Warn("conversation events will not be published")
	} else if notifier != nil {
		conv.WithNotifier(notifier)
	}
	return conv, nil
}

func printUsedTools(used []model.UsedTool) {
	for i, u := range used {
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, u.Name, truncateString(u.Query, 120))
		fmt.Fprintf(os.Stderr, "     -> %s\n", truncateString(u.Content, 200))
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
