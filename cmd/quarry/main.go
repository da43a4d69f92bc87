// Package main provides the quarry CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/richinex/quarry/cli"
)

var (
	// Global flags
	provider string
	maxIter  int
	verbose  bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Answer questions and review hypotheses against your data sources",
		Long: `quarry turns natural-language tasks into answers backed by queries.

Tasks are queued with "submit" and worked off by "monitor", which categorizes
each one (hypothesis or general_question) and lets an agent query the attached
data sources (sqlite, mysql, postgres, mongodb, clickhouse) before answering.

Configuration comes from the environment (.env is loaded if present).`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini); defaults to LLM_PROVIDER")
	rootCmd.PersistentFlags().IntVarP(&maxIter, "max-iter", "m", 0, "Maximum tool rounds per task; defaults to AGENT_MAX_ITERATIONS")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and tool call output")

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(rewindCmd())
	rootCmd.AddCommand(categorizeCmd())
	rootCmd.AddCommand(describeCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(suggestCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{
		Provider: provider,
		MaxIter:  maxIter,
		Verbose:  verbose,
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Work off pending tasks until interrupted",
		Long: `Poll the task store, claim one pending task at a time, categorize it when it
has no type and record the answer or the failure on the task.

Several monitors may share one store. Set TASK_STALE_AFTER to fail tasks left
in processing by a monitor that died, and METRICS_ADDR to serve /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Monitor(cmd.Context(), options())
		},
	}
}

func submitCmd() *cobra.Command {
	var datasourceIDs []string
	var taskType string

	cmd := &cobra.Command{
		Use:   "submit [query]",
		Short: "Queue a task for the monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Submit(cmd.Context(), args[0], datasourceIDs, taskType, options())
		},
	}

	cmd.Flags().StringSliceVarP(&datasourceIDs, "datasource", "d", nil, "Data source id (repeatable)")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "Task type (hypothesis, general_question); categorized when empty")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Status(cmd.Context(), args[0], options())
		},
	}
}

func askCmd() *cobra.Command {
	var datasourceIDs []string
	var kind string
	var conversationID string

	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a query now, recording each step in a conversation",
		Long: `Run the agent directly instead of queueing a task. Every system prompt, tool
call and tool result is appended to the conversation log as it happens; with
REDIS_URL set, "quarry watch" can follow it from another terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Ask(cmd.Context(), args[0], datasourceIDs, kind, conversationID, options())
		},
	}

	cmd.Flags().StringSliceVarP(&datasourceIDs, "datasource", "d", nil, "Data source id (repeatable)")
	cmd.Flags().StringVarP(&kind, "type", "t", "", "Task type (hypothesis, general_question); categorized when empty")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to append to (new when empty)")

	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Follow the events of a running conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Watch(cmd.Context(), args[0], options())
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print the stored events of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.History(cmd.Context(), args[0], options())
		},
	}
}

func rewindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewind [conversation-id] [event-id] [key] [value]",
		Short: "Edit a tool call parameter and drop every later event",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Rewind(cmd.Context(), args[0], args[1], args[2], args[3], options())
		},
	}
}

func categorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categorize [query]",
		Short: "Print the task type chosen for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Categorize(cmd.Context(), args[0], options())
		},
	}
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe [datasource-id...]",
		Short: "Print data sources as the agent sees them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Describe(cmd.Context(), args, options())
		},
	}
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query [datasource-id] [query]",
		Short: "Run a query against one data source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Query(cmd.Context(), args[0], args[1], options())
		},
	}
}

func suggestCmd() *cobra.Command {
	var submit bool

	cmd := &cobra.Command{
		Use:   "suggest [datasource-id...]",
		Short: "Propose a testable hypothesis from data source structure",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Suggest(cmd.Context(), args, submit, options())
		},
	}

	cmd.Flags().BoolVar(&submit, "submit", false, "Queue the hypothesis as a pending task")

	return cmd
}
