package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/contextmgr"
	"github.com/loomlabs/loom/internal/expiry"
	"github.com/loomlabs/loom/internal/interaction"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/llm/anthropic"
	"github.com/loomlabs/loom/internal/llm/openai"
	"github.com/loomlabs/loom/internal/observability"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/toolexec"
	"github.com/loomlabs/loom/internal/tools"
	"github.com/loomlabs/loom/pkg/models"
)

// buildRunCmd creates the "run" command: load config, wire the runtime, run
// one interaction, and print the streamed events.
func buildRunCmd() *cobra.Command {
	var configPath string
	var threadID string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one agent interaction and stream its output",
		Long: `Run starts an agent run with the given prompt and streams the
response to stdout. When no prompt argument is given the prompt is read
from stdin. Pass --thread to continue an existing thread.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := resolvePrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, threadID, prompt, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default loom.yaml, or LOOM_CONFIG)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Continue an existing thread instead of creating one")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every event, not just text and errors")
	return cmd
}

func resolvePrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}
	data, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return prompt, nil
}

func runOnce(ctx context.Context, cfg *config.Config, threadID, prompt string, verbose bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "loom",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer shutdownTracer(context.Background())

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	mgr, err := interaction.New(interaction.Options{
		Config: interaction.Config{
			Mode: interaction.Mode(cfg.Mode),
			DefaultRunConfig: models.RunConfig{
				Model:                    cfg.Agent.Model,
				Temperature:              cfg.Agent.Temperature,
				MaxTokens:                cfg.Agent.MaxTokens,
				SystemPrompt:             cfg.Agent.SystemPrompt,
				MaxToolCallContinuations: cfg.Agent.MaxToolCallContinuations,
				ExecutionStrategy:        models.ExecutionStrategy(cfg.Agent.ExecutionStrategy),
			},
			Context: contextmgr.Config{
				TokenThreshold:      cfg.Context.TokenThreshold,
				SummaryTargetTokens: cfg.Context.SummaryTargetTokens,
				ReservedTokens:      cfg.Context.ReservedTokens,
				SummarizationModel:  cfg.Context.SummarizationModel,
				HistoryLimit:        cfg.Context.HistoryLimit,
			},
			Executor: toolexec.Config{
				Strategy:    models.ExecutionStrategy(cfg.Agent.ExecutionStrategy),
				Concurrency: cfg.Agent.ToolConcurrency,
				Timeout:     cfg.Agent.ToolTimeout,
			},
		},
		Client:          client,
		Threads:         store.Threads(),
		Messages:        store.Messages(),
		Runs:            store.Runs(),
		GenericProvider: tools.NewStaticProvider(),
		Orchestrator:    tools.NewStaticOrchestrator(nil),
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if err != nil {
		return err
	}

	if cfg.Expiry.Enabled {
		sweeper := expiry.NewSweeper(store.Runs(), logger)
		if err := sweeper.Start(ctx, cfg.Expiry.Schedule); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if cfg.CredentialsFile != "" {
		watcher, err := interaction.NewCredentialWatcher(cfg.CredentialsFile, mgr, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Close()
	}

	input := []models.Message{{Role: models.RoleUser, Content: prompt}}
	events, err := mgr.StartAgentRun(ctx, threadID, input, nil)
	if err != nil {
		return err
	}
	return printEvents(ctx, events, verbose)
}

// openStore builds the configured storage backend and returns it with a
// close function.
func openStore(cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

func buildClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
	default:
		return openai.New(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		}), nil
	}
}

// printEvents renders the run's event stream. Text deltas stream to stdout;
// a run pausing for external tool outputs dumps the pending calls so a later
// continuation can supply them.
func printEvents(ctx context.Context, events <-chan models.Event, verbose bool) error {
	var runErr error
	for ev := range events {
		switch ev.Type {
		case models.EventMessageDelta:
			if data, ok := ev.Data.(models.MessageDeltaData); ok && data.Text != "" {
				fmt.Print(data.Text)
			}
		case models.EventMessageCompleted:
			fmt.Println()
		case models.EventToolExecStarted:
			if data, ok := ev.Data.(models.ToolExecData); ok {
				fmt.Fprintf(os.Stderr, "[tool] %s running...\n", data.ToolName)
			}
		case models.EventRunRequiresAction:
			if data, ok := ev.Data.(models.RequiresActionData); ok {
				pending, _ := json.MarshalIndent(data.PendingToolCalls, "", "  ")
				fmt.Fprintf(os.Stderr, "\nRun %s paused awaiting tool outputs on thread %s:\n%s\n",
					ev.RunID, ev.ThreadID, pending)
			}
		case models.EventRunFailed:
			if data, ok := ev.Data.(models.RunFailedData); ok {
				runErr = fmt.Errorf("run failed: %s: %s", data.Code, data.Message)
			}
		default:
			if verbose {
				fmt.Fprintf(os.Stderr, "[event] %s\n", ev.Type)
			}
		}
	}
	if ctx.Err() != nil && runErr == nil {
		return ctx.Err()
	}
	return runErr
}
