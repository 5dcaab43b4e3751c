// Command agentrund is a thin example CLI wiring the agent core end to
// end: it loads configuration, constructs stores and a dispatcher, and
// drives a single query through one configured agent, or starts the
// background manager with every configured agent on a fixed 60-second
// interval.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brightloop/agentcore/internal/agent"
	"github.com/brightloop/agentcore/internal/background"
	"github.com/brightloop/agentcore/internal/config"
	"github.com/brightloop/agentcore/internal/dispatch"
	"github.com/brightloop/agentcore/internal/eventstore"
	"github.com/brightloop/agentcore/internal/observability"
	"github.com/brightloop/agentcore/internal/parser"
	"github.com/brightloop/agentcore/internal/react"
	"github.com/brightloop/agentcore/internal/store"
	"github.com/brightloop/agentcore/internal/toolreg"
	"github.com/brightloop/agentcore/internal/usage"
	"github.com/brightloop/agentcore/pkg/models"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "agentrund",
		Short: "Example CLI driving the agent core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "agentcore.yaml", "path to the YAML configuration file")

	root.AddCommand(buildRunCmd(&configPath), buildServeCmd(&configPath))
	return root
}

func buildRunCmd(configPath *string) *cobra.Command {
	var agentName, query, sessionID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single query against one configured agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{})
			metrics := observability.NewMetrics()

			a, _, err := buildAgent(cmd.Context(), cfg, agentName, logger, metrics)
			if err != nil {
				return err
			}
			out, err := a.Run(cmd.Context(), sessionID, query)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "agent_name from the config file to run")
	cmd.Flags().StringVar(&query, "query", "", "query text")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated if omitted)")
	return cmd
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the background agent manager, running every configured agent every 60s",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{})
			metrics := observability.NewMetrics()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			events, err := eventstore.NewFromURL(ctx, cfg.Backend.EventStoreKind, cfg.Backend.RedisURL, logger)
			if err != nil {
				return err
			}
			var manager *background.Manager

			for _, agentCfg := range cfg.Agents {
				a, messages, err := buildAgent(ctx, cfg, agentCfg.Name, logger, metrics)
				if err != nil {
					return fmt.Errorf("agent %s: %w", agentCfg.Name, err)
				}
				if manager == nil {
					manager = background.New(
						background.WithWorkerPoolSize(cfg.Manager.WorkerPoolSize),
						background.WithEventStore(events),
						background.WithLogger(logger),
						background.WithSessionStore(messages, 0, 0),
						background.WithMetrics(metrics),
					)
				}
				agentID, _, err := manager.Create(background.Config{
					AgentName:  agentCfg.Name,
					Runner:     a,
					Schedule:   background.Schedule{IntervalSeconds: 60},
					Query:      "scheduled check-in",
					MaxRetries: 3,
					RetryDelay: 5 * time.Second,
				})
				if err != nil {
					return err
				}
				if err := manager.Start(agentID); err != nil {
					return err
				}
			}

			<-ctx.Done()
			if manager != nil {
				manager.Shutdown(time.Duration(cfg.Manager.ShutdownGraceSecs) * time.Second)
			}
			return nil
		},
	}
}

// buildAgent wires one configured agent's Store, Event Store, Tool
// Registry, Dispatcher, and ReAct Engine. The LLM adapter is out of scope
// (§1); this example wires a stub that always answers immediately so the
// CLI is runnable without external credentials.
func buildAgent(ctx context.Context, cfg *config.Config, agentName string, logger *slog.Logger, metrics *observability.Metrics) (*agent.Agent, store.Store, error) {
	var agentCfg *config.AgentConfig
	for i := range cfg.Agents {
		if cfg.Agents[i].Name == agentName {
			agentCfg = &cfg.Agents[i]
			break
		}
	}
	if agentCfg == nil {
		return nil, nil, fmt.Errorf("no agent named %q in config", agentName)
	}

	messages, err := store.NewFromURL(ctx, cfg.Backend.MessageStoreURL)
	if err != nil {
		return nil, nil, err
	}
	events, err := eventstore.NewFromURL(ctx, cfg.Backend.EventStoreKind, cfg.Backend.RedisURL, logger)
	if err != nil {
		return nil, nil, err
	}

	registry := toolreg.New()
	d := dispatch.New(registry)

	parse := parser.ParseFunc(parser.Parse)
	if agentCfg.ParserVariant == "xml" {
		parse = parser.ParseXML
	}

	engine := react.New(react.NewRetryingAdapter(stubLLM{}), d, messages, events, react.ParseFunc(parse), react.Config{
		MaxSteps:            agentCfg.MaxSteps,
		ToolCallTimeout:     agentCfg.ToolCallTimeoutDuration(),
		Limits:              usage.Limits{RequestLimit: agentCfg.RequestLimit, TotalTokensLimit: agentCfg.TotalTokensLimit},
		LoopWindowSize:      agentCfg.LoopWindowSize,
		LoopRepeatThreshold: agentCfg.LoopRepeatThresh,
	}, react.WithMetrics(metrics))

	return agent.New(agent.Config{Name: agentCfg.Name, Model: agentCfg.Model, Instruction: agentCfg.Instruction}, engine, registry.List()), messages, nil
}

// stubLLM lets the example CLI run end to end without a real provider
// wired up; production use replaces this with an adapter over §6's
// LLMAdapter contract.
type stubLLM struct{}

func (stubLLM) Complete(ctx context.Context, messages []react.LLMMessage, tools []models.ToolDescriptor) (react.LLMResponse, error) {
	return react.LLMResponse{Content: "Final Answer: agentrund example stub has no LLM configured."}, nil
}
