package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/compose"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/gateway"
	"github.com/loomhq/loom/internal/hooks"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/retry"
	"github.com/loomhq/loom/internal/runs"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/subagent"
	"github.com/loomhq/loom/internal/sweep"
	"github.com/loomhq/loom/internal/tokens"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/usage"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the loom server: the SQLite event store, the session manager,
the provider adapters, and the WebSocket/HTTP gateway.`,
		Example: `  # Start with defaults (loom.db, 127.0.0.1:8765)
  loom serve

  # Start with a config file
  loom serve --config loom.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// turnActivity defers to the session manager once it exists. The subagent
// coordinator and the manager reference each other, so the coordinator gets
// this indirection and the manager gets the coordinator directly.
type turnActivity struct {
	mgr *session.Manager
}

func (a *turnActivity) TurnActive(sessionID string) bool {
	if a.mgr == nil {
		return false
	}
	return a.mgr.TurnActive(sessionID)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	st, err := store.Open(ctx, cfg.Store.Path, store.Options{
		BlobThreshold: cfg.Store.BlobThreshold,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info(ctx, "store opened", "path", cfg.Store.Path)

	b := bus.New(st, bus.Options{
		OnDrop: func() { metrics.BusDroppedEnvelopes.Inc() },
	})

	router, err := buildProviders(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, tools.DispatcherConfig{
		MaxConcurrency: cfg.Agent.ToolConcurrency,
		Timeout:        cfg.Agent.ToolTimeout,
		MaxRetries:     cfg.Agent.ToolRetries,
		RetryBackoff:   cfg.Agent.ToolRetryBackoff,
	}, logger, metrics)

	denials, err := tools.NewDenialConfig(cfg.Tools)
	if err != nil {
		return fmt.Errorf("tool policy: %w", err)
	}

	composer := compose.New(compose.Options{
		PruneTTL:       cfg.Compose.PruneTTL,
		PruneKeepTurns: cfg.Compose.PruneKeepTurns,
		PruneThreshold: cfg.Compose.PruneThreshold,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Composer:   composer,
		Providers:  router,
		Dispatcher: dispatcher,
		Accountant: tokens.NewAccountant(),
		Bus:        b,
		Hooks:      hooks.NewRunner(st, b, logger),
		Pricing:    usage.NewTable(),
		Logger:     logger,
		Metrics:    metrics,
	}, orchestrator.Config{
		DefaultModel:         cfg.Agent.DefaultModel,
		MaxTurns:             cfg.Agent.MaxTurns,
		MaxValidationRetries: cfg.Agent.MaxValidationRetries,
		MaxTokens:            cfg.Agent.MaxTokens,
		MaxContextTokens:     cfg.Compose.MaxContextTokens,
		CompactionThreshold:  cfg.Compose.CompactionThreshold,
		PreserveRecent:       cfg.Compose.PreserveRecent,
	})

	activity := &turnActivity{}
	coordinator := subagent.New(st, orch, b, logger, subagent.Options{
		WaitTimeout: cfg.Sessions.SubagentTimeout,
		Activity:    activity,
	})
	defer coordinator.Close()
	for _, tool := range coordinator.Tools() {
		registry.Register(tool)
	}

	tracker := runs.NewTracker(runs.TrackerOptions{
		Retention:     cfg.Runs.Retention,
		MaxPerSession: cfg.Runs.MaxPerSession,
	})
	idempotency := runs.NewIdempotencyCache(runs.IdempotencyOptions{
		TTL:         cfg.Runs.IdempotencyTTL,
		CacheErrors: cfg.Runs.CacheErrors,
	})

	manager := session.NewManager(st, orch, tracker, b, coordinator, logger, metrics, session.Config{
		QueueSize: cfg.Sessions.QueueSize,
		Policy:    session.QueuePolicy(cfg.Sessions.QueuePolicy),
		Denials:   denials,
	})
	defer manager.Close()
	activity.mgr = manager

	sweeper := sweep.New(st, tracker, idempotency, logger, sweep.Config{})
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	server := gateway.NewServer(gateway.Deps{
		Manager:     manager,
		Store:       st,
		Bus:         b,
		Tracker:     tracker,
		Idempotency: idempotency,
		Logger:      logger,
		Metrics:     metrics,
	}, cfg.Auth, cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := server.Serve(ctx, addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info(context.Background(), "server stopped")
	return nil
}

// buildProviders constructs every configured provider adapter, wrapped with
// before-first-byte retry, and routes models across them.
func buildProviders(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*provider.Router, error) {
	retryConfig := retry.Exponential(cfg.Agent.StreamRetries, cfg.Agent.StreamBackoff, 10*time.Second)

	var providers []provider.Provider
	withRetry := func(p provider.Provider) provider.Provider {
		return provider.WithRetry(p, retryConfig, func() {
			metrics.ProviderRetryCounter.WithLabelValues(p.Name()).Inc()
		})
	}

	if cfg.Providers.Anthropic.APIKey != "" {
		providers = append(providers, withRetry(provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:    cfg.Providers.Anthropic.APIKey,
			BaseURL:   cfg.Providers.Anthropic.BaseURL,
			Models:    cfg.Providers.Anthropic.Models,
			MaxTokens: cfg.Agent.MaxTokens,
		})))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		providers = append(providers, withRetry(provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:    cfg.Providers.OpenAI.APIKey,
			BaseURL:   cfg.Providers.OpenAI.BaseURL,
			Models:    cfg.Providers.OpenAI.Models,
			MaxTokens: cfg.Agent.MaxTokens,
		})))
	}
	if cfg.Providers.Google.APIKey != "" {
		google, err := provider.NewGoogle(ctx, provider.GoogleConfig{
			APIKey:    cfg.Providers.Google.APIKey,
			Models:    cfg.Providers.Google.Models,
			MaxTokens: cfg.Agent.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, withRetry(google))
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider configured: set at least one providers.*.api_key")
	}
	return provider.NewRouter(providers...), nil
}
