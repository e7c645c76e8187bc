// Package main provides the CLI entry point for the Relay agent gateway.
//
// Relay bridges an OpenAI-compatible chat front-end and a REST knowledge
// backend: each turn is routed to an agent, executed as a bounded tool-use
// loop, and mined in the background for durable facts.
//
// # Basic Usage
//
// Start the gateway:
//
//	relay serve --config relay.yaml
//
// Validate wiring and exit:
//
//	relay serve --test
//
// # Environment Variables
//
//   - RELAY_BACKEND_URL: Knowledge backend root URL
//   - RELAY_API_KEY: Backend bearer token
//   - RELAY_PORT: Listen port
//   - RELAY_PIPELINE_ID: Pipeline namespace for valves and admin routes
//   - RELAY_PROVIDER: LLM vendor, "openai" or "anthropic"
//   - OPENAI_API_KEY / OPENAI_BASE_URL: OpenAI-compatible provider settings
//   - ANTHROPIC_API_KEY: Anthropic provider key
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/backend"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/internal/shadow"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/valves"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Agent-orchestration gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s (%s)\n", version, commit)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		testMode   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, testMode)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVar(&testMode, "test", false, "Validate wiring, probe the backend, and exit")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, testMode bool) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	metrics := observability.NewMetrics()
	tracker := observability.NewTurnTracker(logger.Named("turns"))

	valveManager := valves.NewManager(cfg.PipelineID, cfg.ValvesPath, logger)

	// The ring is sized from the restart-gated log_buffer_size valve, so it is
	// created once the persisted valve state is loaded.
	bufferSize := valveManager.Int("log_buffer_size")
	if bufferSize <= 0 {
		bufferSize = 2000
	}
	ring := observability.NewRingBuffer(bufferSize)
	logger.AttachRing(ring)

	if path := valveManager.String("log_file_path"); path != "" {
		if err := logger.SetLogFile(path); err != nil {
			logger.Warn(ctx, "log file unavailable", "path", path, "error", err)
		}
	}
	valveManager.Subscribe(func(delta map[string]any) {
		if _, ok := delta["log_level"]; ok {
			logger.SetLevel(valveManager.String("log_level"))
		}
		if _, ok := delta["log_file_path"]; ok {
			if err := logger.SetLogFile(valveManager.String("log_file_path")); err != nil {
				logger.Warn(ctx, "log file unavailable", "error", err)
			}
		}
	})

	backendClient := backend.NewClient(backend.Options{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.APIKey,
		Timeout: valveManager.Duration("backend_timeout_seconds"),
		Logger:  logger,
	})
	valveManager.Subscribe(func(delta map[string]any) {
		if _, ok := delta["backend_timeout_seconds"]; ok {
			backendClient.SetTimeout(valveManager.Duration("backend_timeout_seconds"))
		}
	})

	registry := tools.NewRegistry(backendClient, logger, metrics)
	for _, spec := range tools.Builtin() {
		if err := registry.Register(spec); err != nil {
			return fmt.Errorf("register tool %s: %w", spec.Name, err)
		}
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	runtime := agent.NewRuntime(provider, registry, logger, metrics)
	router := routing.New(agent.Bundles())
	observer := shadow.NewObserver(backendClient, valveManager, logger, metrics, tracker)

	if testMode {
		return runWiringTest(ctx, cfg, backendClient, registry, logger)
	}

	stopWatch, err := valveManager.Watch(ctx, 0)
	if err != nil {
		logger.Warn(ctx, "valve file watch unavailable", "error", err)
		stopWatch = func() {}
	}
	defer stopWatch()

	server := gateway.NewServer(gateway.Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Ring:     ring,
		Tracker:  tracker,
		Valves:   valveManager,
		Backend:  backendClient,
		Registry: registry,
		Router:   router,
		Runtime:  runtime,
		Observer: observer,
		Agents:   agent.Descriptors(),
		Version:  version,
	})
	if err := server.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return providers.NewAnthropicProvider(providers.AnthropicOptions{
			APIKey: cfg.AnthropicAPIKey,
		}), nil
	default:
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY or OPENAI_BASE_URL is required for the openai provider")
		}
		return providers.NewOpenAIProvider(providers.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		}), nil
	}
}

// runWiringTest validates the assembled stack without serving: tool registry
// contents, agent tables, and backend reachability. Exit code 0 on success.
func runWiringTest(ctx context.Context, cfg *config.Config, bc *backend.Client, registry *tools.Registry, logger *observability.Logger) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if len(registry.Names()) == 0 {
		return fmt.Errorf("wiring test: no tools registered")
	}
	if len(agent.Descriptors()) == 0 {
		return fmt.Errorf("wiring test: no agents declared")
	}
	if err := bc.Ping(probeCtx); err != nil {
		return fmt.Errorf("wiring test: backend unreachable at %s: %w", cfg.BackendURL, err)
	}

	logger.Info(ctx, "wiring test passed",
		"backend", cfg.BackendURL,
		"tools", len(registry.Names()),
		"agents", len(agent.Descriptors()))
	return nil
}
