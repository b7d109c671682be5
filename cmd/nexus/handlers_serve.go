package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reasonhub/reasonhub/internal/agent"
	"github.com/reasonhub/reasonhub/internal/agent/providers"
	"github.com/reasonhub/reasonhub/internal/apiserver"
	"github.com/reasonhub/reasonhub/internal/config"
	"github.com/reasonhub/reasonhub/internal/control"
	"github.com/reasonhub/reasonhub/internal/doctor"
	"github.com/reasonhub/reasonhub/internal/mcp"
	"github.com/reasonhub/reasonhub/internal/models"
	"github.com/reasonhub/reasonhub/internal/observability"
	"github.com/reasonhub/reasonhub/internal/orchestrator"
	"github.com/reasonhub/reasonhub/internal/output"
	"github.com/reasonhub/reasonhub/internal/router"
	"github.com/reasonhub/reasonhub/internal/sessions"
	"github.com/reasonhub/reasonhub/internal/tasks"
	"github.com/reasonhub/reasonhub/internal/thinking"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It handles configuration loading, pipeline wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// Adjust log level if debug mode is enabled.
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting Nexus orchestrator",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	if raw, err := doctor.LoadRawConfig(configPath); err == nil {
		migrations, err := doctor.ApplyConfigMigrations(raw)
		if err != nil {
			return fmt.Errorf("config migrations failed: %w", err)
		}
		if len(migrations.Applied) > 0 {
			backupPath, err := doctor.BackupConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to backup config before migration: %w", err)
			}
			if err := doctor.WriteRawConfig(configPath, raw); err != nil {
				return fmt.Errorf("failed to write migrated config: %w", err)
			}
			slog.Info("config migrations applied",
				"from_version", migrations.FromVersion,
				"to_version", migrations.ToVersion,
				"count", len(migrations.Applied),
				"backup", backupPath)
		}
	} else {
		slog.Warn("failed to inspect config for migrations", "error", err)
	}

	// Load and validate configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	provider, err := buildLLMProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to build LLM provider: %w", err)
	}

	thinkingLayer := &thinking.Layer{
		Provider: provider,
		Model:    cfg.Orchestrator.ThinkingModel,
		Logger:   logger,
	}
	outputLayer := &output.Layer{
		Provider: provider,
		Model:    cfg.Orchestrator.OutputModel,
	}

	controlEngine, err := control.NewEngine(control.DefaultPolicies())
	if err != nil {
		return fmt.Errorf("failed to build control engine: %w", err)
	}

	mgr := mcp.NewManager(&cfg.MCP, slog.Default())
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP manager: %w", err)
	}
	defer mgr.Stop()

	factStorePath := cfg.Tools.MemorySearch.Directory
	if factStorePath == "" {
		factStorePath = "data"
	}
	factStore, err := mcp.NewSQLiteFactStore(factStorePath + "/mcp_facts.db")
	if err != nil {
		return fmt.Errorf("failed to open MCP fact store: %w", err)
	}

	registrar := &mcp.Registrar{Manager: mgr, Facts: factStore}
	if err := registrar.Register(ctx); err != nil {
		slog.Warn("mcp tool registration degraded", "error", err)
	}

	orchestratorTools := &mcp.OrchestratorTools{Manager: mgr}

	lifecycleStore, err := tasks.NewSQLiteLifecycleStore(cfg.Lifecycle.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle store: %w", err)
	}
	defer lifecycleStore.Close()
	lifecycleNotifier := &tasks.LifecycleNotifier{Store: lifecycleStore, Logger: slog.Default()}

	runtimeStore := sessions.NewMemoryStore()
	loopConfig := &agent.LoopConfig{}
	runtime := agent.NewAgenticRuntime(provider, runtimeStore, loopConfig)
	mcp.RegisterTools(runtime, mgr)

	deepReasoner := agent.NewDeepLoopReasoner(runtime, sessions.NewMemoryStore(), "deep-reasoner")

	truthDB, err := sql.Open("sqlite", cfg.GraphHygiene.Reconcile.TruthDBPath)
	if err != nil {
		return fmt.Errorf("open blueprint truth db: %w", err)
	}
	defer truthDB.Close()
	graphDB, err := sql.Open("sqlite", cfg.GraphHygiene.Reconcile.GraphDBPath)
	if err != nil {
		return fmt.Errorf("open blueprint graph db: %w", err)
	}
	defer graphDB.Close()
	blueprintSearcher := &router.SQLiteSearcher{Truth: truthDB, Graph: graphDB}
	blueprintRouter := &router.Router{Search: blueprintSearcher, ActiveIDs: blueprintSearcher}

	orch, err := orchestrator.New(orchestrator.Config{
		Thinking:      thinkingLayer,
		Control:       controlEngine,
		ToolChecker:   orchestratorTools,
		Tools:         orchestratorTools,
		DeepReasoner:  deepReasoner,
		Output:        outputLayer,
		Tasks:         lifecycleNotifier,
		Router:        blueprintRouter,
		Persona:       cfg.Orchestrator.Persona,
		MemoryCharCap: cfg.Orchestrator.MemoryCharCap,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	server, err := apiserver.New(apiserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.HTTPPort,
		Orchestrator: orch,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	slog.Info("Nexus orchestrator started",
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
	)

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("Nexus orchestrator stopped gracefully")
	return nil
}

// buildLLMProvider selects the configured default LLM provider. Ollama and
// Bedrock are wired today; other provider entries are accepted by config
// validation but not yet dialed by serve. When llm.fallback_chain names
// additional providers, the default provider is wrapped in a
// providers.FallbackProvider that dials each "provider/model" entry in
// order on a failover-eligible error.
func buildLLMProvider(cfg *config.Config) (agent.LLMProvider, error) {
	primary, err := dialProvider(cfg, cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.FallbackChain) == 0 {
		return primary, nil
	}

	pool := map[string]agent.LLMProvider{cfg.LLM.DefaultProvider: primary}
	for _, ref := range cfg.LLM.FallbackChain {
		candidate := models.ParseModelRef(ref, cfg.LLM.DefaultProvider)
		if candidate == nil {
			continue
		}
		if _, ok := pool[candidate.Provider]; ok {
			continue
		}
		prov, err := dialProvider(cfg, candidate.Provider)
		if err != nil {
			return nil, fmt.Errorf("fallback chain provider %q: %w", candidate.Provider, err)
		}
		pool[candidate.Provider] = prov
	}

	return &providers.FallbackProvider{
		Providers:       pool,
		PrimaryProvider: cfg.LLM.DefaultProvider,
		PrimaryModel:    cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel,
		Fallbacks:       cfg.LLM.FallbackChain,
	}, nil
}

// dialProvider builds a single named LLM provider from its config entry.
func dialProvider(cfg *config.Config, name string) (agent.LLMProvider, error) {
	providerCfg := cfg.LLM.Providers[name]
	switch name {
	case "", "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       providerCfg.Region,
			DefaultModel: providerCfg.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q for serve", name)
	}
}
