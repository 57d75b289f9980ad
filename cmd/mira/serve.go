package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"
	"github.com/spf13/cobra"

	"github.com/mirahq/mira/internal/agent/providers"
	"github.com/mirahq/mira/internal/artifacts"
	"github.com/mirahq/mira/internal/chatrouter"
	"github.com/mirahq/mira/internal/checkpoint"
	"github.com/mirahq/mira/internal/classifier"
	"github.com/mirahq/mira/internal/codex"
	"github.com/mirahq/mira/internal/commands"
	"github.com/mirahq/mira/internal/eventlog"
	"github.com/mirahq/mira/internal/mcp"
	"github.com/mirahq/mira/internal/operation"
	"github.com/mirahq/mira/internal/sessions"
	"github.com/mirahq/mira/internal/storage"
	"github.com/mirahq/mira/internal/toolcatalog"
	"github.com/mirahq/mira/internal/toolhandlers"
	"github.com/mirahq/mira/internal/tools"
)

// buildServeCmd creates the "serve" command that starts the orchestration
// core's WebSocket transport.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start Mira's agent orchestration core",
		Long: `Start the orchestration core: a WebSocket transport in front of the
chat router, which routes each message to a custom command, a built-in,
or a new tool-calling operation run against the configured LLM provider.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  mira serve

  # Start with a custom config and debug logging
  mira serve --config ./mira.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "mira.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// runServe loads configuration, wires every component, and serves until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := parseLogLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("starting Mira", "version", version, "commit", commit, "config", configPath, "project_dir", cfg.ProjectDir)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := storage.ApplySQLiteSchema(ctx, db); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	log, err := eventlog.New(db)
	if err != nil {
		return fmt.Errorf("eventlog.New: %w", err)
	}
	sessionMgr := sessions.NewManager(db, logger)

	checkpointMgr := checkpoint.New(db, cfg.ProjectDir, logger)
	artifactStore := artifacts.NewTextStore(db, cfg.ProjectDir)

	mcpCfg := &mcp.Config{Enabled: cfg.MCP.Enabled}
	for _, s := range cfg.MCP.Servers {
		mcpCfg.Servers = append(mcpCfg.Servers, &mcp.ServerConfig{
			ID:        s.ID,
			Name:      s.Name,
			Transport: mcp.TransportType(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			WorkDir:   s.WorkDir,
			URL:       s.URL,
			Headers:   s.Headers,
			Timeout:   s.Timeout,
			AutoStart: s.AutoStart,
		})
	}
	mcpMgr := mcp.NewManager(mcpCfg, logger)
	if cfg.MCP.Enabled {
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp: failed to start one or more configured servers", "error", err)
		}
	}

	toolsRouter := tools.NewRouter(logger)
	toolsRouter.Git = toolhandlers.NewGitHandler(cfg.ProjectDir)
	toolsRouter.Code = toolhandlers.NewCodeHandler(cfg.ProjectDir)
	toolsRouter.External = toolhandlers.NewExternalHandler(cfg.ProjectDir)
	toolsRouter.File = toolhandlers.NewFileHandler(cfg.ProjectDir)
	toolsRouter.Mcp = toolhandlers.NewMcpHandler(mcpMgr)
	toolsRouter.Projects = singleProjectResolver{path: cfg.ProjectDir}
	toolsRouter.Checkpoints = checkpointMgr
	toolsRouter.Artifacts = artifactStore

	catalog := toolcatalog.New(toolsRouter, mcpMgr)

	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey,
		BaseURL:      cfg.Anthropic.BaseURL,
		MaxRetries:   cfg.Anthropic.MaxRetries,
		RetryDelay:   cfg.Anthropic.RetryDelay,
		DefaultModel: cfg.Anthropic.DefaultModel,
	})
	if err != nil {
		return fmt.Errorf("build anthropic provider: %w", err)
	}

	engine, err := operation.New(db, log, sessionMgr, toolsRouter, provider, catalog, operation.Config{
		MaxIterations: cfg.Operation.MaxIterations,
		MaxToolCalls:  cfg.Operation.MaxToolCalls,
		Model:         cfg.Operation.Model,
		System:        cfg.Operation.System,
		MaxTokens:     cfg.Operation.MaxTokens,
	}, logger)
	if err != nil {
		return fmt.Errorf("operation.New: %w", err)
	}

	recallStore := codex.NewRecallStore(db, logger)
	spawner := codex.NewSpawner(engine, sessionMgr, recallStore, nil, logger)

	registry := commands.NewRegistry(logger)
	commands.RegisterBuiltins(registry, catalog)

	router := chatrouter.New(engine, registry, checkpointMgr, mcpMgr, logger)
	router.SetRecallStore(recallStore)
	router.SetSpawner(spawner, classifier.DefaultConfig())
	if err := router.ReloadCommands(cfg.ProjectDir); err != nil {
		slog.Warn("chatrouter: failed to load custom commands at startup", "error", err)
	}

	transport := newChatTransport(router, sessionMgr, cfg.ProjectDir, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Mira listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutdown signal received, initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if mcpCfg.Enabled {
		if err := mcpMgr.Stop(); err != nil {
			slog.Warn("mcp: failed to stop one or more servers cleanly", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("Mira stopped gracefully")
	return nil
}
