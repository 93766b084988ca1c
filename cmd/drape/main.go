// Package main is the entry point for the Drape backend. It wires the
// workspace orchestrator, the AI agent loop, the usage store, and the HTTP /
// WebSocket surfaces into one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/agent"
	"github.com/drape/drape/internal/agent/tools"
	"github.com/drape/drape/internal/ai"
	"github.com/drape/drape/internal/ai/anthropic"
	"github.com/drape/drape/internal/ai/gemini"
	"github.com/drape/drape/internal/ai/openai"
	"github.com/drape/drape/internal/common/config"
	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/common/tracing"
	"github.com/drape/drape/internal/container"
	"github.com/drape/drape/internal/db"
	"github.com/drape/drape/internal/events/bus"
	"github.com/drape/drape/internal/gateway/websocket"
	"github.com/drape/drape/internal/httpapi"
	"github.com/drape/drape/internal/session"
	"github.com/drape/drape/internal/usage"
	"github.com/drape/drape/internal/workspace"
)

func main() {
	// ============================================
	// CONFIGURATION & LOGGER
	// ============================================
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting drape",
		zap.Int("port", cfg.Server.Port),
		zap.String("docker_hosts", cfg.Docker.Hosts),
		zap.String("projects_root", cfg.Paths.ProjectsRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================
	// EVENT BUS (NATS when configured, in-memory otherwise)
	// ============================================
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// ============================================
	// CONTAINER RUNTIME
	// ============================================
	driver, err := container.NewDriver(cfg.Docker, cfg.Paths, log)
	if err != nil {
		log.Fatal("failed to initialize container driver", zap.Error(err))
	}
	defer func() { _ = driver.Close() }()

	if err := driver.InitializeNetwork(ctx); err != nil {
		log.Fatal("failed to initialize container network", zap.Error(err))
	}
	agentClient := container.NewAgentClient(log)

	// ============================================
	// SESSION REGISTRY & WORKSPACE SERVICE
	// ============================================
	registry := session.NewRegistry(cfg.Paths.RegistryFile, log)
	defer registry.Close()

	workspaceSvc := workspace.NewService(cfg.Workspace, cfg.Server, cfg.Paths, registry, driver, agentClient, eventBus, log)
	if err := workspaceSvc.Start(ctx); err != nil {
		log.Fatal("failed to start workspace service", zap.Error(err))
	}

	// ============================================
	// AI STACK (catalog, providers, fabric)
	// ============================================
	catalog := ai.NewCatalog()
	if cfg.AI.ModelsFile != "" {
		catalog, err = ai.LoadCatalog(cfg.AI.ModelsFile)
		if err != nil {
			log.Fatal("failed to load model catalog", zap.Error(err))
		}
	}

	providers := make(map[ai.ProviderKind]ai.Provider)
	if cfg.AI.AnthropicAPIKey != "" {
		p, err := anthropic.New(cfg.AI.AnthropicAPIKey, log)
		if err != nil {
			log.Fatal("failed to initialize anthropic provider", zap.Error(err))
		}
		providers[ai.ProviderAnthropic] = p
	}
	if cfg.AI.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.AI.GeminiAPIKey, log)
		if err != nil {
			log.Fatal("failed to initialize gemini provider", zap.Error(err))
		}
		providers[ai.ProviderGemini] = p
	}
	if cfg.AI.OpenAIAPIKey != "" {
		p, err := openai.New(cfg.AI.OpenAIAPIKey, log)
		if err != nil {
			log.Fatal("failed to initialize openai provider", zap.Error(err))
		}
		providers[ai.ProviderOpenAI] = p
	}
	if len(providers) == 0 {
		log.Warn("no AI provider configured, agent runs will fail")
	}
	fabric := ai.NewFabric(catalog, providers, log)

	// ============================================
	// USAGE STORE & BUDGET GATE
	// ============================================
	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Paths.UsageDB
	}
	pool, err := db.Open(cfg.Database.Driver, dsn, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("failed to open usage database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	usageStore, err := usage.NewStore(pool, log)
	if err != nil {
		log.Fatal("failed to initialize usage store", zap.Error(err))
	}
	gate := agent.NewBudgetGate(cfg.Budgets, usageStore, log)

	go compactionLoop(ctx, usageStore, log)

	// ============================================
	// TOOL DISPATCHER & AGENT RUNNER
	// ============================================
	search := tools.NewWebSearch(cfg.AI.WebSearchURL, cfg.AI.WebSearchKey)
	dispatcher := tools.NewDispatcher(cfg.Paths.ProjectsRoot, workspaceSvc, agentClient, search, log)
	runner := agent.NewRunner(fabric, workspaceSvc, dispatcher, usageStore, gate, eventBus, log)

	// ============================================
	// WEBSOCKET GATEWAY & HTTP SERVER
	// ============================================
	hub := websocket.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("failed to start websocket hub", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.NewServer(workspaceSvc, runner, usageStore, gate, websocket.Handler(hub, log), log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down drape...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	hub.Stop()
	if err := workspaceSvc.Stop(); err != nil {
		log.Error("workspace service stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("drape stopped")
}

// compactionLoop deletes usage entries older than the current billing month
// once a day. Entries inside the month stay for the usage report.
func compactionLoop(ctx context.Context, store *usage.Store, log *logger.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CompactBefore(ctx, usage.MonthStart(time.Now()))
			if err != nil {
				log.Error("usage compaction failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("compacted usage entries", zap.Int64("deleted", n))
			}
		}
	}
}
