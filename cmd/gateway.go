package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kestrelbot/kestrel/internal/agent"
	"github.com/kestrelbot/kestrel/internal/bus"
	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/cron"
	"github.com/kestrelbot/kestrel/internal/gateway"
	"github.com/kestrelbot/kestrel/internal/memory"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/router"
	"github.com/kestrelbot/kestrel/internal/sessions"
	"github.com/kestrelbot/kestrel/internal/store/file"
	"github.com/kestrelbot/kestrel/internal/store/pg"
	"github.com/kestrelbot/kestrel/internal/telemetry"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		shutdownTelemetry(flushCtx)
	}()

	msgBus := bus.New()

	providerRegistry := providers.NewRegistry()
	registerProviders(providerRegistry, cfg)

	// Workspace must be absolute for system prompt + file tool resolution.
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)

	// Session store: file per session, or postgres when configured.
	var sessStore sessions.Store
	if cfg.Database.Mode == "postgres" && cfg.Database.PostgresDSN != "" {
		pgStore, pgErr := pg.Open(ctx, cfg.Database.PostgresDSN)
		if pgErr != nil {
			slog.Error("failed to open postgres session store", "error", pgErr)
			os.Exit(1)
		}
		defer pgStore.Close()
		sessStore = pgStore
		slog.Info("session store: postgres")
	} else {
		fileStore, fErr := file.New(cfg.SessionsDir())
		if fErr != nil {
			slog.Error("failed to open file session store", "error", fErr)
			os.Exit(1)
		}
		sessStore = fileStore
		slog.Info("session store: file", "dir", cfg.SessionsDir())
	}

	idleTimeout := time.Duration(cfg.Memory.Session.IdleTimeoutSec) * time.Second
	sessionMgr := sessions.NewManager(sessStore, msgBus, idleTimeout)

	memCtrl := memory.NewController(workspace,
		cfg.Memory.Compaction.KeepRecentMessages,
		cfg.Memory.Session.MaxMessagesBeforeCompact)
	if err := memCtrl.Watch(); err != nil {
		slog.Warn("workspace watcher unavailable", "error", err)
	}
	defer memCtrl.Close()

	modelRouter := router.NewModelRouter(providerRegistry, router.Options{
		DefaultProvider:     cfg.Agent.DefaultProvider,
		DefaultModel:        cfg.Agent.DefaultModel,
		Failover:            cfg.Routing.Failover,
		CostRank:            cfg.Routing.CostRank,
		QualityRank:         cfg.Routing.QualityRank,
		CheapModelHints:     cfg.Routing.CheapModelHints,
		ReasoningModelHints: cfg.Routing.ReasoningModelHints,
	})
	fallbackRouter := router.NewFallbackRouter(modelRouter,
		time.Duration(cfg.Routing.CallTimeoutSec)*time.Second)

	// Summaries route as a cheap task through the same fallback chain.
	compressor := memory.NewCompressor(func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		route := modelRouter.Route(router.Summarize)
		if route == nil {
			return nil, fmt.Errorf("no LLM provider configured")
		}
		res, err := fallbackRouter.Chat(ctx, route, req)
		if err != nil {
			return nil, err
		}
		return res.Response, nil
	})

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewGetTimeTool())
	toolsReg.Register(tools.NewReadFileTool(workspace, true))
	toolsReg.Register(tools.NewWriteFileTool(workspace, true))
	toolsReg.Register(tools.NewListDirTool(workspace, true))

	loop := agent.NewLoop(agent.Config{
		Bus:           msgBus,
		Sessions:      sessionMgr,
		Memory:        memCtrl,
		Compressor:    compressor,
		Models:        modelRouter,
		Fallback:      fallbackRouter,
		Tools:         toolsReg,
		MaxIterations: cfg.Agent.MaxIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
	})

	messageRouter := gateway.NewMessageRouter(sessionMgr, msgBus)
	dispatcher := gateway.NewDispatcher(loop, messageRouter)

	// Cron scheduler.
	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		jobsFile := cfg.Cron.JobsFile
		if jobsFile == "" {
			jobsFile = config.ExpandHome("~/.kestrel/cron/jobs.json")
		}
		logDB := cfg.Cron.LogDB
		if logDB == "" {
			logDB = config.ExpandHome("~/.kestrel/cron/runs.db")
		}
		os.MkdirAll(filepath.Dir(logDB), 0755)
		runlog, rlErr := cron.OpenRunLog(logDB)
		if rlErr != nil {
			slog.Warn("cron run log unavailable", "error", rlErr)
		} else {
			defer runlog.Close()
		}

		cronSvc = cron.NewService(cron.NewJobStore(jobsFile), runlog, msgBus, toolsReg,
			dispatcher.Send, dispatcher.RunPrompt)
		if err := cronSvc.Start(ctx); err != nil {
			slog.Warn("cron service failed to start", "error", err)
			cronSvc = nil
		}
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		Token:        cfg.Gateway.Token,
		RateLimitRPM: cfg.Gateway.RateLimitRPM,
	}, dispatcher, msgBus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("kestrel gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"tools", len(toolsReg.List()),
		"cron", cronSvc != nil,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
	}

	if cronSvc != nil {
		cronSvc.Stop()
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	sessionMgr.Shutdown(shutCtx)
}
