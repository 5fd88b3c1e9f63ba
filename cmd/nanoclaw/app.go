package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/nanoclaw/approval"
	"github.com/c360studio/nanoclaw/config"
	"github.com/c360studio/nanoclaw/dispatch"
	"github.com/c360studio/nanoclaw/ipc"
	"github.com/c360studio/nanoclaw/memory"
	"github.com/c360studio/nanoclaw/planner"
	"github.com/c360studio/nanoclaw/proposal"
	"github.com/c360studio/nanoclaw/router"
	"github.com/c360studio/nanoclaw/runner"
	"github.com/c360studio/nanoclaw/runs"
	"github.com/c360studio/nanoclaw/scheduler"
	"github.com/c360studio/nanoclaw/store"
	"github.com/c360studio/nanoclaw/transport"
)

// runServe wires and runs the orchestrator core: chat bridge, message loop,
// approval gateway, scheduler, and IPC watcher.
func runServe(cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	state, err := router.LoadState(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("load router state: %w", err)
	}

	proposals, err := proposal.NewStore(filepath.Join(cfg.Data.Dir, "action-queue.json"))
	if err != nil {
		return fmt.Errorf("open proposal store: %w", err)
	}

	plannerClient, err := planner.NewClient(planner.Config{
		BaseURL:           cfg.Planner.BaseURL,
		APIKey:            cfg.Planner.APIKey,
		CompletionModel:   cfg.Planner.CompletionModel,
		ReasoningModel:    cfg.Planner.ReasoningModel,
		RequireFreeModels: cfg.Planner.FreeModelsRequired(),
		Timeout:           cfg.Planner.Timeout,
	}, planner.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create planner client: %w", err)
	}

	bridge := transport.NewBridge(transport.Config{URL: cfg.NATS.URL}, st, logger)

	dispatcher := dispatch.NewClient(dispatch.Config{
		URL:             cfg.Webhook.URL,
		Secret:          cfg.Webhook.Secret,
		Timeout:         cfg.Webhook.Timeout,
		Source:          cfg.Assistant.Name,
		EnableExecution: cfg.Webhook.ExecutionEnabled(),
	}, logger)

	gateway := approval.NewGateway(proposals, dispatcher, plannerClient, bridge, logger)

	var mem router.MemoryRetriever
	if cfg.Memory.NotesDir != "" {
		mem = memory.NewRetriever(memory.Config{
			NotesDir: cfg.Memory.NotesDir,
			Patterns: cfg.Memory.Patterns,
		})
	}

	rtr := router.New(router.Config{AssistantName: cfg.Assistant.Name},
		st, state, plannerClient, mem, bridge, gateway, proposals, logger)

	loc := time.UTC
	if cfg.Scheduler.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("load scheduler timezone: %w", err)
		}
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, st, state, rtr, logger)

	watcher := ipc.NewWatcher(ipc.Config{
		Dir:      cfg.IPCDir(),
		Timezone: loc,
	}, state, st, bridge, nil, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := bridge.Start(ctx, gateway); err != nil {
		return fmt.Errorf("start chat bridge: %w", err)
	}
	defer bridge.Close()

	logger.Info("nanoclaw ready",
		slog.String("version", Version),
		slog.String("assistant", cfg.Assistant.Name),
		slog.String("data_dir", cfg.Data.Dir))

	errCh := make(chan error, 4)
	go func() { errCh <- rtr.Run(ctx) }()
	go func() { errCh <- sched.Run(ctx) }()
	go func() { errCh <- watcher.Run(ctx) }()

	var adminSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		adminSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("admin listener started", slog.String("addr", metricsAddr))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			cancel()
			logger.Error("component failed", slog.String("error", err.Error()))
			shutdownAdmin(adminSrv)
			return err
		}
	}

	shutdownAdmin(adminSrv)
	logger.Info("nanoclaw shutdown complete")
	return nil
}

func shutdownAdmin(srv *http.Server) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runRunner wires and runs the action runner service.
func runRunner(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	rcfg := runner.DefaultConfig()
	if cfg.Runner.Addr != "" {
		rcfg.Addr = cfg.Runner.Addr
	}
	rcfg.DispatchSecret = cfg.Webhook.Secret
	rcfg.RunnerSecret = cfg.Runner.Secret
	if cfg.Runner.MaxParallel > 0 {
		rcfg.MaxParallel = cfg.Runner.MaxParallel
	}
	if len(cfg.Runner.SSHHosts) > 0 {
		rcfg.SSHHosts = cfg.Runner.SSHHosts
	}
	if cfg.Runner.SSHUser != "" {
		rcfg.SSHUser = cfg.Runner.SSHUser
	}
	rcfg.ReadableMirrorURL = cfg.Runner.ReadableMirrorURL
	rcfg.ImageEndpointURL = cfg.Runner.ImageEndpointURL
	rcfg.VoiceEndpointURL = cfg.Runner.VoiceEndpointURL
	rcfg.MediaBearerToken = cfg.Runner.MediaBearerToken
	rcfg.OpencodeURL = cfg.Runner.OpencodeURL

	db, err := sql.Open("sqlite", filepath.Join(cfg.Data.Dir, "runs.db"))
	if err != nil {
		return fmt.Errorf("open runs database: %w", err)
	}
	defer func() { _ = db.Close() }()

	registry, err := runs.NewRegistry(db)
	if err != nil {
		return fmt.Errorf("create run registry: %w", err)
	}

	executor := runner.NewExecutor(rcfg, registry, nil, logger)
	server := runner.NewServer(rcfg, executor, registry, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("runner ready", slog.String("version", Version), slog.String("addr", rcfg.Addr))
	return server.ListenAndServe(ctx)
}
