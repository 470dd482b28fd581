package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/agent"
	"github.com/tabletalk/tabletalk/dataset"
	"github.com/tabletalk/tabletalk/executor"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/observer"
	"github.com/tabletalk/tabletalk/provider/resolve"
	"github.com/tabletalk/tabletalk/server"
	"github.com/tabletalk/tabletalk/session"
	"github.com/tabletalk/tabletalk/store"
	"github.com/tabletalk/tabletalk/store/postgres"
	"github.com/tabletalk/tabletalk/store/sqlite"
	"github.com/tabletalk/tabletalk/tools"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config and set up logging
	cfg := config.Load(os.Getenv("TABLETALK_CONFIG"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Dataset registry
	registry, err := dataset.LoadRegistry(cfg.Datasets.Dir)
	if err != nil {
		return err
	}
	logger.Info("datasets loaded", "dir", cfg.Datasets.Dir, "count", len(registry.Datasets))

	// 3. Sandbox executor
	exec, err := executor.New(executor.Config{
		Provider:       cfg.Sandbox.Provider,
		RunnerImage:    cfg.Sandbox.RunnerImage,
		DatasetsDir:    cfg.Datasets.Dir,
		TimeoutSeconds: cfg.Sandbox.TimeoutSeconds,
		Microsandbox: executor.MicrosandboxConfig{
			ServerURL:     cfg.Sandbox.Microsandbox.ServerURL,
			APIKey:        cfg.Sandbox.Microsandbox.APIKey,
			Namespace:     cfg.Sandbox.Microsandbox.Namespace,
			MemoryMB:      cfg.Sandbox.Microsandbox.MemoryMB,
			CPUs:          cfg.Sandbox.Microsandbox.CPUs,
			CLIPath:       cfg.Sandbox.Microsandbox.CLIPath,
			FallbackImage: cfg.Sandbox.Microsandbox.FallbackImage,
			RunnerDir:     cfg.Sandbox.Microsandbox.RunnerDir,
		},
		K8s: executor.K8sConfig{
			Namespace:       cfg.Sandbox.K8s.Namespace,
			ServiceAccount:  cfg.Sandbox.K8s.ServiceAccount,
			ImagePullPolicy: cfg.Sandbox.K8s.ImagePullPolicy,
			CPULimit:        cfg.Sandbox.K8s.CPULimit,
			MemoryLimit:     cfg.Sandbox.K8s.MemoryLimit,
			DatasetsPVC:     cfg.Sandbox.K8s.DatasetsPVC,
			JobTTLSeconds:   int32(cfg.Sandbox.K8s.JobTTLSeconds),
			PollInterval:    time.Duration(cfg.Sandbox.K8s.PollIntervalSeconds * float64(time.Second)),
			KeepJobs:        cfg.Sandbox.K8s.KeepJobs,
		},
	}, logger)
	if err != nil {
		return err
	}

	// 4. Capsule and message stores
	capsules, messages, closeStore, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 5. Telemetry (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	// 6. Model provider
	llm, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return err
	}
	var chatLLM tabletalk.Provider = llm
	if inst != nil {
		chatLLM = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}

	// 7. Tools and agent engine
	toolset := tools.New(registry, exec, tools.Config{
		TimeoutSeconds: cfg.Sandbox.TimeoutSeconds,
		MaxRows:        cfg.Sandbox.MaxRows,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		EnablePython:   cfg.Sandbox.EnablePython,
	}, logger)
	toolReg := tabletalk.NewToolRegistry()
	if inst != nil {
		toolReg.Add(observer.WrapTool(toolset, inst))
	} else {
		toolReg.Add(toolset)
	}
	engine := agent.New(chatLLM, toolReg,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithLogger(logger))

	// 8. Orchestrator and HTTP server
	orch := session.New(engine, toolset, registry, capsules, messages, session.Config{
		HistoryWindow: cfg.Agent.HistoryWindow,
		MaxRows:       cfg.Sandbox.MaxRows,
		EnablePython:  cfg.Sandbox.EnablePython,
	}, session.WithLogger(logger))
	srv := server.New(orch, registry, capsules, messages,
		server.WithLogger(logger),
		server.WithInstruments(inst),
		server.WithSandboxProvider(cfg.Sandbox.Provider))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr,
			"sandbox_provider", cfg.Sandbox.Provider, "storage_provider", cfg.Storage.Provider)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStores builds the capsule and message stores named by the storage
// config. Both interfaces are served by one backing store.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.CapsuleStore, store.MessageStore, func(), error) {
	provider, err := store.ResolveProvider(cfg.Storage.Provider)
	if err != nil {
		return nil, nil, nil, err
	}

	switch provider {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool, postgres.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil

	default:
		s := sqlite.New(cfg.Storage.Path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, s, func() { _ = s.Close() }, nil
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
