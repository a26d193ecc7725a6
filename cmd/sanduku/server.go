package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/auth"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the sandbox execution service",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sanduku --config path` and `sanduku server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen address (e.g. :8000)")
	}
}

// runServer wires every subsystem and runs the HTTP gateway until a signal
// or a fatal gateway error.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting sanduku",
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.String("sandbox_root", cfg.Sandbox.Root),
	)

	// Audit trail: in-memory ring + JSONL file + optional relational mirror.
	auditLog, err := audit.New(audit.Config{
		Path:       cfg.Audit.LogPath,
		BufferSize: cfg.Audit.BufferSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing audit log: %w", err)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	}()

	if cfg.Audit.Storage.Driver != "" {
		store, err := audit.OpenStore(audit.StoreConfig{
			Driver:      cfg.Audit.Storage.Driver,
			SQLitePath:  cfg.Audit.Storage.SQLitePath,
			PostgresDSN: cfg.Audit.Storage.PostgresDSN,
		}, logger)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		auditLog.WithStore(store)
		logger.Debug("audit store attached", slog.String("driver", cfg.Audit.Storage.Driver))
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Credentials and sessions.
	creds, err := auth.LoadCredentials(auth.CredentialConfig{
		TokenSecret:        cfg.Auth.TokenSecret,
		TokensFile:         cfg.Auth.TokensFile,
		AuthorizedKeysPath: cfg.Auth.AuthorizedKeysPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	sessions := auth.NewManager(creds, cfg.Auth.SessionTTL(), auditLog, logger)

	// Sandbox allocation and execution.
	quota := sandbox.Quota{
		MaxExecution:   cfg.Sandbox.MaxExecution(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		MaxMemoryMB:    cfg.Sandbox.MaxMemoryMB,
		MaxCPUSeconds:  cfg.Sandbox.MaxCPUSeconds,
		MaxProcesses:   cfg.Sandbox.MaxProcesses,
	}
	alloc, err := sandbox.NewAllocator(sandbox.Config{
		Root:  cfg.Sandbox.Root,
		Quota: quota,
		Tools: cfg.Policy.AllowedTools,
	}, auditLog, logger)
	if err != nil {
		return fmt.Errorf("initializing sandbox allocator: %w", err)
	}

	policy := executor.NewPolicy(cfg.Policy.AllowedTools, cfg.Policy.BlockedCommands)
	exec := executor.New(executor.Config{}, alloc, sandbox.NewRunner(logger), policy, auditLog, logger)
	if obs != nil {
		exec.WithMetrics(obs.Metrics).WithAnomaly(obs.Anomaly)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	// Every eviction tears down the session's sandbox tree, command history,
	// and rate bucket, whether the session expired lazily during validation
	// or was reclaimed by the background sweep.
	sessions.WithEvictionHook(func(id string) {
		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		alloc.Destroy(teardownCtx, id)
		exec.DropSession(id)
		limiter.Forget(id)
	})

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("sandbox_root", func(ctx context.Context) error {
			_, err := os.Stat(cfg.Sandbox.Root)
			return err
		})
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expired-session sweep: the session authority already re-checks expiry
	// on every lookup, this job reclaims idle sessions nobody validates
	// anymore. Teardown itself runs through the eviction hook.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %ds", cfg.Auth.SweepIntervalSeconds), func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		expired := sessions.SweepExpired(sweepCtx)
		if len(expired) > 0 {
			logger.Info("expired sessions reclaimed", slog.Int("count", len(expired)))
		}
		if obs != nil && obs.Metrics != nil {
			obs.Metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
			obs.Metrics.ActiveSandboxes.Set(float64(alloc.Count()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling session sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP gateway.
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		AdminUsers:     cfg.Auth.AdminUsers,
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(gwCfg, sessions, alloc, exec, auditLog, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline, then tear down every sandbox tree.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	alloc.DestroyAll(shutdownCtx)

	return nil
}
