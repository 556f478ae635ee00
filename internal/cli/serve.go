package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/bridge"
	"github.com/stewardhq/steward/internal/bus"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/engine"
	"github.com/stewardhq/steward/internal/gateway"
	"github.com/stewardhq/steward/internal/resolver"
	"github.com/stewardhq/steward/internal/scheduler"
	"github.com/stewardhq/steward/internal/spawner"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/triage"
	"github.com/stewardhq/steward/internal/vault"
)

var serveLogLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: scheduler, gateway, and agent runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// runtime holds the wired components for the serve command.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	vault     *vault.Vault
	resolver  *resolver.Resolver
	bridge    *bridge.Registry
	spawner   *spawner.Spawner
	scheduler *scheduler.Scheduler
	gateway   *gateway.Server
}

// scheduledRunner adapts the spawner to the scheduler. Scheduled fires
// always run with the orchestrator role.
type scheduledRunner struct {
	sp *spawner.Spawner
}

func (r scheduledRunner) RunScheduled(ctx context.Context, req scheduler.FireRequest) error {
	return r.sp.RunScheduled(ctx, spawner.BackgroundRequest{
		UserID:       req.UserID,
		AgentName:    req.AgentName,
		ScheduleName: req.ScheduleName,
		Task:         req.TaskPrompt,
		ArtifactType: req.ArtifactType,
		Caller:       resolver.Caller{UserID: req.UserID, Role: resolver.RoleOrchestrator},
	})
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	st.SetPusher(bus.NewHub())

	keys, err := vault.LoadOrCreateKeyset(cfg.Vault.Backend, cfg.Paths.Home)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load vault keyset: %w", err)
	}
	vlt := vault.New(st, keys)

	builtins, err := resolver.LoadBuiltins()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load built-in agents: %w", err)
	}
	res := resolver.New(st, builtins)
	if err := resolver.EnsureSeedTemplates(st); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed templates: %w", err)
	}

	br := bridge.NewRegistry(vlt, cfg.Bridge.Servers, nil)
	eng := engine.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Timeout)
	sp := spawner.New(spawner.Config{
		Provider:     cfg.Engine.Provider,
		TaskTimeout:  cfg.Spawner.TaskTimeout,
		RunTimeout:   cfg.Spawner.RunTimeout,
		StatePath:    cfg.Paths.RunStatePath,
		ArchiveAfter: cfg.Spawner.ArchiveAfter,
	}, st, res, br, vlt, eng)
	sch := scheduler.New(cfg.Scheduler, st, scheduledRunner{sp: sp})

	rt := &runtime{
		cfg:       cfg,
		store:     st,
		vault:     vlt,
		resolver:  res,
		bridge:    br,
		spawner:   sp,
		scheduler: sch,
	}
	if cfg.Gateway.Enabled {
		pol := triage.ThresholdPolicy{Grace: cfg.Triage.Grace}
		rt.gateway = gateway.NewServer(cfg.Gateway, st, vlt, res, sch, sp, pol)
	}
	return rt, nil
}

func runServe() error {
	setupLogging(serveLogLevel)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	if cfg.Scheduler.Enabled {
		go func() {
			if err := rt.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	}
	if rt.gateway != nil {
		go func() {
			if err := rt.gateway.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}

	slog.Info("steward running", "version", version,
		"scheduler", cfg.Scheduler.Enabled, "gateway", rt.gateway != nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		slog.Error("Component failed, shutting down", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := rt.spawner.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Spawner shutdown incomplete", "error", err)
	}
	rt.bridge.Cleanup()
	slog.Info("steward stopped")
	return nil
}
