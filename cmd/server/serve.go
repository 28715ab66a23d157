package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/outreach/internal/api"
	"github.com/ashureev/outreach/internal/collab"
	"github.com/ashureev/outreach/internal/config"
	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/health"
	"github.com/ashureev/outreach/internal/identity"
	"github.com/ashureev/outreach/internal/merge"
	"github.com/ashureev/outreach/internal/middleware"
	"github.com/ashureev/outreach/internal/notify"
	"github.com/ashureev/outreach/internal/registry"
	"github.com/ashureev/outreach/internal/store"
	"github.com/ashureev/outreach/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event streams and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), logger)
		},
	}
}

func runServe(parent context.Context, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(parent); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	client, err := collab.NewClient(cfg.AgentServiceURL, logger)
	if err != nil {
		return fmt.Errorf("initialize agent service client: %w", err)
	}
	defer client.Close()

	policies := config.NewPolicySet(cfg.StagePolicyFile, cfg.RetryPolicy(), logger)
	if err := policies.Reload(); err != nil {
		return fmt.Errorf("load stage policies: %w", err)
	}

	hub := notify.NewHub(
		notify.WithQueueSize(cfg.EventQueueSize),
		notify.WithReplaySize(cfg.EventReplaySize),
		notify.WithHubLogger(logger),
	)
	records := merge.NewStore(repo)
	wcfg := cfg.Workflow()
	diagnoser := client.Diagnoser()

	reg := registry.New(func(key domain.TenantKey) *workflow.Agent {
		return workflow.New(key, workflow.Deps{
			Repo:      repo,
			Records:   records.Slice(key),
			Gateway:   hub,
			Analysis:  client,
			Strategy:  client,
			Discovery: client,
			Drafts:    client,
			Policies:  policies,
			Diagnoser: diagnoser,
			Logger:    logger,
		}, wcfg)
	},
		registry.WithLogger(logger),
		registry.WithOnRemove(func(key domain.TenantKey) {
			records.Drop(key)
			hub.Forget(key)
		}),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumed, err := reg.ResumeAll(ctx, repo)
	if err != nil {
		return fmt.Errorf("resume campaigns: %w", err)
	}
	slog.Info("Campaigns resumed", "count", resumed)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(originPatterns(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	api.NewHealthHandler(repo, reg.Len).RegisterHealth(r)
	api.NewCampaignHandler(reg, hub, notify.StreamOptions{}, wsOriginPatterns(cfg)).RegisterRoutes(r)

	// SSE connections require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reg.RunSweeper(gctx, cfg.SnapshotInterval, cfg.IdleTTL) })
	g.Go(func() error { return policies.Watch(gctx) })
	g.Go(func() error {
		return health.New(repo, health.WithLogger(logger)).ListenAndServe(gctx, ":"+cfg.GRPCHealthPort)
	})

	err = g.Wait()
	reg.CloseAll()
	hub.Close()
	if err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// originPatterns lists the origins allowed by CORS.
func originPatterns(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// wsOriginPatterns lists the same origins as host patterns for the WebSocket handshake.
func wsOriginPatterns(cfg *config.Config) []string {
	patterns := originPatterns(cfg)
	for i, p := range patterns {
		if u, err := url.Parse(p); err == nil && u.Host != "" {
			patterns[i] = u.Host
		}
	}
	return patterns
}
