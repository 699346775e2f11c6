// Package main provides the CLI entry point for the hookline bridge.
//
// Hookline connects external services (feeds, design tools, code forges,
// plain webhooks) to Matrix rooms through per-room connections configured as
// room state.
//
// # Basic Usage
//
// Start the bridge:
//
//	hookline serve --config hookline.yaml
//
// Check a configuration file without starting:
//
//	hookline validate-config --config hookline.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hookline/hookline/internal/bus"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/connections"
	"github.com/hookline/hookline/internal/feeds"
	"github.com/hookline/hookline/internal/matrix"
	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/internal/provisioning"
	"github.com/hookline/hookline/internal/router"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/internal/webhooks"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hookline",
		Short:        "Hookline - webhook-to-Matrix bridge",
		Long:         "Hookline bridges feeds, design tool comments, repository activity\nand generic webhooks into Matrix rooms.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateConfigCmd(),
	)
	return rootCmd
}

func buildValidateConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check a configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Println("configuration OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "hookline.yaml", "Path to configuration file")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "hookline.yaml", "Path to configuration file")
	return cmd
}

// routerSources lets the feed reader be constructed before the router it
// reads its source list from.
type routerSources struct {
	router *router.Router
}

func (s *routerSources) FeedURLs() []string {
	if s.router == nil {
		return nil
	}
	return s.router.FeedURLs()
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "hookline",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracer(context.Background())

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	// A bridge with no reachable store must not start serving.
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Close()
	logger.Info(ctx, "storage connected", "backend", cfg.Storage.Backend)

	eventBus, err := newBus(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	client, err := matrix.NewClient(cfg.Matrix, store, logger)
	if err != nil {
		return err
	}

	sources := &routerSources{}
	reader := feeds.NewReader(sources, eventBus, store, logger, metrics,
		cfg.Feeds.PollInterval, cfg.Feeds.PollTimeout)

	registry := connections.NewRegistry(connections.Deps{
		Intent:          client,
		Store:           store,
		Config:          cfg,
		Logger:          logger,
		Metrics:         metrics,
		ValidateFeedURL: reader.ValidateURL,
	})
	rtr := router.New(registry, client, logger, metrics, tracer)
	sources.router = rtr

	client.OnStateEvent(registry.EventTypes(), func(ctx context.Context, evt *matrix.StateEvent) {
		rtr.HandleStateEvent(ctx, evt)
	})
	if err := rtr.LoadRooms(ctx); err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}

	var unsubscribes []func()
	for _, topic := range registry.Topics() {
		unsub, err := eventBus.Subscribe(topic, rtr.HandleEvent)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		unsubscribes = append(unsubscribes, unsub)
	}
	defer func() {
		for _, unsub := range unsubscribes {
			unsub()
		}
	}()

	client.StartSync(ctx)
	defer client.Stop()

	if cfg.Feeds.Enabled {
		if err := reader.Start(ctx); err != nil {
			return err
		}
		defer reader.Stop()
	}

	servers := []*http.Server{}

	ingest := webhooks.NewServer(eventBus, store, logger, metrics)
	servers = append(servers, startHTTP(ctx, logger, "webhooks", cfg.Listeners.Webhook, ingest.Handler()))
	if cfg.Listeners.Metrics != "" {
		servers = append(servers, startHTTP(ctx, logger, "metrics", cfg.Listeners.Metrics, promhttp.Handler()))
	}

	if cfg.Provisioning.Enabled {
		sessions := provisioning.NewSessions(cfg.Provisioning.Secret, cfg.Provisioning.SessionTTL, store)
		provAPI := provisioning.NewAPI(sessions, rtr, store, cfg.Provisioning.Secret, logger)
		servers = append(servers, startHTTP(ctx, logger, "provisioning", cfg.Provisioning.Listen, provAPI.Handler()))
	}

	logger.Info(ctx, "bridge started",
		"homeserver", cfg.Matrix.Homeserver,
		"bus", cfg.Bus.Mode,
		"version", version)

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	return nil
}

func newStore(cfg *config.Config) (storage.Provider, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemoryProvider(cfg.Storage.ContextSuffix), nil
	case "sqlite":
		return storage.NewSQLiteProvider(cfg.Storage.DSN, cfg.Storage.ContextSuffix)
	case "postgres":
		return storage.NewPostgresProvider(cfg.Storage.DSN, cfg.Storage.ContextSuffix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newBus(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (bus.Bus, error) {
	switch cfg.Bus.Mode {
	case "local":
		return bus.NewLocalBus(logger, metrics), nil
	case "nats":
		return bus.NewNatsBus(cfg.Bus.URL, logger, metrics)
	default:
		return nil, fmt.Errorf("unknown bus mode %q", cfg.Bus.Mode)
	}
}

func startHTTP(ctx context.Context, logger *observability.Logger, name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(ctx, "listener started", "name", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "listener failed", "name", name, "addr", addr, "error", err)
		}
	}()
	return srv
}
