// dispatchd serves the voxeval dispatch API: worker registration and
// heartbeats, job claim/report, and the console projection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/api"
	"github.com/voxeval/dispatch/catalog"
	"github.com/voxeval/dispatch/engine"
	"github.com/voxeval/dispatch/store"
	"github.com/voxeval/dispatch/store/memory"
	"github.com/voxeval/dispatch/store/postgres"
	redisstore "github.com/voxeval/dispatch/store/redis"
	"github.com/voxeval/dispatch/throttle"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Job dispatch and worker lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *fileConfig) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cat, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("store close failed", slog.String("error", closeErr.Error()))
		}
	}()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	dcfg, err := cfg.dispatchConfig()
	if err != nil {
		return err
	}

	engOpts := []engine.Option{
		engine.WithConfig(dcfg),
		engine.WithLogger(logger),
	}
	if limiter := buildLimiter(cfg); limiter != nil {
		engOpts = append(engOpts, engine.WithLimiter(limiter))
	}

	eng, err := engine.New(st, cat, engOpts...)
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(eng, nil).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatchd listening",
			slog.String("addr", cfg.Listen),
			slog.String("backend", cfg.Store.Backend),
		)
		if serveErr := srv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		_ = eng.Stop(context.Background()) //nolint:errcheck // already failing
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), dcfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	return eng.Stop(shutdownCtx)
}

// openStore builds the configured backend and the catalog it reads.
// Postgres serves as its own catalog (the catalog tables live beside the
// dispatch tables); memory and redis get an in-memory catalog to be seeded
// by the embedding application.
func openStore(ctx context.Context, cfg *fileConfig) (store.Store, catalog.Catalog, error) {
	switch cfg.Store.Backend {
	case "memory":
		cat := catalog.NewMemory()
		return memory.New(memory.WithCatalog(cat)), cat, nil

	case "postgres":
		pg, err := postgres.New(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg, pg, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		cat := catalog.NewMemory()
		return redisstore.New(client, redisstore.WithCatalog(cat)), cat, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildLimiter(cfg *fileConfig) *throttle.Limiter {
	if len(cfg.Throttle) == 0 {
		return nil
	}
	configs := make([]throttle.Config, 0, len(cfg.Throttle))
	for _, t := range cfg.Throttle {
		configs = append(configs, throttle.Config{
			Region:     dispatch.Region(t.Region),
			ClaimRate:  t.ClaimRate,
			ClaimBurst: t.ClaimBurst,
		})
	}
	return throttle.NewLimiter(configs...)
}

func newLogger(cfg *fileConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
