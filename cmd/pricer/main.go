package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tokendex/pricer/internal/cache"
	"github.com/tokendex/pricer/internal/config"
	"github.com/tokendex/pricer/internal/infrastructure/db"
	httpapi "github.com/tokendex/pricer/internal/interfaces/http"
	"github.com/tokendex/pricer/internal/interfaces/http/handlers"
	"github.com/tokendex/pricer/internal/interp"
	"github.com/tokendex/pricer/internal/lifecycle"
	"github.com/tokendex/pricer/internal/oracle"
	"github.com/tokendex/pricer/internal/pipeline"
	"github.com/tokendex/pricer/internal/queue"
)

const (
	appName = "pricer"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Token USD price resolution service",
		Version: version,
		Long: `pricer resolves USD prices for ERC-20 tokens across EVM networks.

Lookups cascade through cache, durable store, upstream oracle and
interpolation; unresolvable requests are queued for deferred fill.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the price resolution server",
		Long:  "Start the HTTP API, queue workers and lifecycle scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store.
	dbManager, err := db.NewManager(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer dbManager.Close()
	repos := dbManager.Repository()

	// Redis, shared by cache and queues.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	metrics := httpapi.NewMetricsRegistry()
	priceCache := cache.New(rdb, cfg.Cache, repos.Stats, metrics)
	oracleClient := oracle.NewAlchemyClient(cfg.Oracle)
	engine := interp.New(repos.Prices, cfg.Interp)

	priceQueue := queue.New(rdb, cfg.App.Name, queue.PriceQueue, cfg.Queue)
	batchQueue := queue.New(rdb, cfg.App.Name, queue.BatchQueue, cfg.Queue)

	resolver := pipeline.NewResolver(priceCache, repos, oracleClient, engine, priceQueue, metrics)
	manager := lifecycle.NewManager(repos, priceCache, oracleClient, batchQueue, metrics.Gatherer(), cfg.Lifecycle, cfg.Retention.Policy())

	priceWorker := queue.NewWorker(priceQueue, cfg.Queue.PriceConcurrency,
		queue.NewPriceWorker(repos, priceCache, oracleClient, engine).Handler())
	batchWorker := queue.NewWorker(batchQueue, cfg.Queue.BatchConcurrency,
		queue.NewBatchWorker(manager, repos.BatchJobs).Handler())

	handlerSet := handlers.New(resolver, repos, priceQueue, batchQueue, priceCache, dbManager, oracleClient)
	server := httpapi.NewServer(cfg.HTTP, handlerSet, metrics)

	priceWorker.Start(ctx)
	batchWorker.Start(ctx)
	manager.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	log.Info().Str("version", version).Int("port", cfg.HTTP.Port).Msg("pricer started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	manager.Stop()
	batchWorker.Stop()
	priceWorker.Stop()

	log.Info().Msg("pricer stopped")
	return nil
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
