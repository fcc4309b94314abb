package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/creditledger/internal/api"
	"github.com/punchamoorthee/creditledger/internal/chainfeed"
	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/content"
	"github.com/punchamoorthee/creditledger/internal/docstore"
	"github.com/punchamoorthee/creditledger/internal/logging"
	"github.com/punchamoorthee/creditledger/internal/registry"
	"github.com/punchamoorthee/creditledger/internal/scheduler"
	"github.com/punchamoorthee/creditledger/internal/seen"
	"github.com/punchamoorthee/creditledger/internal/service"
	"github.com/punchamoorthee/creditledger/internal/store"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to open store", zap.Error(err))
	}
	defer st.Close()

	cache, closeCache := openSeenCache(ctx, cfg, logger)
	defer closeCache()

	docs, err := openDocStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to open artifact store", zap.Error(err))
	}
	defer docs.Close()

	// Initialize Layers
	feeds := []service.Feed{
		chainfeed.New(chainfeed.NativeConfig(cfg.Feeds.Native.BaseURL, cfg.Feeds.Native.RequestsPerSecond, cfg.Feeds.Native.Timeout), logger),
		chainfeed.New(chainfeed.TokenConfig(cfg.Feeds.Token.BaseURL, cfg.Prices.TokenRate, cfg.Feeds.Token.RequestsPerSecond, cfg.Feeds.Token.Timeout), logger),
	}
	reconciler := service.NewReconciler(st, feeds, cache, cfg.Reconcile.SweepWorkers, logger)
	defer reconciler.Close()

	provider := content.NewHTTPProvider(content.HTTPConfig{
		BaseURL:           cfg.Content.BaseURL,
		APIKey:            cfg.Content.APIKey,
		Timeout:           cfg.Content.Timeout,
		RequestsPerSecond: cfg.Content.RequestsPerSecond,
	}, logger)

	reg := registry.New(st, logger)
	orch := service.NewOrchestrator(st, reg, provider, docs, service.PipelineConfig{
		PrimaryStage:  cfg.Pipeline.PrimaryStage,
		AssetStages:   cfg.Pipeline.AssetStages,
		AssetFallback: cfg.Pipeline.AssetFallback,
		SectionStage:  cfg.Pipeline.SectionStage,
		JobCost:       cfg.Prices.JobCost,
		SectionCost:   cfg.Prices.SectionCost,
		Workers:       cfg.Pipeline.Workers,
	}, logger)

	// Jobs left RUNNING by a previous process are refunded before serving.
	if n, err := orch.RecoverInterrupted(ctx, 0); err != nil {
		logger.Error("Startup recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recovered interrupted jobs", zap.Int("count", n))
	}

	sched := scheduler.New(ctx, scheduler.Config{
		SweepCron:    cfg.Reconcile.SweepCron,
		RecoverCron:  cfg.Pipeline.RecoverCron,
		RecoverAfter: cfg.Pipeline.RecoverAfter,
		PruneCron:    cfg.Pipeline.PruneCron,
		RetainFor:    cfg.Pipeline.RetainFor,
	}, reconciler, orch, reg, logger)
	if err := sched.RegisterAll(); err != nil {
		logger.Fatal("Failed to register scheduled tasks", zap.Error(err))
	}

	var limiter *api.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = api.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.Burst, logger)
		if _, err := sched.Cron.AddFunc("0 */15 * * * *", limiter.Reset); err != nil {
			logger.Fatal("Failed to schedule rate limiter reset", zap.Error(err))
		}
	}
	sched.Start()

	if cfg.Reconcile.RunOnStart {
		go sched.RunSweepNow()
	}

	handler := api.NewHandler(st, reconciler, orch, docs, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("environment", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	sched.Stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown incomplete", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("Using in-memory store; balances are lost on restart")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Storage.DBSource, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// openSeenCache prefers Redis so replicas share one cache, and falls back
// to process memory when Redis is not configured or unreachable.
func openSeenCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (seen.Cache, func()) {
	if cfg.Redis.Addr == "" {
		return seen.NewMemory(), func() {}
	}
	rc, err := seen.NewRedis(ctx, seen.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn("Redis unavailable, using in-memory seen cache", zap.Error(err))
		return seen.NewMemory(), func() {}
	}
	return rc, func() { _ = rc.Close() }
}

func openDocStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, error) {
	if cfg.DocStore.SQLitePath == "" {
		return docstore.NewNoop(), nil
	}
	return docstore.NewSQLite(ctx, cfg.DocStore.SQLitePath, logger)
}
