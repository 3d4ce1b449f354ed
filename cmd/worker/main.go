package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leozw/clan-war-guardian/internal/api"
	"github.com/leozw/clan-war-guardian/internal/api/handlers"
	"github.com/leozw/clan-war-guardian/internal/coc"
	"github.com/leozw/clan-war-guardian/internal/config"
	"github.com/leozw/clan-war-guardian/internal/db"
	"github.com/leozw/clan-war-guardian/internal/keylock"
	"github.com/leozw/clan-war-guardian/internal/metrics"
	"github.com/leozw/clan-war-guardian/internal/notify"
	"github.com/leozw/clan-war-guardian/internal/registry"
	"github.com/leozw/clan-war-guardian/internal/reminders"
	"github.com/leozw/clan-war-guardian/internal/scheduler"
	"github.com/leozw/clan-war-guardian/internal/storage/hybrid"
	"github.com/leozw/clan-war-guardian/internal/storage/jsonfile"
	"github.com/leozw/clan-war-guardian/internal/storage/redis"
	"github.com/leozw/clan-war-guardian/internal/storage/sqldb"
	"github.com/leozw/clan-war-guardian/internal/tenants"
	"github.com/leozw/clan-war-guardian/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.CoC.Token == "" {
		logger.Fatal("COC_API_TOKEN is required")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewCollector(cfg.Mimir, logger)

	// Storage: database first, JSON files while it is unavailable.
	database, err := sqldb.NewConnection(cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	primary := sqldb.NewStore(database)
	if err := primary.Ping(ctx); err != nil {
		logger.Warn("Database unavailable at startup, serving from fallback files", zap.Error(err))
	}

	fallback, err := jsonfile.NewStore(cfg.Fallback.Dir, logger)
	if err != nil {
		logger.Fatal("Failed to open fallback store", zap.Error(err))
	}

	store := hybrid.New(primary, fallback, logger, hybrid.Options{
		Cooldown:    cfg.Fallback.ProbeCooldown,
		MaxCooldown: cfg.Fallback.MaxCooldown,
		Observer:    metricsCollector,
	})
	defer store.Close()

	if err := store.Sync(ctx); err != nil {
		logger.Warn("Failed to mirror database into fallback files", zap.Error(err))
	}

	repo := db.NewRepository(store, logger)

	// Snapshot cache is optional.
	var cache *redis.Client
	if cfg.Redis.URL != "" {
		cache = redis.NewClient(cfg.Redis.URL, cfg.Redis.SnapshotTTL)
		defer cache.Close()
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, status queries will fetch live", zap.Error(err))
		}
	}

	cocClient := coc.NewClient(coc.Config{
		BaseURL:       cfg.CoC.BaseURL,
		Token:         cfg.CoC.Token,
		Timeout:       cfg.CoC.Timeout,
		RatePerSecond: cfg.CoC.RatePerSecond,
		MaxConcurrent: cfg.CoC.MaxConcurrent,
		MaxRetries:    cfg.CoC.MaxRetries,
	}, logger)

	sink, session := newSink(cfg.Discord, logger)
	if session != nil {
		defer session.Close()
	}

	warTracker := tracker.New(cocClient, repo, logger, metricsCollector, cfg.Scheduler.EscalationThreshold)
	reminderService := reminders.NewService(repo, sink, logger, metricsCollector)
	registryService := registry.NewService(repo, logger)

	// A nil *redis.Client must not end up inside the interfaces.
	var (
		snapshotCache scheduler.SnapshotCache
		statusCache   tenants.SnapshotCache
	)
	if cache != nil {
		snapshotCache, statusCache = cache, cache
	}

	// One lock per monitor, shared so commands wait for a running job.
	monitorLocks := keylock.New()

	tenantService := tenants.NewService(repo, registryService, warTracker, reminderService, statusCache, monitorLocks, logger)
	sched := scheduler.NewScheduler(repo, warTracker, reminderService, snapshotCache, monitorLocks, metricsCollector, logger, cfg.Scheduler)

	// First tick right away; the cron trigger takes over afterwards.
	sched.Dispatch(ctx)

	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()

	go metricsCollector.StartRemoteWrite(ctx)

	server := api.NewServer(cfg, handlers.NewHandler(tenantService, store, metricsCollector, logger), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Worker started",
		zap.String("port", cfg.Server.Port),
		zap.Duration("interval", cfg.Scheduler.Interval),
		zap.Bool("discord", session != nil),
		zap.Bool("redis", cache != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("Scheduler did not stop in time")
	}

	logger.Info("Worker exited")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newSink delivers to Discord when a bot token is configured and to the
// log otherwise.
func newSink(cfg config.DiscordConfig, logger *zap.Logger) (notify.Sink, *discordgo.Session) {
	if cfg.Token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, notifications are only logged")
		return notify.NewLogSink(logger), nil
	}

	session, err := notify.NewDiscordSession(cfg.Token)
	if err != nil {
		logger.Fatal("Failed to open Discord session", zap.Error(err))
	}
	return notify.NewDiscordSink(session, logger), session
}
