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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"smartlog/internal/analyzer"
	"smartlog/internal/api"
	"smartlog/internal/artifacts"
	"smartlog/internal/autofix"
	"smartlog/internal/config"
	"smartlog/internal/contextsync"
	"smartlog/internal/detector"
	"smartlog/internal/escalation"
	"smartlog/internal/ingest"
	"smartlog/internal/query"
	"smartlog/internal/queue"
	"smartlog/internal/session"
	"smartlog/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("smartlog stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	return zapCfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.WithQueryTimeout(cfg.StoreQueryTimeout))
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("database schema: %w", err)
	}

	objects := openObjectStore(ctx, cfg, logger)
	defer objects.Close()

	producer := openProducer(cfg, logger)
	defer producer.Close()

	feed := contextsync.New(producer, objects, contextsync.WithLogger(logger.Named("contextsync")))
	feed.Start(ctx)

	sessions, err := session.NewStore(cfg.SessionRoot,
		session.WithTTL(cfg.SessionTTL),
		session.WithIndex(db),
		session.WithArchiver(session.NewObjectArchiver(objects, "")),
		session.WithLogger(logger.Named("session")),
	)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	patterns := detector.New(sessions, db, detector.WithLogger(logger.Named("detector")))
	analysis := analyzer.New(patterns, analyzer.WithLogger(logger.Named("analyzer")))
	fixer := autofix.New(sessions, db, autofix.WithLogger(logger.Named("autofix")))
	notifier := escalation.New(db, cfg.EscalationWebhookURL, cfg.EscalationAuthHeader, cfg.EscalationCooldownMinutes,
		escalation.WithLogger(logger.Named("escalation")))

	gatewayOpts := []ingest.Option{
		ingest.WithFeed(feed),
		ingest.WithEscalator(notifier),
		ingest.WithTimeout(cfg.IngestTimeout),
		ingest.WithLogger(logger.Named("ingest")),
	}
	if cfg.AutoFixEnabled {
		gatewayOpts = append(gatewayOpts, ingest.WithFixer(fixer))
	}
	gateway := ingest.New(sessions, db, analysis, gatewayOpts...)
	queries := query.New(sessions, db, analysis, patterns, query.WithLogger(logger.Named("query")))

	handler := api.NewHandler(api.Dependencies{
		Ingestor: gateway,
		Queries:  queries,
		Fixer:    fixer,
		Health:   db,
		Users:    db,
		Feed:     feed,
		Logger:   logger.Named("api"),
	}, api.Settings{
		CORSAllowedOrigins:      cfg.CORSAllowedOrigins,
		RateLimitRequestsPerSec: cfg.RateLimitRequestsPerSec,
		RateLimitBurst:          cfg.RateLimitBurst,
		SessionCookieName:       cfg.SessionCookieName,
		SessionHeaderName:       cfg.SessionHeaderName,
		SecureCookies:           cfg.SecureCookies,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("smartlog listening", zap.String("addr", cfg.ListenAddr), zap.Bool("auto_fix", cfg.AutoFixEnabled))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		startMaintenanceLoop(groupCtx, logger.Named("maintenance"), sessions, db, maintenanceSettings{
			interval:              time.Duration(cfg.AutoCleanupIntervalMinutes) * time.Minute,
			sessionRetentionDays:  cfg.SessionRetentionDays,
			activityRetentionDays: cfg.ActivityRetentionDays,
		})
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		if err := feed.Close(shutdownCtx); err != nil {
			logger.Warn("context feed flush failed", zap.Error(err))
		}
		notifier.Wait()
		return nil
	})

	return group.Wait()
}

func openObjectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) artifacts.Store {
	if !cfg.ArchiveEnabled() {
		logger.Info("object store not configured, archive and feed snapshot disabled")
		return artifacts.NewNoopStore()
	}

	s3Store, err := artifacts.NewS3Store(ctx, cfg.ObjectStore())
	if err != nil {
		logger.Warn("object store unavailable, continuing without archive", zap.Error(err))
		return artifacts.NewNoopStore()
	}

	if cfg.ArchiveRetentionDays > 0 {
		lifecycleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := s3Store.EnsureLifecyclePolicy(lifecycleCtx, cfg.ArchiveRetentionDays, []string{"session-archive/"}); err != nil {
			logger.Warn("archive lifecycle policy not applied", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		}
	}
	return s3Store
}

func openProducer(cfg config.Config, logger *zap.Logger) queue.Producer {
	producer, err := queue.NewRedisProducer(cfg.RedisAddr, cfg.ContextFeedStream, cfg.ContextFeedMaxLen)
	if err != nil {
		logger.Warn("context feed unavailable, continuing with noop producer",
			zap.String("redis_addr", cfg.RedisAddr), zap.Error(err))
		return queue.NewNoopProducer()
	}
	return producer
}
