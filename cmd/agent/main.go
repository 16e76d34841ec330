// Package main provides the broker protection agent entry point: the job
// queue, the background session scheduler and the local control server.
package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broker-protection/internal/api"
	"github.com/broker-protection/internal/auth"
	"github.com/broker-protection/internal/brokersync"
	"github.com/broker-protection/internal/calculator"
	"github.com/broker-protection/internal/config"
	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/pixel"
	"github.com/broker-protection/internal/queue"
	"github.com/broker-protection/internal/runner"
	"github.com/broker-protection/internal/scheduler"
	"github.com/broker-protection/internal/secrets"
	"github.com/broker-protection/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Connect to Postgres
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	repo := storage.NewProfileQueryRepository(postgres)

	// Pixel sink: structured log always; ClickHouse when configured.
	var pixels pixel.Sink = pixel.NewLogSink(logger)
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()

		chSink, err := pixel.NewClickHouseSink(context.Background(), &pixel.ClickHouseSinkConfig{
			DB:     clickhouse,
			Logger: logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to start ClickHouse pixel sink")
		}
		defer chSink.Close()
		pixels = pixel.MultiSink{pixel.NewLogSink(logger), chSink}
	}

	// Redis backs the broker-feed ETag cache; the agent works without it.
	var redisCache *storage.RedisCache
	if cfg.Database.Redis.Host != "" {
		redisCache, err = storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, broker sync will skip ETag caching")
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	// Secure token store
	if cfg.Secrets.Key == "" {
		logger.Fatal("SECRETS_KEY must be set")
	}
	secretsKey, err := hex.DecodeString(cfg.Secrets.Key)
	if err != nil {
		logger.WithError(err).Fatal("SECRETS_KEY must be hex encoded")
	}
	fileStore, err := secrets.NewFileStore(cfg.Secrets.Dir, secretsKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open secrets store")
	}
	keychain := secrets.NewManager(fileStore, pixels, logger)
	defer keychain.Close()

	tokenStorage := auth.NewTokenStorage(keychain, pixels)
	authenticator := auth.NewTokenAuthenticator(tokenStorage)

	// Broker definition sync
	var syncService *brokersync.Service
	if cfg.BrokerSync.FeedURL != "" {
		syncService, err = brokersync.NewService(&brokersync.ServiceConfig{
			FeedURL:         cfg.BrokerSync.FeedURL,
			Cache:           redisCache,
			Store:           repo,
			MinSyncInterval: cfg.BrokerSync.MinSyncInterval,
			Pixels:          pixels,
			Logger:          logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create broker sync service")
		}
	} else {
		logger.Warn("BROKER_FEED_URL not set, broker definitions will not sync")
	}

	// Automation operator and job runner
	httpOperator, err := runner.NewHTTPOperator(cfg.Operator.URL, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create automation operator")
	}
	operator := runner.NewGuardedOperator(httpOperator, nil)
	jobRunner, err := runner.NewProfileJobRunner(&runner.RunnerConfig{
		Repository:         repo,
		Operator:           operator,
		Logger:             logger,
		RescanInterval:     cfg.Queue.RescanInterval,
		ConfirmInterval:    cfg.Queue.ConfirmInterval,
		ErrorRetryInterval: cfg.Queue.ErrorRetryInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job runner")
	}

	// Job queue
	provider := queue.NewJobProvider(repo, authenticator, logger)
	var willEnqueue func(ctx context.Context) error
	if syncService != nil {
		willEnqueue = syncService.CheckForUpdates
	}
	manager, err := queue.NewManager(&queue.ManagerConfig{
		Provider:    provider,
		Runner:      jobRunner,
		WillEnqueue: willEnqueue,
		Workers:     cfg.Queue.Workers,
		Pixels:      pixels,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create queue manager")
	}

	// Background session scheduler
	sessions, err := scheduler.New(&scheduler.Config{
		Repository: repo,
		Queue:      manager,
		Pixels:     pixels,
		Logger:     logger,
		MinWait:    cfg.Scheduler.MinWait,
		MaxWait:    cfg.Scheduler.MaxWait,
		Budget:     cfg.Scheduler.Budget,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		sessions.Run(ctx)
	}()

	// Control server
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	mismatch := calculator.NewMismatchCalculator(repo, pixels)

	var brokerSyncForAPI api.BrokerSyncer
	if syncService != nil {
		brokerSyncForAPI = syncService
	}
	server := api.NewServer(serverConfig, manager, repo, mismatch, brokerSyncForAPI)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("Control server stopped")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Agent started")

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent...")

	manager.Stop()
	cancel()
	<-schedulerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Control server forced to shut down")
	}

	logger.Info("Agent exited")
}
