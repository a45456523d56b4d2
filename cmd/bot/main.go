package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/activity"
	"github.com/xwatch/xwatch-bot/internal/api"
	"github.com/xwatch/xwatch-bot/internal/cache"
	"github.com/xwatch/xwatch-bot/internal/commands"
	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/dedup"
	"github.com/xwatch/xwatch-bot/internal/fetch"
	"github.com/xwatch/xwatch-bot/internal/logging"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
	"github.com/xwatch/xwatch-bot/internal/notifications"
	"github.com/xwatch/xwatch-bot/internal/scheduler"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logging.Setup(cfg.Debug, cfg.LogFormat)

	logrus.Info("Starting xwatch bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize persistence
	store, err := openStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	// Usage accounting and Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	accountant := usage.NewAccountant(usage.Pricing{
		PerRequest:    cfg.PricePerRequest,
		Per1KItems:    cfg.PricePer1KItems,
		Per1KProfiles: cfg.PricePer1KProfiles,
	}, usage.NewMetrics(registry))

	// Initialize cache
	resultCache, err := openCache(ctx, cfg, accountant)
	if err != nil {
		logrus.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize upstream source
	upstream := sources.NewTwitterAPIClient(sources.TwitterAPIConfig{
		APIKey:  cfg.TwitterAPIKey,
		BaseURL: cfg.TwitterAPIBaseURL,
		Timeout: cfg.UpstreamTimeout,
	}, sources.NewRateLimiter(cfg.UpstreamMinInterval), accountant)

	if cfg.StartupCredentialCheck {
		if _, err := upstream.LookupAccount(ctx, cfg.CredentialProbeHandle); err != nil {
			if errors.Is(err, sources.ErrUnauthorized) {
				logrus.Fatalf("Upstream rejected the API key: %v", err)
			}
			logrus.Warnf("Credential check failed, continuing: %v", err)
		}
	}

	// Initialize notification services
	var bot *tgbotapi.BotAPI
	var telegram notifications.TelegramAPI
	if cfg.TelegramBotToken != "" {
		bot, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			logrus.Fatalf("Failed to initialize Telegram bot: %v", err)
		}
		bot.Debug = cfg.Debug
		telegram = bot
		logrus.Infof("Authorized on Telegram as @%s", bot.Self.UserName)
	}

	notificationService, err := notifications.NewService(cfg, telegram)
	if err != nil {
		logrus.Fatalf("Failed to initialize notifications: %v", err)
	}

	// Optional archive for usage reports
	blobs, err := openArchive(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize archive storage: %v", err)
	}

	// Initialize monitoring service
	monitoringService := monitoring.NewService(cfg, monitoring.Dependencies{
		Store:    store,
		Blobs:    blobs,
		Upstream: upstream,
		Fetcher: fetch.NewStrategy(upstream, store, resultCache, fetch.Config{
			InitialLookback: cfg.InitialLookback,
			SafetyMargin:    cfg.SafetyMargin,
			Epsilon:         cfg.WatermarkEpsilon,
			MaxLookback:     cfg.MaxLookback,
			CacheTTL:        cfg.CacheTTL,
		}),
		Dedup:      dedup.New(store),
		Tracker:    activity.NewTracker(cfg.Tiers),
		Cache:      resultCache,
		Accountant: accountant,
		Notifier:   notificationService,
	})

	// Initialize scheduler
	schedulerService := scheduler.NewService(cfg, monitoringService)

	// Start scheduler
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	// Operator commands over Telegram
	if bot != nil {
		handler := commands.NewHandler(monitoringService, bot, cfg.TelegramAdminIDs, cfg.TickInterval)
		updateConfig := tgbotapi.NewUpdate(0)
		updateConfig.Timeout = 60
		go handler.Run(ctx, bot.GetUpdatesChan(updateConfig))
	}

	// Set up HTTP server for health checks, metrics and operator routes
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.NewRouter(monitoringService, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if err := notificationService.SendSystemMessage(ctx, fmt.Sprintf("xwatch started, ticking every %s", cfg.TickInterval)); err != nil {
		logrus.Warnf("Failed to send startup message: %v", err)
	}

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()

	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if bot != nil {
		bot.StopReceivingUpdates()
	}

	schedulerService.Stop(shutdownCtx)

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	if err := notificationService.SendSystemMessage(shutdownCtx, "xwatch stopped"); err != nil {
		logrus.Warnf("Failed to send shutdown message: %v", err)
	}

	logrus.Info("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config) (*storage.SQLStore, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return storage.OpenSQLite(ctx, cfg.SQLitePath)
	}
}

// openArchive returns a nil store when no archive is configured
func openArchive(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch {
	case cfg.StorageAccount != "":
		return storage.NewAzureBlobStore(ctx, cfg.StorageAccount, cfg.StorageContainer)
	case cfg.ArchiveDir != "":
		return storage.NewLocalBlobStore(cfg.ArchiveDir)
	default:
		return nil, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, recorder cache.HitRecorder) (cache.Store, error) {
	if cfg.CacheBackend == "redis" {
		return cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, recorder)
	}
	return cache.NewMemoryStore(recorder), nil
}
