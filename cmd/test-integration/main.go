package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/activity"
	"github.com/xwatch/xwatch-bot/internal/cache"
	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/dedup"
	"github.com/xwatch/xwatch-bot/internal/fetch"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
	"github.com/xwatch/xwatch-bot/internal/notifications"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

// consoleNotifier prints deliveries instead of sending them
type consoleNotifier struct {
	formatter *notifications.Formatter
}

func (c *consoleNotifier) Deliver(_ context.Context, item *models.Item) (string, error) {
	fmt.Println("\n" + c.formatter.Plain(item))
	return "console:" + item.ID, nil
}

func (c *consoleNotifier) SendSystemMessage(_ context.Context, text string) error {
	fmt.Printf("🤖 %s\n", text)
	return nil
}

func main() {
	fmt.Println("🧪 xwatch - Local Integration Test")
	fmt.Println("==================================")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	handles := os.Args[1:]
	if len(handles) == 0 {
		log.Fatal("usage: test-integration <handle> [handle...]")
	}

	// Create basic config for testing
	cfg := &config.Config{
		TwitterAPIKey:       os.Getenv("TWITTER_API_KEY"),
		TwitterAPIBaseURL:   "https://api.twitterapi.io",
		UpstreamTimeout:     30 * time.Second,
		UpstreamMinInterval: 200 * time.Millisecond,
		SweepInterval:       3 * time.Hour,
		AccountTimeout:      time.Minute,
		Tiers:               config.DefaultTiers(),
		InitialLookback:     24 * time.Hour,
		SafetyMargin:        2 * time.Minute,
		WatermarkEpsilon:    time.Millisecond,
		MaxLookback:         24 * time.Hour,
		CacheTTL:            2 * time.Minute,
	}
	if cfg.TwitterAPIKey == "" {
		log.Fatal("TWITTER_API_KEY is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Create test services
	dir, err := os.MkdirTemp("", "xwatch-integration-*")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.OpenSQLite(ctx, filepath.Join(dir, "xwatch.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	archive, err := storage.NewLocalBlobStore("test_output")
	if err != nil {
		log.Fatalf("Failed to create archive: %v", err)
	}

	formatter, err := notifications.NewFormatter("UTC")
	if err != nil {
		log.Fatalf("Failed to create formatter: %v", err)
	}

	accountant := usage.NewAccountant(usage.Pricing{PerRequest: 0.00015, Per1KItems: 0.15, Per1KProfiles: 0.18}, nil)
	resultCache := cache.NewMemoryStore(accountant)
	upstream := sources.NewTwitterAPIClient(sources.TwitterAPIConfig{
		APIKey:  cfg.TwitterAPIKey,
		BaseURL: cfg.TwitterAPIBaseURL,
		Timeout: cfg.UpstreamTimeout,
	}, sources.NewRateLimiter(cfg.UpstreamMinInterval), accountant)

	// Create monitoring service
	service := monitoring.NewService(cfg, monitoring.Dependencies{
		Store:    store,
		Blobs:    archive,
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
		Notifier:   &consoleNotifier{formatter: formatter},
	})

	logrus.SetLevel(logrus.WarnLevel)

	for _, handle := range handles {
		account, err := service.TrackAccount(ctx, handle)
		if err != nil {
			fmt.Printf("❌ @%s: %v\n", handle, err)
			continue
		}
		fmt.Printf("✅ Tracking %s (@%s)\n", account.DisplayName, account.Handle)
	}

	fmt.Println("\n🔍 Running one cycle over the last 24 hours...")
	report, err := service.RunCycle(ctx)
	if err != nil {
		log.Fatalf("Cycle failed: %v", err)
	}

	fmt.Println("\n📊 Cycle report")
	printJSON(report)

	fmt.Println("\n🔁 Running a second cycle, which should find nothing new...")
	if report, err = service.ForceSweep(ctx); err != nil {
		log.Fatalf("Second cycle failed: %v", err)
	}
	for _, outcome := range report.Outcomes {
		fmt.Printf("   • @%s: %d fetched, %d new (%s)\n", outcome.Handle, outcome.Fetched, outcome.New, outcome.Method)
	}

	maintenance, err := service.RunMaintenance(ctx)
	if err != nil {
		log.Fatalf("Maintenance failed: %v", err)
	}
	if maintenance.ArchivedUsage != "" {
		fmt.Printf("\n💾 Usage report saved to test_output/%s\n", maintenance.ArchivedUsage)
	}

	fmt.Println("\n✅ Local integration test completed!")
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("⚠️  Could not encode: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
