package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/fetch"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

func main() {
	fmt.Println("🔍 xwatch - Upstream API Test")
	fmt.Println("=============================")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	handle := cfg.CredentialProbeHandle
	if len(os.Args) > 1 {
		handle = sources.NormalizeHandle(os.Args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	accountant := usage.NewAccountant(usage.Pricing{
		PerRequest:    cfg.PricePerRequest,
		Per1KItems:    cfg.PricePer1KItems,
		Per1KProfiles: cfg.PricePer1KProfiles,
	}, nil)
	client := sources.NewTwitterAPIClient(sources.TwitterAPIConfig{
		APIKey:  cfg.TwitterAPIKey,
		BaseURL: cfg.TwitterAPIBaseURL,
		Timeout: cfg.UpstreamTimeout,
	}, sources.NewRateLimiter(cfg.UpstreamMinInterval), accountant)

	fmt.Printf("\n📡 Testing @%s against %s\n", handle, cfg.TwitterAPIBaseURL)
	fmt.Println(strings.Repeat("-", 40))

	fmt.Print("🔸 Account lookup... ")
	profile, err := client.LookupAccount(ctx, handle)
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ %s (id %s, %d followers)\n", profile.DisplayName, profile.ID, profile.Followers)

	since := time.Now().Add(-cfg.InitialLookback)
	query := fetch.BuildSinceQuery(handle, since)
	fmt.Printf("🔸 Incremental search %q... ", query)
	page, err := client.FetchItemsSince(ctx, query, "")
	printPage(page, err)

	fmt.Print("🔸 Recent items (fallback path)... ")
	page, err = client.FetchRecentItems(ctx, handle, "")
	printPage(page, err)

	fmt.Println("\n📊 Usage")
	report, _ := json.MarshalIndent(accountant.Report(), "", "  ")
	fmt.Println(string(report))

	fmt.Println("\n✅ Upstream API test completed!")
}

func printPage(page *models.Page, err error) {
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}

	fmt.Printf("✅ SUCCESS (%d items, more: %t)\n", len(page.Items), page.HasMore)

	// Show a sample item
	if len(page.Items) > 0 {
		item := page.Items[0]
		fmt.Printf("   📝 Sample [%s]: %q\n", item.CreatedAt.Format(time.RFC3339), truncate(item.Text, 80))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
