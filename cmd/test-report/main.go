package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
	"github.com/xwatch/xwatch-bot/internal/storage"
)

func main() {
	fmt.Println("🤖 xwatch - Usage Report")
	fmt.Println("========================")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	limit := 24
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalf("usage: test-report [count]")
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	blobs, source, err := openArchive(ctx)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}

	reports, err := monitoring.LoadUsageHistory(ctx, blobs, limit)
	if err != nil {
		fmt.Printf("❌ Error loading usage archive: %v\n", err)
		os.Exit(1)
	}
	if len(reports) == 0 {
		fmt.Printf("ℹ️  No usage reports in %s\n", source)
		return
	}

	fmt.Printf("📁 Source: %s\n", source)
	printReport(reports)

	// Save the combined history next to the archive
	if err := saveReportToFile(reports); err != nil {
		fmt.Printf("\n⚠️  Warning: Could not save to file: %v\n", err)
	}
}

func openArchive(ctx context.Context) (storage.BlobStore, string, error) {
	if account := os.Getenv("AZURE_STORAGE_ACCOUNT"); account != "" {
		container := os.Getenv("AZURE_STORAGE_CONTAINER")
		if container == "" {
			container = "usage-reports"
		}
		store, err := storage.NewAzureBlobStore(ctx, account, container)
		return store, fmt.Sprintf("azure://%s/%s", account, container), err
	}

	dir := os.Getenv("ARCHIVE_DIR")
	if dir == "" {
		dir = "test_output"
	}
	store, err := storage.NewLocalBlobStore(dir)
	return store, dir, err
}

func printReport(reports []models.UsageReport) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Printf("%-22s %8s %8s %8s %9s %10s\n", "Generated", "Calls", "Avoided", "Fallback", "Savings", "Cost")
	fmt.Println(strings.Repeat("-", 70))

	for _, r := range reports {
		fmt.Printf("%-22s %8d %8d %8d %8.0f%% %10s\n",
			r.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"),
			r.TotalCalls, r.TotalAvoided, r.FallbackCalls, r.SavingsRatio*100,
			fmt.Sprintf("$%.4f", r.EstimatedCost))
	}

	latest := reports[0]
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("\n📈 Latest report (%s, counting since %s)\n", humanize.Time(latest.GeneratedAt), latest.Since.UTC().Format(time.RFC3339))
	fmt.Printf("   Items fetched:    %s\n", humanize.Comma(latest.ItemsFetched))
	fmt.Printf("   Profiles fetched: %s\n", humanize.Comma(latest.ProfilesFetched))

	printBreakdown("Calls made", latest.CallsMade)
	printBreakdown("Calls avoided", latest.CallsAvoided)

	fmt.Printf("\n💰 Estimated cost $%.4f, saved $%.4f\n", latest.EstimatedCost, latest.EstimatedSavings)
}

func printBreakdown(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\n📍 %s:\n", title)
	for _, k := range keys {
		fmt.Printf("   • %-15s %d\n", k+":", counts[k])
	}
}

func saveReportToFile(reports []models.UsageReport) error {
	dir := "test_output"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	timestamp := time.Now().UTC().Format("2006-01-02_15-04-05")
	filename := filepath.Join(dir, fmt.Sprintf("usage_history_%s.json", timestamp))

	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return err
	}

	fmt.Printf("\n💾 History saved to: %s\n", filename)
	return nil
}
