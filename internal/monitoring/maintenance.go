package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/storage"
)

const (
	usageArchivePrefix = "usage/"
	// maxUsageArchives is a month of hourly reports
	maxUsageArchives = 720
)

// RunMaintenance resets drifted accounts, prunes state of untracked accounts,
// purges expired cache entries and archives the usage report when blob storage is configured.
func (s *Service) RunMaintenance(ctx context.Context) (*models.MaintenanceReport, error) {
	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked accounts: %w", err)
	}

	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}

	report := &models.MaintenanceReport{RanAt: s.now().UTC()}
	report.StatesReset, report.StatesPruned = s.tracker.Maintain(ids)
	report.CachePurged = s.cache.Purge(ctx)

	if s.blobs != nil {
		name, err := s.archiveUsage(ctx)
		if err != nil {
			logrus.WithError(err).Error("Failed to archive usage report")
		} else {
			report.ArchivedUsage = name
		}
	}

	s.mu.Lock()
	s.lastMaintenance = report
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"states_reset":  report.StatesReset,
		"states_pruned": report.StatesPruned,
		"cache_purged":  report.CachePurged,
		"archived":      report.ArchivedUsage,
	}).Info("Maintenance completed")

	return report, nil
}

func (s *Service) archiveUsage(ctx context.Context) (string, error) {
	usage := s.usage.Report()
	data, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal usage report: %w", err)
	}

	name := fmt.Sprintf("%susage-%s.json", usageArchivePrefix, usage.GeneratedAt.UTC().Format("20060102T150405Z"))
	if err := s.blobs.Store(ctx, name, data); err != nil {
		return "", err
	}

	if err := pruneArchives(ctx, s.blobs, maxUsageArchives); err != nil {
		logrus.WithError(err).Warn("Failed to prune usage archives")
	}
	return name, nil
}

func pruneArchives(ctx context.Context, blobs storage.BlobStore, keep int) error {
	names, err := blobs.List(ctx, usageArchivePrefix)
	if err != nil {
		return err
	}
	sort.Strings(names)

	for len(names) > keep {
		if err := blobs.Delete(ctx, names[0]); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// UsageHistory returns up to limit archived usage reports, newest first
func (s *Service) UsageHistory(ctx context.Context, limit int) ([]models.UsageReport, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("usage archive is not configured")
	}
	return LoadUsageHistory(ctx, s.blobs, limit)
}

// LoadUsageHistory reads archived usage reports from blobs, newest first.
// A limit of zero or less returns every report.
func LoadUsageHistory(ctx context.Context, blobs storage.BlobStore, limit int) ([]models.UsageReport, error) {
	names, err := blobs.List(ctx, usageArchivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage archives: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	reports := make([]models.UsageReport, 0, len(names))
	for _, name := range names {
		data, err := blobs.Retrieve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var report models.UsageReport
		if err := json.Unmarshal(data, &report); err != nil {
			logrus.WithError(err).WithField("blob", name).Warn("Skipping unreadable usage archive")
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// LastMaintenance returns the most recent maintenance report, if any
func (s *Service) LastMaintenance() *models.MaintenanceReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMaintenance
}
