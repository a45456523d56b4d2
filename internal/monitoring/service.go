package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/activity"
	"github.com/xwatch/xwatch-bot/internal/cache"
	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/logging"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/notifications"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

// ErrCycleInProgress is returned when a cycle is requested while another one is running
var ErrCycleInProgress = errors.New("cycle already in progress")

// Fetcher retrieves the items an account published since its watermark
type Fetcher interface {
	Fetch(ctx context.Context, account *models.TrackedAccount) (*models.FetchResult, error)
	// Forget drops fetch state kept for the account between checks
	Forget(accountID string)
}

// Deduplicator drops items that are already stored
type Deduplicator interface {
	FilterNew(ctx context.Context, items []models.Item) ([]models.Item, error)
}

// Dependencies are the collaborators the service drives
type Dependencies struct {
	Store      storage.Store
	Blobs      storage.BlobStore // optional
	Upstream   sources.Upstream
	Fetcher    Fetcher
	Dedup      Deduplicator
	Tracker    *activity.Tracker
	Cache      cache.Store
	Accountant *usage.Accountant
	Notifier   notifications.NotificationInterface
}

// Service drives polling cycles over the tracked accounts
type Service struct {
	config   *config.Config
	store    storage.Store
	blobs    storage.BlobStore
	upstream sources.Upstream
	fetcher  Fetcher
	dedup    Deduplicator
	tracker  *activity.Tracker
	cache    cache.Store
	usage    *usage.Accountant
	notifier notifications.NotificationInterface

	busy atomic.Bool
	// checkMu serializes account checks between cycles and operator requests
	checkMu sync.Mutex

	mu              sync.RWMutex
	sweepRequested  bool
	lastSweep       time.Time
	lastCycle       *models.CycleReport
	lastMaintenance *models.MaintenanceReport
	metrics         *Metrics

	now func() time.Time
}

// Metrics holds monitoring metrics
type Metrics struct {
	Cycles          int       `json:"cycles"`
	SkippedCycles   int       `json:"skipped_cycles"`
	Sweeps          int       `json:"sweeps"`
	LastRun         time.Time `json:"last_run"`
	LastRunDuration string    `json:"last_run_duration"`
	AccountsChecked int       `json:"accounts_checked"`
	ItemsStored     int       `json:"items_stored"`
	ItemsDelivered  int       `json:"items_delivered"`
	FallbackFetches int       `json:"fallback_fetches"`
	ErrorCount      int       `json:"error_count"`
}

// NewService creates a new monitoring service
func NewService(cfg *config.Config, deps Dependencies) *Service {
	return &Service{
		config:    cfg,
		store:     deps.Store,
		blobs:     deps.Blobs,
		upstream:  deps.Upstream,
		fetcher:   deps.Fetcher,
		dedup:     deps.Dedup,
		tracker:   deps.Tracker,
		cache:     deps.Cache,
		usage:     deps.Accountant,
		notifier:  deps.Notifier,
		metrics:   &Metrics{},
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// RunCycle checks every due account once. A call made while another cycle is
// running returns ErrCycleInProgress without touching the upstream source.
func (s *Service) RunCycle(ctx context.Context) (*models.CycleReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.metrics.SkippedCycles++
		s.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	defer s.busy.Store(false)

	start := s.now()
	report := &models.CycleReport{
		ID:        uuid.NewString(),
		StartedAt: start.UTC(),
		Sweep:     s.sweepDue(start),
	}
	log := logrus.WithFields(logrus.Fields{"cycle_id": report.ID, "sweep": report.Sweep})

	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		s.recordError()
		return nil, fmt.Errorf("failed to load tracked accounts: %w", err)
	}

	var due []models.TrackedAccount
	for _, account := range accounts {
		if s.tracker.ShouldPoll(account.ID, report.Sweep) {
			due = append(due, account)
		}
	}
	report.Due = len(due)
	report.Skipped = len(accounts) - len(due)
	s.usage.RecordSkipped(report.Skipped)

	log.WithFields(logrus.Fields{"due": report.Due, "skipped": report.Skipped}).Info("Starting cycle")

	for i := range due {
		if i > 0 {
			if err := sleepContext(ctx, s.config.AccountDelay); err != nil {
				report.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		outcome := s.checkAccount(ctx, report.ID, &due[i])
		if outcome.Error != "" {
			report.Failed++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	duration := s.now().Sub(start)
	report.Duration = duration.String()

	s.mu.Lock()
	if report.Sweep && !report.Cancelled {
		s.sweepRequested = false
		s.lastSweep = start
		s.metrics.Sweeps++
	}
	s.lastCycle = report
	s.metrics.Cycles++
	s.metrics.LastRun = start
	s.metrics.LastRunDuration = report.Duration
	s.mu.Unlock()

	s.usage.Metrics().SetTierDistribution(s.tracker.Distribution())
	s.usage.Metrics().ObserveCycle(duration)

	log.WithFields(logrus.Fields{
		"checked":   len(report.Outcomes),
		"failed":    report.Failed,
		"cancelled": report.Cancelled,
		"duration":  report.Duration,
	}).Info("Cycle completed")

	return report, nil
}

// RequestSweep makes the next cycle check every account regardless of its interval
func (s *Service) RequestSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepRequested = true
}

// ForceSweep requests a sweep and runs a cycle immediately
func (s *Service) ForceSweep(ctx context.Context) (*models.CycleReport, error) {
	s.RequestSweep()
	return s.RunCycle(ctx)
}

func (s *Service) sweepDue(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sweepRequested || (s.config.SweepInterval > 0 && now.Sub(s.lastSweep) >= s.config.SweepInterval)
}

// checkAccount runs fetch, dedup, persist, deliver and record for one account.
// Errors are captured in the outcome so one account never aborts the cycle.
func (s *Service) checkAccount(ctx context.Context, cycleID string, account *models.TrackedAccount) models.AccountOutcome {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	log := logging.ForAccount(cycleID, account.Handle)
	outcome := models.AccountOutcome{Handle: account.Handle, Watermark: account.LastSeenItemID}

	// An account in flight finishes even if the cycle is cancelled.
	actx, cancel := s.accountContext(ctx)
	defer cancel()

	result, err := s.fetcher.Fetch(actx, account)
	if err != nil {
		outcome.Error = err.Error()
		s.recordError()
		if retryable(err) {
			log.WithError(err).Error("Fetch failed, will retry next tick")
			return outcome
		}
		state := s.tracker.RecordFailure(account.ID)
		log.WithError(err).WithField("failures", state.Failures).Error("Fetch failed, backing off")
		return outcome
	}
	outcome.Method = result.Method
	outcome.Fetched = len(result.Items)
	for i := range result.Items {
		result.Items[i].AccountID = account.ID
	}

	fresh, err := s.dedup.FilterNew(actx, result.Items)
	complete := err == nil
	if err != nil {
		log.WithError(err).Error("Duplicate check failed")
		outcome.Error = err.Error()
	}

	var stored []models.Item
	for i := range fresh {
		if err := s.store.InsertItem(actx, &fresh[i]); err != nil {
			log.WithError(err).WithField("item_id", fresh[i].ID).Error("Failed to store item")
			outcome.Error = err.Error()
			complete = false
			continue
		}
		stored = append(stored, fresh[i])
	}
	outcome.New = len(stored)

	switch {
	case !complete:
		log.Warn("Watermark held back after a persistence failure")
	case result.Partial:
		log.Warn("Watermark held back, older items pending")
	default:
		if next := s.nextWatermark(account, result, stored); next != nil {
			if err := s.store.UpdateAccountWatermark(actx, account.ID, next.ID); err != nil {
				log.WithError(err).Error("Failed to advance watermark")
				outcome.Error = err.Error()
			} else {
				account.LastSeenItemID = next.ID
				outcome.Watermark = next.ID
			}
		}
	}

	models.SortOldestFirst(stored)
	for i := range stored {
		if i > 0 {
			if err := sleepContext(actx, s.config.DeliveryDelay); err != nil {
				break
			}
		}
		ref, err := s.notifier.Deliver(actx, &stored[i])
		if err != nil {
			log.WithError(err).WithField("item_id", stored[i].ID).Error("Delivery failed")
			continue
		}
		if err := s.store.MarkItemDelivered(actx, stored[i].ID, ref); err != nil {
			log.WithError(err).WithField("item_id", stored[i].ID).Warn("Failed to mark item delivered")
		}
		outcome.Delivered++
	}

	// A partial window must not become the next lower bound
	if !result.Partial {
		checkedAt := s.now().UTC()
		if err := s.store.TouchLastCheck(actx, account.ID, checkedAt); err != nil {
			log.WithError(err).Warn("Failed to record last check time")
		} else {
			account.LastCheckTime = &checkedAt
		}
	}

	state := s.tracker.RecordOutcome(account.ID, fresh)
	outcome.Interval = string(state.Tier)

	s.mu.Lock()
	s.metrics.AccountsChecked++
	s.metrics.ItemsStored += outcome.New
	s.metrics.ItemsDelivered += outcome.Delivered
	if result.Method == models.MethodFallback {
		s.metrics.FallbackFetches++
	}
	if outcome.Error != "" {
		s.metrics.ErrorCount++
	}
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"method":    result.Method,
		"cached":    result.Cached,
		"partial":   result.Partial,
		"fetched":   outcome.Fetched,
		"new":       outcome.New,
		"delivered": outcome.Delivered,
		"tier":      state.Tier,
		"watermark": outcome.Watermark,
	}).Info("Account checked")

	return outcome
}

// nextWatermark picks the item the account's last-seen marker should move to:
// the newest stored item, else the newest returned one, or the high water mark of a
// closed backfill when that is newer. It returns nil when that would not move the marker forward.
func (s *Service) nextWatermark(account *models.TrackedAccount, result *models.FetchResult, stored []models.Item) *models.Item {
	candidate := models.Newest(stored)
	if candidate == nil {
		candidate = models.Newest(result.Items)
	}
	if high := result.HighWater; high != nil && (candidate == nil || high.CreatedAt.After(candidate.CreatedAt)) {
		candidate = high
	}
	if candidate == nil || candidate.ID == account.LastSeenItemID {
		return nil
	}
	if account.LastSeenItemID == "" {
		return candidate
	}

	if result.LastSeenAt != nil {
		if candidate.CreatedAt.After(*result.LastSeenAt) {
			return candidate
		}
		if candidate.CreatedAt.Before(*result.LastSeenAt) {
			return nil
		}
	}
	if idAfter(candidate.ID, account.LastSeenItemID) {
		return candidate
	}
	return nil
}

// retryable reports whether a failed fetch is worth repeating on the next tick
func retryable(err error) bool {
	return sources.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// idAfter compares numeric snowflake ids without parsing them
func idAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func (s *Service) accountContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if s.config.AccountTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, s.config.AccountTimeout)
}

func (s *Service) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.ErrorCount++
}

// Report returns the operational status: tier distribution, last cycle and usage
func (s *Service) Report(ctx context.Context) (*models.StatusReport, error) {
	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked accounts: %w", err)
	}
	items, err := s.store.CountItems(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return &models.StatusReport{
		GeneratedAt:   s.now().UTC(),
		TrackedActive: len(accounts),
		StoredItems:   items,
		Distribution:  s.tracker.Distribution(),
		LastCycle:     s.lastCycle,
		LastSweep:     s.lastSweep.UTC(),
		CycleInFlight: s.busy.Load(),
		Usage:         s.usage.Report(),
	}, nil
}

// Busy reports whether a cycle is running
func (s *Service) Busy() bool {
	return s.busy.Load()
}

// GetMetrics returns current metrics as JSON
func (s *Service) GetMetrics() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, _ := json.MarshalIndent(s.metrics, "", "  ")
	return string(data)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatInterval(d time.Duration) string {
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	if d%time.Minute == 0 {
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
	return d.String()
}
