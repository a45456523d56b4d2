package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/cache"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/sources"
)

const (
	sinceLayout = "2006-01-02_15:04:05"

	// maxIncrementalPages caps cursor-following on a single incremental query
	maxIncrementalPages = 5
)

// ItemLookup resolves stored items; used to derive the watermark from the last-seen item
type ItemLookup interface {
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
}

// Config holds the watermark and cache windows
type Config struct {
	InitialLookback time.Duration
	SafetyMargin    time.Duration
	Epsilon         time.Duration
	MaxLookback     time.Duration
	CacheTTL        time.Duration
}

// backfill is a window whose older pages were cut off by the page limit
type backfill struct {
	until time.Time   // exclusive upper bound of the next range query
	high  models.Item // newest item of the truncated window
}

// Strategy fetches new items for an account, preferring the cheap incremental query
type Strategy struct {
	upstream sources.Upstream
	items    ItemLookup
	cache    cache.Store
	cfg      Config
	now      func() time.Time

	mu        sync.Mutex
	backfills map[string]backfill
}

// NewStrategy creates a fetch strategy
func NewStrategy(upstream sources.Upstream, items ItemLookup, store cache.Store, cfg Config) *Strategy {
	return &Strategy{
		upstream:  upstream,
		items:     items,
		cache:     store,
		cfg:       cfg,
		now:       time.Now,
		backfills: make(map[string]backfill),
	}
}

// BuildSinceQuery renders the incremental search query for handle. The timestamp is always emitted in UTC.
func BuildSinceQuery(handle string, watermark time.Time) string {
	return fmt.Sprintf("from:%s since:%s_UTC", handle, watermark.UTC().Format(sinceLayout))
}

// BuildRangeQuery renders an incremental query bounded above by until
func BuildRangeQuery(handle string, since, until time.Time) string {
	return fmt.Sprintf("%s until:%s_UTC", BuildSinceQuery(handle, since), until.UTC().Format(sinceLayout))
}

// Forget drops any pending backfill for the account
func (s *Strategy) Forget(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backfills, accountID)
}

// ComputeWatermark derives the instant after which items count as new.
// It returns the watermark, how it was derived and, when known, the creation time of the last-seen item.
func (s *Strategy) ComputeWatermark(ctx context.Context, account *models.TrackedAccount) (time.Time, models.WatermarkSource, *time.Time) {
	now := s.now().UTC()
	floor := now.Add(-s.cfg.MaxLookback)

	var (
		watermark  time.Time
		source     models.WatermarkSource
		lastSeenAt *time.Time
	)

	if account.LastSeenItemID != "" {
		item, err := s.items.GetItem(ctx, account.LastSeenItemID)
		if err == nil {
			created := item.CreatedAt.UTC()
			lastSeenAt = &created
			watermark = created.Add(s.cfg.Epsilon)
			source = models.WatermarkLastSeenItem
		} else {
			logrus.WithFields(logrus.Fields{
				"account": account.Handle,
				"item_id": account.LastSeenItemID,
				"error":   err,
			}).Warn("Last seen item not resolvable, deriving watermark from last check")
		}
	}

	if source == "" && account.LastCheckTime != nil {
		watermark = account.LastCheckTime.UTC().Add(-s.cfg.SafetyMargin)
		source = models.WatermarkLastCheck
	}

	if source == "" {
		watermark = now.Add(-s.cfg.InitialLookback)
		source = models.WatermarkLookback
	}

	if s.cfg.MaxLookback > 0 && watermark.Before(floor) {
		watermark = floor
	}

	return watermark, source, lastSeenAt
}

// Fetch computes the account's watermark and fetches everything newer than it
func (s *Strategy) Fetch(ctx context.Context, account *models.TrackedAccount) (*models.FetchResult, error) {
	watermark, source, lastSeenAt := s.ComputeWatermark(ctx, account)

	result, err := s.FetchSince(ctx, account, watermark)
	if err != nil {
		return nil, err
	}

	result.WatermarkSource = source
	result.LastSeenAt = lastSeenAt
	return result, nil
}

// FetchSince returns items created strictly after watermark. The incremental query is tried first;
// on failure the broader recent-items call is used and the result is tagged as a fallback.
//
// When the page limit cuts a window short the result is marked partial and later calls
// query the missing range below the oldest item seen, until the gap is closed.
func (s *Strategy) FetchSince(ctx context.Context, account *models.TrackedAccount, watermark time.Time) (*models.FetchResult, error) {
	watermark = watermark.UTC()

	s.mu.Lock()
	pending, resuming := s.backfills[account.ID]
	s.mu.Unlock()

	query := BuildSinceQuery(account.Handle, watermark)
	if resuming {
		query = BuildRangeQuery(account.Handle, watermark, pending.until)
	}

	items, cached, truncated, err := s.incremental(ctx, account, query)
	if err == nil {
		result := &models.FetchResult{
			Items:     filterAfter(items, watermark),
			Method:    models.MethodIncremental,
			Watermark: watermark,
			Cached:    cached,
		}
		s.settleBackfill(account, result, items, pending, resuming, truncated)
		return result, nil
	}

	if ctx.Err() != nil || errors.Is(err, sources.ErrUnauthorized) {
		return nil, fmt.Errorf("incremental fetch for %s failed: %w", account.Handle, err)
	}

	logrus.WithFields(logrus.Fields{
		"account": account.Handle,
		"query":   query,
		"error":   err,
	}).Warn("Incremental fetch failed, falling back to recent items")

	items, cached, partial, fbErr := s.fallback(ctx, account, watermark)
	if fbErr != nil {
		return nil, errors.Join(
			fmt.Errorf("incremental fetch for %s failed: %w", account.Handle, err),
			fmt.Errorf("fallback fetch for %s failed: %w", account.Handle, fbErr),
		)
	}

	// Recent items never cover a pending backfill range
	return &models.FetchResult{
		Items:     filterAfter(items, watermark),
		Method:    models.MethodFallback,
		Watermark: watermark,
		Cached:    cached,
		Partial:   partial || resuming,
	}, nil
}

// settleBackfill records or clears the account's backfill after an incremental fetch.
// raw holds every returned item, including those at or below the watermark.
func (s *Strategy) settleBackfill(account *models.TrackedAccount, result *models.FetchResult, raw []models.Item, pending backfill, resuming, truncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := models.Oldest(raw)
	if oldest == nil || !oldest.CreatedAt.After(result.Watermark) {
		// the pages reached the watermark, so the window is complete
		truncated = false
	}

	if !truncated {
		if resuming {
			delete(s.backfills, account.ID)
			high := pending.high
			result.HighWater = &high
		}
		return
	}

	next := backfill{until: oldest.CreatedAt.UTC().Truncate(time.Second).Add(time.Second)}
	if resuming {
		next.high = pending.high
	} else {
		next.high = *models.Newest(raw)
	}

	log := logrus.WithFields(logrus.Fields{
		"account": account.Handle,
		"pages":   maxIncrementalPages,
		"until":   next.until.Format(time.RFC3339),
	})

	if resuming && !next.until.Before(pending.until) {
		// More items share one second than the page limit can hold
		log.Error("Backfill made no progress, giving up on the remaining range")
		delete(s.backfills, account.ID)
		high := pending.high
		result.HighWater = &high
		return
	}

	s.backfills[account.ID] = next
	result.Partial = true
	log.Warn("Page limit reached, older items will be backfilled")
}

// incremental follows cursors up to the page limit. truncated reports that pages were left unread;
// truncated results are not cached.
func (s *Strategy) incremental(ctx context.Context, account *models.TrackedAccount, query string) (items []models.Item, cached, truncated bool, err error) {
	key := cache.Key(account.Handle, models.MethodIncremental, query)
	if hit, ok := s.cache.Get(ctx, key); ok {
		return hit, true, false, nil
	}

	var cursor string
	for page := 0; page < maxIncrementalPages; page++ {
		result, err := s.upstream.FetchItemsSince(ctx, query, cursor)
		if err != nil {
			return nil, false, false, err
		}
		items = append(items, stamp(result.Items, account)...)

		if !result.HasMore || result.NextCursor == "" {
			cursor = ""
			break
		}
		cursor = result.NextCursor
	}

	if cursor != "" {
		return items, false, true, nil
	}

	s.cache.Put(ctx, key, items, s.cfg.CacheTTL)
	return items, false, false, nil
}

// fallback lists the most recent items. partial reports that the page did not reach back to the watermark.
func (s *Strategy) fallback(ctx context.Context, account *models.TrackedAccount, watermark time.Time) (items []models.Item, cached, partial bool, err error) {
	key := cache.Key(account.Handle, models.MethodFallback, "")
	if hit, ok := s.cache.Get(ctx, key); ok {
		return hit, true, false, nil
	}

	page, err := s.upstream.FetchRecentItems(ctx, account.Handle, "")
	if err != nil {
		return nil, false, false, err
	}

	items = stamp(page.Items, account)
	if oldest := models.Oldest(items); page.HasMore && oldest != nil && oldest.CreatedAt.After(watermark) {
		return items, false, true, nil
	}

	s.cache.Put(ctx, key, items, s.cfg.CacheTTL)
	return items, false, false, nil
}

// stamp attributes items to the tracked account
func stamp(items []models.Item, account *models.TrackedAccount) []models.Item {
	for i := range items {
		items[i].AccountID = account.ID
		if items[i].Handle == "" {
			items[i].Handle = account.Handle
		}
		if items[i].DisplayName == "" {
			items[i].DisplayName = account.DisplayName
		}
	}
	return items
}

func filterAfter(items []models.Item, watermark time.Time) []models.Item {
	filtered := make([]models.Item, 0, len(items))
	for _, item := range items {
		if item.CreatedAt.After(watermark) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
