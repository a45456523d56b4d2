package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xwatch/xwatch-bot/internal/activity"
	"github.com/xwatch/xwatch-bot/internal/cache"
	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/dedup"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

// MockBlobStore is a mock implementation of the blob storage interface
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Store(ctx context.Context, name string, data []byte) error {
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

func (m *MockBlobStore) Retrieve(ctx context.Context, name string) ([]byte, error) {
	args := m.Called(ctx, name)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBlobStore) Delete(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
	mu        sync.Mutex
	delivered []string
}

func (m *MockNotificationService) Deliver(ctx context.Context, item *models.Item) (string, error) {
	m.mu.Lock()
	m.delivered = append(m.delivered, item.ID)
	m.mu.Unlock()
	args := m.Called(ctx, item)
	return args.String(0), args.Error(1)
}

func (m *MockNotificationService) SendSystemMessage(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

func (m *MockNotificationService) Delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered...)
}

// MockFetcher is a mock implementation of Fetcher
type MockFetcher struct {
	mock.Mock
	forgotten []string
}

func (m *MockFetcher) Fetch(ctx context.Context, account *models.TrackedAccount) (*models.FetchResult, error) {
	args := m.Called(ctx, account)
	if r := args.Get(0); r != nil {
		return r.(*models.FetchResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFetcher) Forget(accountID string) {
	m.forgotten = append(m.forgotten, accountID)
}

// MockUpstream is a mock implementation of sources.Upstream
type MockUpstream struct {
	mock.Mock
}

func (m *MockUpstream) LookupAccount(ctx context.Context, handle string) (*models.AccountProfile, error) {
	args := m.Called(ctx, handle)
	if p := args.Get(0); p != nil {
		return p.(*models.AccountProfile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUpstream) FetchRecentItems(ctx context.Context, handle, cursor string) (*models.Page, error) {
	args := m.Called(ctx, handle, cursor)
	return args.Get(0).(*models.Page), args.Error(1)
}

func (m *MockUpstream) FetchItemsSince(ctx context.Context, query, cursor string) (*models.Page, error) {
	args := m.Called(ctx, query, cursor)
	return args.Get(0).(*models.Page), args.Error(1)
}

// fetcherFunc adapts a function to Fetcher
type fetcherFunc func(ctx context.Context, account *models.TrackedAccount) (*models.FetchResult, error)

func (f fetcherFunc) Fetch(ctx context.Context, account *models.TrackedAccount) (*models.FetchResult, error) {
	return f(ctx, account)
}

func (f fetcherFunc) Forget(string) {}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	store      *storage.SQLStore
	tracker    *activity.Tracker
	accountant *usage.Accountant
	notifier   *MockNotificationService
	upstream   *MockUpstream
	blobs      *MockBlobStore
}

func newFixture(t *testing.T, fetcher Fetcher) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "xwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Tiers:          config.DefaultTiers(),
		SweepInterval:  3 * time.Hour,
		AccountTimeout: time.Minute,
	}
	f := &fixture{
		store:      store,
		tracker:    activity.NewTracker(cfg.Tiers),
		accountant: usage.NewAccountant(usage.Pricing{PerRequest: 0.00015}, nil),
		notifier:   &MockNotificationService{},
		upstream:   &MockUpstream{},
		blobs:      &MockBlobStore{},
	}
	f.notifier.On("Deliver", mock.Anything, mock.Anything).Return("telegram:1", nil).Maybe()

	f.svc = NewService(cfg, Dependencies{
		Store:      store,
		Blobs:      f.blobs,
		Upstream:   f.upstream,
		Fetcher:    fetcher,
		Dedup:      dedup.New(store),
		Tracker:    f.tracker,
		Cache:      cache.NewMemoryStore(f.accountant),
		Accountant: f.accountant,
		Notifier:   f.notifier,
	})
	return f
}

func (f *fixture) addAccount(t *testing.T, id, handle string) {
	t.Helper()
	require.NoError(t, f.store.CreateAccount(context.Background(), &models.TrackedAccount{ID: id, Handle: handle}))
}

func (f *fixture) watermark(t *testing.T, handle string) string {
	t.Helper()
	account, err := f.store.GetAccountByHandle(context.Background(), handle)
	require.NoError(t, err)
	return account.LastSeenItemID
}

func newItem(id, handle string, offset time.Duration) models.Item {
	return models.Item{ID: id, Handle: handle, Text: "post " + id, CreatedAt: base.Add(offset)}
}

func incremental(items ...models.Item) *models.FetchResult {
	return &models.FetchResult{Items: items, Method: models.MethodIncremental}
}

func TestRunCycle_OverlapGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(incremental(), nil).Once()

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.RunCycle(context.Background())
		assert.NoError(t, err)
	}()

	<-started
	assert.True(t, f.svc.Busy())

	report, err := f.svc.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Nil(t, report)

	close(release)
	wg.Wait()

	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
	assert.False(t, f.svc.Busy())
	assert.Contains(t, f.svc.GetMetrics(), `"skipped_cycles": 1`)
}

func TestCheck_OverlappingFetchDeliversOnlyNewItem(t *testing.T) {
	a := newItem("1001", "alice", time.Minute)
	b := newItem("1002", "alice", 2*time.Minute)
	c := newItem("1003", "alice", 3*time.Minute)

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(incremental(b, a), nil).Once()
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(incremental(c, b, a), nil).Once()

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	report, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, 2, report.Outcomes[0].Delivered)
	assert.Equal(t, "1002", f.watermark(t, "alice"))
	// delivered oldest first
	assert.Equal(t, []string{"1001", "1002"}, f.notifier.Delivered())

	outcome, err := f.svc.ForceCheck(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Fetched)
	assert.Equal(t, 1, outcome.New)
	assert.Equal(t, 1, outcome.Delivered)
	assert.Equal(t, []string{"1001", "1002", "1003"}, f.notifier.Delivered())
	assert.Equal(t, "1003", f.watermark(t, "alice"))

	stored, err := f.store.GetItem(ctx, "1003")
	require.NoError(t, err)
	assert.True(t, stored.Delivered)
	assert.Equal(t, "telegram:1", stored.DeliveryRef)
	assert.Equal(t, "1", stored.AccountID)
}

func TestCheck_WatermarkIsMonotonic(t *testing.T) {
	steps := [][]models.Item{
		{newItem("100", "alice", 10*time.Minute)},
		{newItem("90", "alice", 5*time.Minute)},
		{},
		{newItem("100", "alice", 10*time.Minute)},
		{newItem("300", "alice", 30*time.Minute), newItem("250", "alice", 25*time.Minute)},
		{newItem("200", "alice", 20*time.Minute)},
		{newItem("250", "alice", 25*time.Minute)},
	}

	var f *fixture
	step := 0
	fetcher := fetcherFunc(func(ctx context.Context, account *models.TrackedAccount) (*models.FetchResult, error) {
		result := incremental(steps[step]...)
		step++
		if account.LastSeenItemID != "" {
			seen, err := f.store.GetItem(ctx, account.LastSeenItemID)
			if err != nil {
				return nil, err
			}
			result.LastSeenAt = &seen.CreatedAt
		}
		return result, nil
	})

	f = newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	var previous time.Time
	for range steps {
		_, err := f.svc.ForceCheck(ctx, "alice")
		require.NoError(t, err)

		wm := f.watermark(t, "alice")
		require.NotEmpty(t, wm)
		item, err := f.store.GetItem(ctx, wm)
		require.NoError(t, err)
		assert.False(t, item.CreatedAt.Before(previous), "watermark regressed to %s", wm)
		previous = item.CreatedAt
	}

	assert.Equal(t, "300", f.watermark(t, "alice"))
}

func TestCheck_WatermarkHeldOnPersistenceFailure(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(incremental(newItem("500", "alice", time.Minute)), nil)

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	f.svc.dedup = dedupFunc(func(ctx context.Context, items []models.Item) ([]models.Item, error) {
		return nil, errors.New("database is locked")
	})

	outcome, err := f.svc.ForceCheck(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, 0, outcome.Delivered)
	assert.Empty(t, f.watermark(t, "alice"))
	assert.Empty(t, f.notifier.Delivered())
}

type dedupFunc func(ctx context.Context, items []models.Item) ([]models.Item, error)

func (d dedupFunc) FilterNew(ctx context.Context, items []models.Item) ([]models.Item, error) {
	return d(ctx, items)
}

func TestRunCycle_PerAccountIsolation(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(a *models.TrackedAccount) bool { return a.Handle == "alice" })).
		Return(nil, sources.ErrUpstreamUnavailable)
	fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(a *models.TrackedAccount) bool { return a.Handle == "bob" })).
		Return(incremental(newItem("700", "bob", time.Minute)), nil)

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	f.addAccount(t, "2", "bob")

	report, err := f.svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Outcomes, 2)
	assert.NotEmpty(t, report.Outcomes[0].Error)
	assert.Equal(t, 1, report.Outcomes[1].Delivered)
	assert.Equal(t, "700", f.watermark(t, "bob"))

	// failed account keeps no state and is due again on the next tick
	_, ok := f.tracker.Get("1")
	assert.False(t, ok)
	assert.True(t, f.tracker.ShouldPoll("1", false))
}

func TestRunCycle_PermanentFailureBacksOff(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, sources.ErrMalformedResponse)

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	report, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	state, ok := f.tracker.Get("1")
	require.True(t, ok)
	assert.Equal(t, 1, state.Failures)
	assert.False(t, f.tracker.ShouldPoll("1", false))

	second, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Due)
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestCheck_PartialFetchHoldsWatermark(t *testing.T) {
	high := newItem("905", "alice", 5*time.Minute)
	gap := newItem("901", "alice", time.Minute)

	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(&models.FetchResult{
		Items:   []models.Item{high},
		Method:  models.MethodIncremental,
		Partial: true,
	}, nil).Once()
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(&models.FetchResult{
		Items:     []models.Item{gap},
		Method:    models.MethodIncremental,
		HighWater: &high,
	}, nil).Once()

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	outcome, err := f.svc.ForceCheck(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Delivered)
	assert.Empty(t, f.watermark(t, "alice"))

	account, err := f.store.GetAccountByHandle(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, account.LastCheckTime, "last check is not recorded while older items are pending")

	// the backfill delivers the gap and moves the marker to the newest item of the window
	outcome, err = f.svc.ForceCheck(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Delivered)
	assert.Equal(t, "905", f.watermark(t, "alice"))
	assert.Equal(t, []string{"905", "901"}, f.notifier.Delivered())

	account, err = f.store.GetAccountByHandle(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, account.LastCheckTime)
}

func TestRunCycle_SkipsAccountsNotDueUntilSweep(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(incremental(), nil)

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	first, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Due)
	assert.False(t, first.Sweep)

	second, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Due)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, int64(1), f.accountant.Report().CallsAvoided[usage.ReasonSkipped])

	swept, err := f.svc.ForceSweep(ctx)
	require.NoError(t, err)
	assert.True(t, swept.Sweep)
	assert.Equal(t, 1, swept.Due)

	// sweep flag is cleared once the sweep completes
	after, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, after.Sweep)
	assert.Equal(t, 0, after.Due)

	fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestRunCycle_CancelledBeforeStart(t *testing.T) {
	fetcher := &MockFetcher{}
	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.svc.RunCycle(ctx)
	if err != nil {
		// the store may reject a cancelled context before the cycle starts
		assert.ErrorIs(t, err, context.Canceled)
		return
	}
	assert.True(t, report.Cancelled)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestAccountLifecycle(t *testing.T) {
	f := newFixture(t, &MockFetcher{})
	ctx := context.Background()

	f.upstream.On("LookupAccount", mock.Anything, "alice").Return(&models.AccountProfile{
		ID:          "44",
		Handle:      "alice",
		DisplayName: "Alice",
		Followers:   10,
	}, nil)
	f.upstream.On("LookupAccount", mock.Anything, "ghost").Return(nil, sources.ErrAccountNotFound)

	account, err := f.svc.TrackAccount(ctx, "@Alice")
	require.NoError(t, err)
	assert.Equal(t, "44", account.ID)
	assert.Equal(t, "alice", account.Handle)

	_, err = f.svc.TrackAccount(ctx, "alice")
	assert.ErrorIs(t, err, ErrAlreadyTracked)

	_, err = f.svc.TrackAccount(ctx, "ghost")
	assert.ErrorIs(t, err, sources.ErrAccountNotFound)

	refreshed, err := f.svc.RefreshProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, refreshed.Followers)

	statuses, err := f.svc.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Due)

	require.NoError(t, f.svc.UntrackAccount(ctx, "alice"))
	_, err = f.svc.ForceCheck(ctx, "alice")
	assert.ErrorIs(t, err, ErrAccountNotTracked)
	assert.ErrorIs(t, f.svc.UntrackAccount(ctx, "alice"), ErrAccountNotTracked)

	// re-adding reactivates the same account
	account, err = f.svc.TrackAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, account.Active)
}

func TestResetAccount(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(incremental(newItem("800", "alice", time.Minute)), nil)

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	_, err := f.svc.ForceCheck(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "800", f.watermark(t, "alice"))
	_, ok := f.tracker.Get("1")
	require.True(t, ok)

	require.NoError(t, f.svc.ResetAccount(ctx, "alice"))
	assert.Empty(t, f.watermark(t, "alice"))
	assert.Equal(t, []string{"1"}, fetcher.forgotten)
	_, ok = f.tracker.Get("1")
	assert.False(t, ok)

	assert.ErrorIs(t, f.svc.ResetAccount(ctx, "nobody"), ErrAccountNotTracked)
}

func TestRunMaintenance(t *testing.T) {
	f := newFixture(t, &MockFetcher{})
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	f.svc.tracker = activity.NewTracker(config.TierConfig{
		Active: time.Minute, Normal: 2 * time.Minute, Inactive: 3 * time.Minute, Dormant: 4 * time.Minute,
		ActiveWindow: time.Hour, NormalWindow: 2 * time.Hour,
		EmptyLow: 1, EmptyHigh: 2, DriftCeiling: 3,
	})
	for i := 0; i < 5; i++ {
		f.svc.tracker.RecordOutcome("1", nil)
	}
	f.svc.tracker.RecordOutcome("gone", nil)

	f.blobs.On("Store", mock.Anything, mock.MatchedBy(func(name string) bool {
		return strings.HasPrefix(name, "usage/usage-") && strings.HasSuffix(name, ".json")
	}), mock.Anything).Return(nil)
	f.blobs.On("List", mock.Anything, "usage/").Return([]string{"usage/usage-20260301T120000Z.json"}, nil)

	report, err := f.svc.RunMaintenance(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.StatesReset)
	assert.Equal(t, 1, report.StatesPruned)
	assert.NotEmpty(t, report.ArchivedUsage)
	assert.Equal(t, report, f.svc.LastMaintenance())

	state, ok := f.svc.tracker.Get("1")
	require.True(t, ok)
	assert.Equal(t, activity.TierNormal, state.Tier)
	assert.Equal(t, 0, state.EmptyCheckCount)
	f.blobs.AssertExpectations(t)
}

func TestPruneArchives(t *testing.T) {
	blobs := &MockBlobStore{}
	blobs.On("List", mock.Anything, "usage/").Return([]string{
		"usage/usage-20260303T000000Z.json",
		"usage/usage-20260301T000000Z.json",
		"usage/usage-20260302T000000Z.json",
	}, nil)
	blobs.On("Delete", mock.Anything, "usage/usage-20260301T000000Z.json").Return(nil)

	require.NoError(t, pruneArchives(context.Background(), blobs, 2))
	blobs.AssertExpectations(t)
	blobs.AssertNumberOfCalls(t, "Delete", 1)
}

func TestLoadUsageHistory(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, blobs.Store(ctx, "usage/usage-20260301T000000Z.json", []byte(`{"total_calls":1}`)))
	require.NoError(t, blobs.Store(ctx, "usage/usage-20260302T000000Z.json", []byte(`{"total_calls":2}`)))
	require.NoError(t, blobs.Store(ctx, "usage/usage-20260303T000000Z.json", []byte(`not json`)))

	reports, err := LoadUsageHistory(ctx, blobs, 0)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, int64(2), reports[0].TotalCalls)
	assert.Equal(t, int64(1), reports[1].TotalCalls)

	reports, err = LoadUsageHistory(ctx, blobs, 1)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestReport(t *testing.T) {
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, mock.Anything).Return(incremental(newItem("900", "alice", time.Minute)), nil)

	f := newFixture(t, fetcher)
	f.addAccount(t, "1", "alice")
	ctx := context.Background()

	_, err := f.svc.RunCycle(ctx)
	require.NoError(t, err)

	report, err := f.svc.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrackedActive)
	assert.Equal(t, 1, report.StoredItems)
	assert.Equal(t, 1, report.Distribution[string(activity.TierActive)])
	require.NotNil(t, report.LastCycle)
	assert.Len(t, report.LastCycle.Outcomes, 1)
	assert.False(t, report.CycleInFlight)
}
