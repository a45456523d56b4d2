package fetch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xwatch/xwatch-bot/internal/cache"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

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
	if p := args.Get(0); p != nil {
		return p.(*models.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUpstream) FetchItemsSince(ctx context.Context, query, cursor string) (*models.Page, error) {
	args := m.Called(ctx, query, cursor)
	if p := args.Get(0); p != nil {
		return p.(*models.Page), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockItems is a mock implementation of ItemLookup
type MockItems struct {
	mock.Mock
}

func (m *MockItems) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	args := m.Called(ctx, itemID)
	if i := args.Get(0); i != nil {
		return i.(*models.Item), args.Error(1)
	}
	return nil, args.Error(1)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		InitialLookback: 30 * time.Minute,
		SafetyMargin:    2 * time.Minute,
		Epsilon:         time.Millisecond,
		MaxLookback:     24 * time.Hour,
		CacheTTL:        2 * time.Minute,
	}
}

func newTestStrategy(upstream *MockUpstream, items *MockItems, store cache.Store) *Strategy {
	s := NewStrategy(upstream, items, store, testConfig())
	s.now = func() time.Time { return testNow }
	return s
}

func item(id string, created time.Time) models.Item {
	return models.Item{ID: id, Handle: "alice", CreatedAt: created}
}

func TestBuildSinceQuery(t *testing.T) {
	local := time.FixedZone("UTC+3", 3*60*60)
	wm := time.Date(2026, 3, 1, 15, 4, 5, 900, local)

	assert.Equal(t, "from:alice since:2026-03-01_12:04:05_UTC", BuildSinceQuery("alice", wm))
}

func TestComputeWatermark(t *testing.T) {
	lastCheck := testNow.Add(-10 * time.Minute)
	ancientCheck := testNow.Add(-72 * time.Hour)
	seenAt := testNow.Add(-20 * time.Minute)

	tests := []struct {
		name       string
		account    models.TrackedAccount
		setup      func(*MockItems)
		want       time.Time
		wantSource models.WatermarkSource
	}{
		{
			name:       "first check uses bounded lookback",
			account:    models.TrackedAccount{Handle: "alice"},
			want:       testNow.Add(-30 * time.Minute),
			wantSource: models.WatermarkLookback,
		},
		{
			name:       "last check minus safety margin",
			account:    models.TrackedAccount{Handle: "alice", LastCheckTime: &lastCheck},
			want:       lastCheck.Add(-2 * time.Minute),
			wantSource: models.WatermarkLastCheck,
		},
		{
			name:    "last seen item plus epsilon",
			account: models.TrackedAccount{Handle: "alice", LastSeenItemID: "900", LastCheckTime: &lastCheck},
			setup: func(m *MockItems) {
				m.On("GetItem", mock.Anything, "900").Return(&models.Item{ID: "900", CreatedAt: seenAt}, nil)
			},
			want:       seenAt.Add(time.Millisecond),
			wantSource: models.WatermarkLastSeenItem,
		},
		{
			name:    "unresolvable last seen item falls through",
			account: models.TrackedAccount{Handle: "alice", LastSeenItemID: "900", LastCheckTime: &lastCheck},
			setup: func(m *MockItems) {
				m.On("GetItem", mock.Anything, "900").Return(nil, storage.ErrNotFound)
			},
			want:       lastCheck.Add(-2 * time.Minute),
			wantSource: models.WatermarkLastCheck,
		},
		{
			name:       "clamped to max lookback",
			account:    models.TrackedAccount{Handle: "alice", LastCheckTime: &ancientCheck},
			want:       testNow.Add(-24 * time.Hour),
			wantSource: models.WatermarkLastCheck,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := &MockItems{}
			if tt.setup != nil {
				tt.setup(items)
			}
			s := newTestStrategy(&MockUpstream{}, items, cache.NewMemoryStore(nil))

			got, source, _ := s.ComputeWatermark(context.Background(), &tt.account)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
			assert.Equal(t, tt.wantSource, source)
			items.AssertExpectations(t)
		})
	}
}

func TestFetchSince_IncrementalFiltersWatermark(t *testing.T) {
	upstream := &MockUpstream{}
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(nil))
	account := &models.TrackedAccount{ID: "1", Handle: "alice", DisplayName: "Alice"}
	wm := testNow.Add(-10 * time.Minute)

	upstream.On("FetchItemsSince", mock.Anything, BuildSinceQuery("alice", wm), "").Return(&models.Page{
		Items:      []models.Item{item("3", testNow.Add(-time.Minute)), item("2", wm)},
		HasMore:    true,
		NextCursor: "c1",
	}, nil).Once()
	upstream.On("FetchItemsSince", mock.Anything, BuildSinceQuery("alice", wm), "c1").Return(&models.Page{
		Items: []models.Item{item("1", wm.Add(-time.Second))},
	}, nil).Once()

	result, err := s.FetchSince(context.Background(), account, wm)
	require.NoError(t, err)

	assert.Equal(t, models.MethodIncremental, result.Method)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "3", result.Items[0].ID)
	assert.Equal(t, "1", result.Items[0].AccountID)
	assert.False(t, result.Cached)
	upstream.AssertExpectations(t)
	upstream.AssertNotCalled(t, "FetchRecentItems", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchSince_FallbackOnIncrementalFailure(t *testing.T) {
	upstream := &MockUpstream{}
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(nil))
	account := &models.TrackedAccount{ID: "1", Handle: "alice"}
	wm := testNow.Add(-10 * time.Minute)

	upstream.On("FetchItemsSince", mock.Anything, mock.Anything, "").Return(nil, sources.ErrMalformedResponse)
	upstream.On("FetchRecentItems", mock.Anything, "alice", "").Return(&models.Page{
		Items: []models.Item{item("5", testNow.Add(-time.Minute)), item("4", testNow.Add(-time.Hour))},
	}, nil)

	result, err := s.FetchSince(context.Background(), account, wm)
	require.NoError(t, err)

	assert.Equal(t, models.MethodFallback, result.Method)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "5", result.Items[0].ID)
	upstream.AssertExpectations(t)
}

func TestFetchSince_BothPathsFail(t *testing.T) {
	upstream := &MockUpstream{}
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(nil))

	upstream.On("FetchItemsSince", mock.Anything, mock.Anything, "").Return(nil, sources.ErrUpstreamUnavailable)
	upstream.On("FetchRecentItems", mock.Anything, "alice", "").Return(nil, sources.ErrUpstreamUnavailable)

	_, err := s.FetchSince(context.Background(), &models.TrackedAccount{Handle: "alice"}, testNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, sources.ErrUpstreamUnavailable)
}

func TestFetchSince_NoFallbackOnAuthError(t *testing.T) {
	upstream := &MockUpstream{}
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(nil))

	upstream.On("FetchItemsSince", mock.Anything, mock.Anything, "").Return(nil, sources.ErrUnauthorized)

	_, err := s.FetchSince(context.Background(), &models.TrackedAccount{Handle: "alice"}, testNow)
	assert.ErrorIs(t, err, sources.ErrUnauthorized)
	upstream.AssertNotCalled(t, "FetchRecentItems", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetch_CacheHitAvoidsUpstreamCall(t *testing.T) {
	upstream := &MockUpstream{}
	accountant := usage.NewAccountant(usage.Pricing{}, nil)
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(accountant))
	account := &models.TrackedAccount{ID: "1", Handle: "alice"}

	upstream.On("FetchItemsSince", mock.Anything, mock.Anything, "").Return(&models.Page{
		Items: []models.Item{item("7", testNow.Add(-time.Minute))},
	}, nil).Once()

	first, err := s.Fetch(context.Background(), account)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.Fetch(context.Background(), account)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, models.WatermarkLookback, second.WatermarkSource)

	upstream.AssertNumberOfCalls(t, "FetchItemsSince", 1)
	report := accountant.Report()
	assert.Equal(t, int64(1), report.CallsAvoided[usage.ReasonCache])
}

// pagedNewestFirst serves one item per page, newest first, with a cursor after every page
func pagedNewestFirst(upstream *MockUpstream, query string, items []models.Item) {
	for i := range items {
		cursor := ""
		if i > 0 {
			cursor = fmt.Sprintf("c%d", i)
		}
		upstream.On("FetchItemsSince", mock.Anything, query, cursor).Return(&models.Page{
			Items:      []models.Item{items[i]},
			HasMore:    true,
			NextCursor: fmt.Sprintf("c%d", i+1),
		}, nil).Once()
	}
}

func TestFetchSince_PageLimitHoldsWatermarkAndBackfills(t *testing.T) {
	upstream := &MockUpstream{}
	store := cache.NewMemoryStore(nil)
	s := newTestStrategy(upstream, &MockItems{}, store)
	account := &models.TrackedAccount{ID: "1", Handle: "alice"}
	wm := testNow.Add(-10 * time.Minute)
	ctx := context.Background()

	// six items, one per page; only the newest five fit under the page limit
	var all []models.Item
	for i := 5; i >= 0; i-- {
		all = append(all, item(fmt.Sprintf("10%d", i), testNow.Add(-time.Duration(6-i)*time.Minute)))
	}
	sinceQuery := BuildSinceQuery("alice", wm)
	pagedNewestFirst(upstream, sinceQuery, all[:maxIncrementalPages])

	first, err := s.FetchSince(ctx, account, wm)
	require.NoError(t, err)
	assert.True(t, first.Partial)
	assert.Nil(t, first.HighWater)
	require.Len(t, first.Items, maxIncrementalPages)
	assert.Equal(t, "105", first.Items[0].ID)

	_, cached := store.Get(ctx, cache.Key("alice", models.MethodIncremental, sinceQuery))
	assert.False(t, cached, "truncated results are not cached")

	// the next call asks only for the range below the oldest item seen
	oldestSeen := all[maxIncrementalPages-1]
	rangeQuery := BuildRangeQuery("alice", wm, oldestSeen.CreatedAt.Add(time.Second))
	upstream.On("FetchItemsSince", mock.Anything, rangeQuery, "").Return(&models.Page{
		Items: []models.Item{oldestSeen, all[5]},
	}, nil).Once()

	second, err := s.FetchSince(ctx, account, wm)
	require.NoError(t, err)
	assert.False(t, second.Partial)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "100", second.Items[1].ID)
	require.NotNil(t, second.HighWater)
	assert.Equal(t, "105", second.HighWater.ID)

	// gap closed, back to the plain incremental query
	later := testNow.Add(-time.Minute)
	upstream.On("FetchItemsSince", mock.Anything, BuildSinceQuery("alice", later), "").Return(&models.Page{}, nil).Once()

	third, err := s.FetchSince(ctx, account, later)
	require.NoError(t, err)
	assert.False(t, third.Partial)
	assert.Nil(t, third.HighWater)
	upstream.AssertExpectations(t)
}

func TestBuildRangeQuery(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 1, 12, 30, 1, 0, time.UTC)

	assert.Equal(t, "from:alice since:2026-03-01_12:00:00_UTC until:2026-03-01_12:30:01_UTC", BuildRangeQuery("alice", since, until))
}

func TestFetchSince_ForgetDropsBackfill(t *testing.T) {
	upstream := &MockUpstream{}
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(nil))
	account := &models.TrackedAccount{ID: "1", Handle: "alice"}
	wm := testNow.Add(-time.Hour)
	query := BuildSinceQuery("alice", wm)

	var items []models.Item
	for i := 0; i < maxIncrementalPages; i++ {
		items = append(items, item(fmt.Sprintf("%d", 200-i), testNow.Add(-time.Duration(i+1)*time.Minute)))
	}
	pagedNewestFirst(upstream, query, items)

	result, err := s.FetchSince(context.Background(), account, wm)
	require.NoError(t, err)
	require.True(t, result.Partial)

	s.Forget("1")

	upstream.On("FetchItemsSince", mock.Anything, query, "").Return(&models.Page{Items: items[:1]}, nil).Once()
	result, err = s.FetchSince(context.Background(), account, wm)
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.Nil(t, result.HighWater)
	upstream.AssertExpectations(t)
}

func TestFetchSince_PageLimitReachingWatermarkIsComplete(t *testing.T) {
	upstream := &MockUpstream{}
	s := newTestStrategy(upstream, &MockItems{}, cache.NewMemoryStore(nil))
	account := &models.TrackedAccount{ID: "1", Handle: "alice"}
	wm := testNow.Add(-3 * time.Minute)

	var items []models.Item
	for i := 0; i < maxIncrementalPages; i++ {
		items = append(items, item(fmt.Sprintf("%d", 300-i), testNow.Add(-time.Duration(i+1)*time.Minute)))
	}
	pagedNewestFirst(upstream, BuildSinceQuery("alice", wm), items)

	result, err := s.FetchSince(context.Background(), account, wm)
	require.NoError(t, err)
	assert.False(t, result.Partial, "pages already reached the watermark")
	assert.Len(t, result.Items, 2)
}

func TestFetchSince_FallbackShortOfWatermarkIsPartial(t *testing.T) {
	upstream := &MockUpstream{}
	store := cache.NewMemoryStore(nil)
	s := newTestStrategy(upstream, &MockItems{}, store)
	account := &models.TrackedAccount{ID: "1", Handle: "alice"}
	wm := testNow.Add(-time.Hour)

	upstream.On("FetchItemsSince", mock.Anything, mock.Anything, "").Return(nil, sources.ErrMalformedResponse)
	upstream.On("FetchRecentItems", mock.Anything, "alice", "").Return(&models.Page{
		Items:   []models.Item{item("9", testNow.Add(-time.Minute)), item("8", testNow.Add(-2*time.Minute))},
		HasMore: true,
	}, nil)

	result, err := s.FetchSince(context.Background(), account, wm)
	require.NoError(t, err)
	assert.Equal(t, models.MethodFallback, result.Method)
	assert.True(t, result.Partial)
	assert.Len(t, result.Items, 2)

	_, cached := store.Get(context.Background(), cache.Key("alice", models.MethodFallback, ""))
	assert.False(t, cached)
}
