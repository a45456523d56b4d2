package models

import (
	"fmt"
	"sort"
	"time"
)

// TrackedAccount represents an upstream account the bot polls on behalf of operators
type TrackedAccount struct {
	ID             string     `json:"id"`               // Opaque upstream account id
	Handle         string     `json:"handle"`           // Lowercased, unique
	DisplayName    string     `json:"display_name"`     // Profile name at last refresh
	ProfilePicture string     `json:"profile_picture"`  // Avatar URL
	Description    string     `json:"description"`      // Profile bio
	Location       string     `json:"location"`         // Free-text location
	URL            string     `json:"url"`              // Profile website
	Followers      int        `json:"followers"`        // Follower count
	Following      int        `json:"following"`        // Following count
	StatusesCount  int        `json:"statuses_count"`   // Total posts
	IsBlueVerified bool       `json:"is_blue_verified"` // Paid verification badge
	IsVerified     bool       `json:"is_verified"`      // Legacy verification badge
	Active         bool       `json:"active"`           // Soft-disable flag
	LastSeenItemID string     `json:"last_seen_item_id,omitempty"`
	LastCheckTime  *time.Time `json:"last_check_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AccountProfile is the upstream view of an account returned by a lookup
type AccountProfile struct {
	ID             string    `json:"id"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"display_name"`
	ProfilePicture string    `json:"profile_picture"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	URL            string    `json:"url"`
	Followers      int       `json:"followers"`
	Following      int       `json:"following"`
	StatusesCount  int       `json:"statuses_count"`
	IsBlueVerified bool      `json:"is_blue_verified"`
	IsVerified     bool      `json:"is_verified"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApplyProfile copies profile fields onto the account
func (a *TrackedAccount) ApplyProfile(p *AccountProfile) {
	a.ID = p.ID
	a.DisplayName = p.DisplayName
	a.ProfilePicture = p.ProfilePicture
	a.Description = p.Description
	a.Location = p.Location
	a.URL = p.URL
	a.Followers = p.Followers
	a.Following = p.Following
	a.StatusesCount = p.StatusesCount
	a.IsBlueVerified = p.IsBlueVerified
	a.IsVerified = p.IsVerified
}

// Engagement holds the counters reported alongside an item
type Engagement struct {
	Retweets  int `json:"retweets"`
	Likes     int `json:"likes"`
	Replies   int `json:"replies"`
	Quotes    int `json:"quotes"`
	Views     int `json:"views"`
	Bookmarks int `json:"bookmarks"`
}

// Media is an attachment reference on an item
type Media struct {
	Type        string `json:"type"` // photo, video, animated_gif
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url,omitempty"`
	DisplayURL  string `json:"display_url,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Item is a single post observed for a tracked account
type Item struct {
	ID          string     `json:"id"`         // External identity
	AccountID   string     `json:"account_id"` // Owning account
	Handle      string     `json:"handle"`
	DisplayName string     `json:"display_name"`
	Text        string     `json:"text"`
	Lang        string     `json:"lang,omitempty"`
	IsReply     bool       `json:"is_reply"`
	CreatedAt   time.Time  `json:"created_at"` // Always UTC
	Engagement  Engagement `json:"engagement"`
	Media       []Media    `json:"media,omitempty"`
	Delivered   bool       `json:"delivered"`
	DeliveryRef string     `json:"delivery_ref,omitempty"`
}

// URL returns the public permalink of the item
func (i *Item) URL() string {
	return fmt.Sprintf("https://twitter.com/%s/status/%s", i.Handle, i.ID)
}

// Page is one response from the upstream source
type Page struct {
	Items      []Item `json:"items"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// FetchMethod records which upstream path produced a result
type FetchMethod string

const (
	MethodIncremental FetchMethod = "incremental"
	MethodFallback    FetchMethod = "fallback"
)

// WatermarkSource records how a watermark was derived
type WatermarkSource string

const (
	WatermarkLastSeenItem WatermarkSource = "last_seen_item"
	WatermarkLastCheck    WatermarkSource = "last_check"
	WatermarkLookback     WatermarkSource = "lookback"
)

// FetchResult is the outcome of a fetch for one account
type FetchResult struct {
	Items           []Item          `json:"items"`
	Method          FetchMethod     `json:"method"`
	Watermark       time.Time       `json:"watermark"`
	WatermarkSource WatermarkSource `json:"watermark_source"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty"` // Creation time of the stored last-seen item
	Cached          bool            `json:"cached"`
	// Partial is set when older items inside the window were not retrieved.
	// The watermark must not move past them.
	Partial bool `json:"partial"`
	// HighWater is the newest item seen by the earlier partial fetch whose gap this result closed
	HighWater *Item `json:"high_water,omitempty"`
}

// Newest returns the most recently created item, or nil for an empty slice
func Newest(items []Item) *Item {
	var newest *Item
	for i := range items {
		if newest == nil || items[i].CreatedAt.After(newest.CreatedAt) {
			newest = &items[i]
		}
	}
	return newest
}

// Oldest returns the earliest created item, or nil for an empty slice
func Oldest(items []Item) *Item {
	var oldest *Item
	for i := range items {
		if oldest == nil || items[i].CreatedAt.Before(oldest.CreatedAt) {
			oldest = &items[i]
		}
	}
	return oldest
}

// SortOldestFirst orders items chronologically, breaking ties on id
func SortOldestFirst(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].CreatedAt.Equal(items[b].CreatedAt) {
			return items[a].ID < items[b].ID
		}
		return items[a].CreatedAt.Before(items[b].CreatedAt)
	})
}

// UsageReport summarizes upstream calls made and avoided
type UsageReport struct {
	GeneratedAt      time.Time        `json:"generated_at"`
	Since            time.Time        `json:"since"`
	CallsMade        map[string]int64 `json:"calls_made"`
	TotalCalls       int64            `json:"total_calls"`
	CallsAvoided     map[string]int64 `json:"calls_avoided"`
	TotalAvoided     int64            `json:"total_avoided"`
	FallbackCalls    int64            `json:"fallback_calls"`
	ItemsFetched     int64            `json:"items_fetched"`
	ProfilesFetched  int64            `json:"profiles_fetched"`
	EstimatedCost    float64          `json:"estimated_cost_usd"`
	EstimatedSavings float64          `json:"estimated_savings_usd"`
	SavingsRatio     float64          `json:"savings_ratio"`
}

// StatusReport is returned by the operational report command
type StatusReport struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	TrackedActive int            `json:"tracked_active"`
	StoredItems   int            `json:"stored_items"`
	Distribution  map[string]int `json:"interval_distribution"`
	LastCycle     *CycleReport   `json:"last_cycle,omitempty"`
	LastSweep     time.Time      `json:"last_sweep"`
	CycleInFlight bool           `json:"cycle_in_flight"`
	Usage         UsageReport    `json:"usage"`
}

// AccountOutcome describes what happened to one account during a cycle
type AccountOutcome struct {
	Handle    string      `json:"handle"`
	Method    FetchMethod `json:"method,omitempty"`
	Fetched   int         `json:"fetched"`
	New       int         `json:"new"`
	Delivered int         `json:"delivered"`
	Watermark string      `json:"watermark,omitempty"` // Last-seen item id after the check
	Interval  string      `json:"interval,omitempty"`  // Tier after the check
	Error     string      `json:"error,omitempty"`
}

// CycleReport summarizes one scheduling cycle
type CycleReport struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  string           `json:"duration"`
	Sweep     bool             `json:"sweep"`
	Due       int              `json:"due"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Outcomes  []AccountOutcome `json:"outcomes"`
	Cancelled bool             `json:"cancelled"`
}

// MaintenanceReport summarizes one maintenance pass
type MaintenanceReport struct {
	RanAt         time.Time `json:"ran_at"`
	CachePurged   int       `json:"cache_purged"`
	StatesReset   int       `json:"states_reset"`
	StatesPruned  int       `json:"states_pruned"`
	ArchivedUsage string    `json:"archived_usage,omitempty"`
}
