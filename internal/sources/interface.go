package sources

import (
	"context"

	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/usage"
)

// Upstream is the pull-only content source the scheduler polls
type Upstream interface {
	// LookupAccount resolves a handle to its profile. Returns ErrAccountNotFound for unknown handles.
	LookupAccount(ctx context.Context, handle string) (*models.AccountProfile, error)
	// FetchRecentItems lists the account's most recent items without a time filter
	FetchRecentItems(ctx context.Context, handle, cursor string) (*models.Page, error)
	// FetchItemsSince runs a search query that embeds account scope and a UTC timestamp
	FetchItemsSince(ctx context.Context, query, cursor string) (*models.Page, error)
}

// CallRecorder is told about every upstream call that reached the source
type CallRecorder interface {
	RecordCall(kind usage.CallKind, returned int)
}
