package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store persists tracked accounts and observed items
type Store interface {
	ListActiveAccounts(ctx context.Context) ([]models.TrackedAccount, error)
	ListAccounts(ctx context.Context) ([]models.TrackedAccount, error)
	GetAccountByHandle(ctx context.Context, handle string) (*models.TrackedAccount, error)
	// CreateAccount inserts the account, or reactivates and refreshes an existing one with the same handle
	CreateAccount(ctx context.Context, account *models.TrackedAccount) error
	SetAccountActive(ctx context.Context, accountID string, active bool) error
	UpdateAccountProfile(ctx context.Context, account *models.TrackedAccount) error
	UpdateAccountWatermark(ctx context.Context, accountID, itemID string) error
	// ResetAccountWatermark clears the last-seen item and last check time
	ResetAccountWatermark(ctx context.Context, accountID string) error
	TouchLastCheck(ctx context.Context, accountID string, at time.Time) error

	ItemExists(ctx context.Context, itemID string) (bool, error)
	GetItem(ctx context.Context, itemID string) (*models.Item, error)
	// InsertItem stores the item; inserting an existing id is a no-op
	InsertItem(ctx context.Context, item *models.Item) error
	MarkItemDelivered(ctx context.Context, itemID, ref string) error
	CountItems(ctx context.Context) (int, error)

	Close() error
}

// BlobStore stores opaque documents such as archived usage reports
type BlobStore interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}
