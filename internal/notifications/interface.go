package notifications

import (
	"context"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// NotificationInterface defines the contract for notification services
type NotificationInterface interface {
	// Deliver publishes a single item and returns a channel-specific delivery reference
	Deliver(ctx context.Context, item *models.Item) (string, error)
	SendSystemMessage(ctx context.Context, text string) error
}

// Channel is one delivery destination
type Channel interface {
	NotificationInterface
	Name() string
}
