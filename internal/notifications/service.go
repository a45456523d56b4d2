package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/models"
)

// Service fans notifications out to every configured channel
type Service struct {
	channels []Channel
}

// Ensure Service implements NotificationInterface
var _ NotificationInterface = (*Service)(nil)

// NewService creates a notification service from configuration. bot may be nil when Telegram is disabled.
func NewService(cfg *config.Config, bot TelegramAPI) (*Service, error) {
	formatter, err := NewFormatter(cfg.DisplayTimeZone)
	if err != nil {
		return nil, err
	}

	var channels []Channel
	if bot != nil && cfg.TelegramChatID != 0 {
		channels = append(channels, NewTelegramChannel(bot, cfg.TelegramChatID, formatter))
	}
	if cfg.TeamsWebhookURL != "" {
		channels = append(channels, NewTeamsChannel(cfg.TeamsWebhookURL, formatter))
	}
	if cfg.NotificationEmail != "" {
		channels = append(channels, NewEmailChannel(EmailSettings{
			To:       cfg.NotificationEmail,
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, formatter))
	}

	if len(channels) == 0 {
		return nil, fmt.Errorf("no notification channel configured")
	}

	return &Service{channels: channels}, nil
}

// NewServiceWithChannels creates a service over explicit channels
func NewServiceWithChannels(channels ...Channel) *Service {
	return &Service{channels: channels}
}

// Deliver sends the item to every channel. It succeeds when at least one channel accepted the item;
// the reference of the first successful channel is returned.
func (s *Service) Deliver(ctx context.Context, item *models.Item) (string, error) {
	var (
		ref  string
		errs []error
	)

	for _, ch := range s.channels {
		r, err := ch.Deliver(ctx, item)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"channel": ch.Name(),
				"item_id": item.ID,
				"error":   err,
			}).Error("Failed to deliver item")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		if ref == "" {
			ref = r
		}
	}

	if ref == "" && len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return ref, nil
}

// SendSystemMessage broadcasts an operational message; channel errors are joined
func (s *Service) SendSystemMessage(ctx context.Context, text string) error {
	var errs []error
	for _, ch := range s.channels {
		if err := ch.SendSystemMessage(ctx, text); err != nil {
			logrus.WithField("channel", ch.Name()).WithError(err).Error("Failed to send system message")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
