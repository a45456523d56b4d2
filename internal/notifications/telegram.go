package notifications

import (
	"context"
	"fmt"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// Telegram rejects captions longer than this
const maxCaptionLength = 1024

// TelegramAPI is the subset of *tgbotapi.BotAPI used for delivery
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// TelegramChannel posts items into a single chat
type TelegramChannel struct {
	api       TelegramAPI
	chatID    int64
	formatter *Formatter
}

var _ Channel = (*TelegramChannel)(nil)

// NewTelegramChannel creates a channel posting to chatID
func NewTelegramChannel(api TelegramAPI, chatID int64, formatter *Formatter) *TelegramChannel {
	return &TelegramChannel{api: api, chatID: chatID, formatter: formatter}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Deliver sends the item with its first photo album or video when present, text otherwise.
// A failed media upload degrades to a text message with a link to the media.
func (t *TelegramChannel) Deliver(ctx context.Context, item *models.Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	caption := t.formatter.Caption(item)
	photos, videos := splitMedia(item.Media)

	if utf8.RuneCountInString(caption) <= maxCaptionLength {
		switch {
		case len(photos) == 1:
			photo := tgbotapi.NewPhoto(t.chatID, tgbotapi.FileURL(photos[0].URL))
			photo.Caption = caption
			photo.ParseMode = tgbotapi.ModeHTML
			msg, err := t.api.Send(photo)
			if err == nil {
				return messageRef(msg.MessageID), nil
			}
			logrus.WithError(err).WithField("item_id", item.ID).Warn("Failed to send photo, sending text instead")
		case len(photos) > 1:
			ref, err := t.sendAlbum(photos, caption)
			if err == nil {
				return ref, nil
			}
			logrus.WithError(err).WithField("item_id", item.ID).Warn("Failed to send album, sending text instead")
		case len(videos) > 0:
			video := tgbotapi.NewVideo(t.chatID, tgbotapi.FileURL(videos[0].URL))
			video.Caption = caption
			video.ParseMode = tgbotapi.ModeHTML
			msg, err := t.api.Send(video)
			if err == nil {
				return messageRef(msg.MessageID), nil
			}
			logrus.WithError(err).WithField("item_id", item.ID).Warn("Failed to send video, sending text instead")
		}
	}

	if len(videos) > 0 {
		caption += fmt.Sprintf("\n🎥 <a href=\"%s\">Video</a>", videos[0].URL)
	}

	msg := tgbotapi.NewMessage(t.chatID, caption)
	msg.ParseMode = tgbotapi.ModeHTML
	sent, err := t.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("failed to send telegram message: %w", err)
	}
	return messageRef(sent.MessageID), nil
}

func (t *TelegramChannel) sendAlbum(photos []models.Media, caption string) (string, error) {
	if len(photos) > 10 {
		photos = photos[:10]
	}

	files := make([]interface{}, 0, len(photos))
	for i, p := range photos {
		media := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(p.URL))
		if i == 0 {
			media.Caption = caption
			media.ParseMode = tgbotapi.ModeHTML
		}
		files = append(files, media)
	}

	msgs, err := t.api.SendMediaGroup(tgbotapi.NewMediaGroup(t.chatID, files))
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("telegram returned no messages for album")
	}
	return messageRef(msgs[0].MessageID), nil
}

func (t *TelegramChannel) SendSystemMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, "🤖 "+text)); err != nil {
		return fmt.Errorf("failed to send telegram system message: %w", err)
	}
	return nil
}

func splitMedia(media []models.Media) (photos, videos []models.Media) {
	for _, m := range media {
		if m.URL == "" {
			continue
		}
		switch m.Type {
		case "photo":
			photos = append(photos, m)
		case "video", "animated_gif":
			videos = append(videos, m)
		}
	}
	return photos, videos
}

func messageRef(id int) string {
	return fmt.Sprintf("telegram:%d", id)
}
