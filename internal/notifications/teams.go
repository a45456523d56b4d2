package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// TeamsMessage represents a Microsoft Teams message card
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TeamsChannel posts items to an incoming webhook
type TeamsChannel struct {
	webhookURL string
	client     *resty.Client
	formatter  *Formatter
}

var _ Channel = (*TeamsChannel)(nil)

// NewTeamsChannel creates a Teams webhook channel
func NewTeamsChannel(webhookURL string, formatter *Formatter) *TeamsChannel {
	return &TeamsChannel{
		webhookURL: webhookURL,
		client:     resty.New().SetTimeout(30 * time.Second),
		formatter:  formatter,
	}
}

func (t *TeamsChannel) Name() string {
	return "teams"
}

func (t *TeamsChannel) Deliver(ctx context.Context, item *models.Item) (string, error) {
	if err := t.post(ctx, t.buildItemMessage(item)); err != nil {
		return "", err
	}
	return "teams", nil
}

func (t *TeamsChannel) SendSystemMessage(ctx context.Context, text string) error {
	return t.post(ctx, &TeamsMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   "xwatch",
		Text:    text,
	})
}

func (t *TeamsChannel) buildItemMessage(item *models.Item) *TeamsMessage {
	e := item.Engagement
	return &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Title:      fmt.Sprintf("New post from @%s", item.Handle),
		Text:       fmt.Sprintf("[View original](%s)", item.URL()),
		ThemeColor: "1DA1F2",
		Sections: []TeamsSection{
			{
				ActivityTitle:    displayName(item),
				ActivitySubtitle: fmt.Sprintf("%s · %s", t.formatter.Age(item), t.formatter.LocalTime(item)),
				ActivityText:     t.formatter.Text(item),
				Facts: []TeamsFact{
					{Name: "Retweets", Value: strconv.Itoa(e.Retweets)},
					{Name: "Likes", Value: strconv.Itoa(e.Likes)},
					{Name: "Replies", Value: strconv.Itoa(e.Replies)},
					{Name: "Views", Value: strconv.Itoa(e.Views)},
				},
				Markdown: true,
			},
		},
	}
}

func (t *TeamsChannel) post(ctx context.Context, message *TeamsMessage) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(t.webhookURL)

	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}
