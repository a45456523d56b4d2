package notifications

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/microcosm-cc/bluemonday"

	"github.com/xwatch/xwatch-bot/internal/models"
)

var shortLinkPattern = regexp.MustCompile(`https://t\.co/\w+`)

// Formatter renders items for humans. It is the only place a non-UTC zone is applied.
type Formatter struct {
	location *time.Location
	policy   *bluemonday.Policy
	now      func() time.Time
}

// NewFormatter creates a formatter that displays times in the named zone
func NewFormatter(timeZone string) (*Formatter, error) {
	location := time.UTC
	if timeZone != "" {
		loc, err := time.LoadLocation(timeZone)
		if err != nil {
			return nil, fmt.Errorf("failed to load display timezone %s: %w", timeZone, err)
		}
		location = loc
	}

	return &Formatter{
		location: location,
		policy:   bluemonday.StrictPolicy(),
		now:      time.Now,
	}, nil
}

// Text returns the item text stripped of markup and HTML-escaped.
// Media short links are dropped because the media is attached separately.
func (f *Formatter) Text(item *models.Item) string {
	text := item.Text
	if len(item.Media) > 0 {
		text = shortLinkPattern.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(f.policy.Sanitize(text))
}

// Age returns how long ago the item was created, e.g. "5 minutes ago"
func (f *Formatter) Age(item *models.Item) string {
	return humanize.RelTime(item.CreatedAt, f.now(), "ago", "from now")
}

// LocalTime returns the creation time in the display zone
func (f *Formatter) LocalTime(item *models.Item) string {
	return item.CreatedAt.In(f.location).Format("2006-01-02 15:04 MST")
}

// Caption renders the Telegram HTML message for an item
func (f *Formatter) Caption(item *models.Item) string {
	var b strings.Builder

	b.WriteString("📰 <b>New post</b>\n\n")
	fmt.Fprintf(&b, "👤 <b>%s</b> (@%s)\n", html.EscapeString(displayName(item)), html.EscapeString(item.Handle))
	fmt.Fprintf(&b, "🕐 %s · %s\n", f.Age(item), f.LocalTime(item))

	if text := f.Text(item); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(Stats(item))
	fmt.Fprintf(&b, "\n\n🔗 <a href=\"%s\">View original</a>", item.URL())

	return b.String()
}

// Plain renders a markup-free message for channels without HTML support
func (f *Formatter) Plain(item *models.Item) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (@%s) · %s · %s\n\n", displayName(item), item.Handle, f.Age(item), f.LocalTime(item))
	if text := html.UnescapeString(f.Text(item)); text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	b.WriteString(Stats(item))
	b.WriteString("\n")
	b.WriteString(item.URL())

	return b.String()
}

// Stats renders the engagement counters on one line
func Stats(item *models.Item) string {
	e := item.Engagement
	return fmt.Sprintf("🔄 %s  ❤️ %s  💬 %s  👁️ %s",
		humanize.Comma(int64(e.Retweets)),
		humanize.Comma(int64(e.Likes)),
		humanize.Comma(int64(e.Replies)),
		humanize.Comma(int64(e.Views)),
	)
}

func displayName(item *models.Item) string {
	if item.DisplayName != "" {
		return item.DisplayName
	}
	return item.Handle
}
