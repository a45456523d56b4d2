package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"

	"github.com/xwatch/xwatch-bot/internal/models"
)

// EmailSettings configures the SMTP channel
type EmailSettings struct {
	To       string
	Host     string
	Port     int
	Username string
	Password string
}

// EmailChannel mails each item to a single recipient
type EmailChannel struct {
	settings  EmailSettings
	formatter *Formatter
	send      func(m *gomail.Message) error
}

var _ Channel = (*EmailChannel)(nil)

var itemEmailTemplate = template.Must(template.New("item").Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .post { border-left: 4px solid #1DA1F2; padding: 10px; background-color: #fafafa; }
        .meta { color: #666; font-size: 0.9em; }
    </style>
</head>
<body>
    <div class="post">
        <p><strong>{{.Name}}</strong> (@{{.Handle}})</p>
        <p class="meta">{{.Age}} · {{.LocalTime}}</p>
        {{if .Text}}<p>{{.Text}}</p>{{end}}
        <p class="meta">{{.Stats}}</p>
        <p><a href="{{.URL}}" target="_blank">View original</a></p>
    </div>
</body>
</html>
`))

// NewEmailChannel creates an SMTP channel
func NewEmailChannel(settings EmailSettings, formatter *Formatter) *EmailChannel {
	e := &EmailChannel{settings: settings, formatter: formatter}
	e.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(settings.Host, settings.Port, settings.Username, settings.Password)
		return d.DialAndSend(m)
	}
	return e
}

func (e *EmailChannel) Name() string {
	return "email"
}

func (e *EmailChannel) Deliver(ctx context.Context, item *models.Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	htmlBody, err := e.buildHTML(item)
	if err != nil {
		return "", fmt.Errorf("failed to build email HTML: %w", err)
	}

	m := e.newMessage(fmt.Sprintf("New post from @%s", item.Handle))
	m.SetBody("text/plain", e.formatter.Plain(item))
	m.AddAlternative("text/html", htmlBody)

	if err := e.send(m); err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return "email:" + e.settings.To, nil
}

func (e *EmailChannel) SendSystemMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := e.newMessage("xwatch: " + text)
	m.SetBody("text/plain", text)
	if err := e.send(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (e *EmailChannel) newMessage(subject string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", e.settings.Username)
	m.SetHeader("To", e.settings.To)
	m.SetHeader("Subject", subject)
	return m
}

func (e *EmailChannel) buildHTML(item *models.Item) (string, error) {
	// Text is already sanitized and escaped by the formatter
	text := template.HTML(e.formatter.Text(item))

	data := struct {
		Name      string
		Handle    string
		Age       string
		LocalTime string
		Text      template.HTML
		Stats     string
		URL       string
	}{
		Name:      displayName(item),
		Handle:    item.Handle,
		Age:       e.formatter.Age(item),
		LocalTime: e.formatter.LocalTime(item),
		Text:      text,
		Stats:     Stats(item),
		URL:       item.URL(),
	}

	var buf bytes.Buffer
	if err := itemEmailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
