package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/activity"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
	"github.com/xwatch/xwatch-bot/internal/sources"
)

// Controller is the operator surface of the monitoring service
type Controller interface {
	TrackAccount(ctx context.Context, handle string) (*models.TrackedAccount, error)
	UntrackAccount(ctx context.Context, handle string) error
	RefreshProfile(ctx context.Context, handle string) (*models.TrackedAccount, error)
	ListAccounts(ctx context.Context) ([]monitoring.AccountStatus, error)
	ForceCheck(ctx context.Context, handle string) (*models.AccountOutcome, error)
	ForceSweep(ctx context.Context) (*models.CycleReport, error)
	ResetAccount(ctx context.Context, handle string) error
	Report(ctx context.Context) (*models.StatusReport, error)
}

// Sender is the subset of *tgbotapi.BotAPI used for replies
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler answers operator commands sent to the bot
type Handler struct {
	controller   Controller
	sender       Sender
	admins       map[int64]struct{}
	tickInterval time.Duration
}

// NewHandler creates a command handler. Only users or chats listed in adminIDs may run management commands.
func NewHandler(controller Controller, sender Sender, adminIDs []int64, tickInterval time.Duration) *Handler {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Handler{
		controller:   controller,
		sender:       sender,
		admins:       admins,
		tickInterval: tickInterval,
	}
}

// Run handles updates until ctx is cancelled or the channel closes
func (h *Handler) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				h.Handle(ctx, update.Message)
			}
		}
	}
}

// Handle dispatches a single message
func (h *Handler) Handle(ctx context.Context, msg *tgbotapi.Message) {
	if msg == nil || !msg.IsCommand() || msg.Chat == nil {
		return
	}

	command := msg.Command()
	arg := sources.NormalizeHandle(msg.CommandArguments())
	admin := h.isAuthorized(msg)

	log := logrus.WithFields(logrus.Fields{"command": command, "chat_id": msg.Chat.ID, "admin": admin})
	if msg.From != nil {
		log = log.WithField("user_id", msg.From.ID)
	}
	log.Info("Handling command")

	switch command {
	case "start", "help":
		h.reply(msg, h.helpText(admin))
	case "list":
		h.handleList(ctx, msg)
	case "info":
		h.handleInfo(ctx, msg, arg)
	case "status":
		h.handleStatus(ctx, msg)
	case "add", "remove", "update", "check", "reset":
		if !admin {
			log.Warn("Unauthorized command attempt")
			h.reply(msg, "🚫 You are not allowed to use this command.")
			return
		}
		h.handleAdmin(ctx, msg, command, arg)
	default:
		h.reply(msg, "Unknown command. Use /help to see what I can do.")
	}
}

func (h *Handler) handleAdmin(ctx context.Context, msg *tgbotapi.Message, command, handle string) {
	if handle == "" && command != "check" {
		h.reply(msg, fmt.Sprintf("❌ Please provide a username, e.g. <code>/%s elonmusk</code>", command))
		return
	}

	switch command {
	case "add":
		h.reply(msg, fmt.Sprintf("⏳ Adding @%s...", html.EscapeString(handle)))
		account, err := h.controller.TrackAccount(ctx, handle)
		switch {
		case errors.Is(err, monitoring.ErrAlreadyTracked):
			h.reply(msg, fmt.Sprintf("ℹ️ @%s is already tracked.", html.EscapeString(handle)))
		case errors.Is(err, sources.ErrAccountNotFound):
			h.reply(msg, fmt.Sprintf("❌ @%s does not exist.", html.EscapeString(handle)))
		case err != nil:
			h.replyError(msg, err)
		default:
			h.reply(msg, fmt.Sprintf("✅ Now tracking <b>%s</b> (@%s)", html.EscapeString(account.DisplayName), html.EscapeString(account.Handle)))
		}

	case "remove":
		if err := h.controller.UntrackAccount(ctx, handle); err != nil {
			h.replyError(msg, err)
			return
		}
		h.reply(msg, fmt.Sprintf("✅ Stopped tracking @%s", html.EscapeString(handle)))

	case "update":
		account, err := h.controller.RefreshProfile(ctx, handle)
		if err != nil {
			h.replyError(msg, err)
			return
		}
		h.reply(msg, fmt.Sprintf("✅ Updated @%s: %s followers", html.EscapeString(account.Handle), humanize.Comma(int64(account.Followers))))

	case "reset":
		if err := h.controller.ResetAccount(ctx, handle); err != nil {
			h.replyError(msg, err)
			return
		}
		h.reply(msg, fmt.Sprintf("✅ Reset @%s. The next check starts from the initial lookback.", html.EscapeString(handle)))

	case "check":
		if handle != "" {
			outcome, err := h.controller.ForceCheck(ctx, handle)
			if err != nil {
				h.replyError(msg, err)
				return
			}
			h.reply(msg, fmt.Sprintf("✅ @%s checked via %s: %d fetched, %d new, %d delivered",
				html.EscapeString(outcome.Handle), outcome.Method, outcome.Fetched, outcome.New, outcome.Delivered))
			return
		}

		h.reply(msg, "⏳ Checking all accounts...")
		report, err := h.controller.ForceSweep(ctx)
		if errors.Is(err, monitoring.ErrCycleInProgress) {
			h.reply(msg, "⏳ A cycle is already running. The sweep will run with the next tick.")
			return
		}
		if err != nil {
			h.replyError(msg, err)
			return
		}
		h.reply(msg, fmt.Sprintf("✅ Checked %d accounts: %d new items, %d failed", report.Due, newItems(report), report.Failed))
	}
}

func (h *Handler) handleList(ctx context.Context, msg *tgbotapi.Message) {
	accounts, err := h.controller.ListAccounts(ctx)
	if err != nil {
		h.replyError(msg, err)
		return
	}

	var active []monitoring.AccountStatus
	for _, a := range accounts {
		if a.Active {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		h.reply(msg, "📝 No accounts are tracked yet. Use <code>/add username</code> to add one.")
		return
	}

	var b strings.Builder
	b.WriteString("📋 <b>Tracked accounts</b>\n\n")
	for i, a := range active {
		fmt.Fprintf(&b, "%d. <b>%s</b> %s(@%s)\n", i+1, html.EscapeString(a.DisplayName), badge(&a.TrackedAccount), html.EscapeString(a.Handle))
		fmt.Fprintf(&b, "   👥 %s followers", humanize.Comma(int64(a.Followers)))
		if a.Tier != "" {
			fmt.Fprintf(&b, " · %s (%s)", a.Tier, a.Interval)
		}
		b.WriteString("\n")
		if desc := truncate(a.Description, 50); desc != "" {
			fmt.Fprintf(&b, "   📝 %s\n", html.EscapeString(desc))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "<b>Total: %d</b>", len(active))

	h.reply(msg, b.String())
}

func (h *Handler) handleInfo(ctx context.Context, msg *tgbotapi.Message, handle string) {
	if handle == "" {
		h.reply(msg, "❌ Please provide a username, e.g. <code>/info elonmusk</code>")
		return
	}

	accounts, err := h.controller.ListAccounts(ctx)
	if err != nil {
		h.replyError(msg, err)
		return
	}

	var found *monitoring.AccountStatus
	for i := range accounts {
		if accounts[i].Handle == handle {
			found = &accounts[i]
			break
		}
	}
	if found == nil {
		h.reply(msg, fmt.Sprintf("❌ @%s is not in the tracking list.", html.EscapeString(handle)))
		return
	}

	a := found
	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>%s</b> %s\n\n", html.EscapeString(a.DisplayName), badge(&a.TrackedAccount))
	fmt.Fprintf(&b, "🔗 @%s\n🆔 %s\n", html.EscapeString(a.Handle), html.EscapeString(a.ID))
	fmt.Fprintf(&b, "📝 %s\n", orDefault(html.EscapeString(a.Description), "No bio"))
	fmt.Fprintf(&b, "📍 %s\n", orDefault(html.EscapeString(a.Location), "Unknown"))
	fmt.Fprintf(&b, "🌐 %s\n\n", orDefault(html.EscapeString(a.URL), "None"))
	fmt.Fprintf(&b, "👥 Followers: %s\n👤 Following: %s\n📝 Posts: %s\n\n",
		humanize.Comma(int64(a.Followers)), humanize.Comma(int64(a.Following)), humanize.Comma(int64(a.StatusesCount)))
	fmt.Fprintf(&b, "🤖 Tracked since %s\n", humanize.Time(a.CreatedAt))
	if a.LastCheckTime != nil {
		fmt.Fprintf(&b, "🔄 Last checked %s\n", humanize.Time(*a.LastCheckTime))
	}
	if a.Tier != "" {
		fmt.Fprintf(&b, "⏱️ Tier: %s (every %s, %d empty checks)\n", a.Tier, a.Interval, a.EmptyCheckCount)
	}
	fmt.Fprintf(&b, "🎯 Last seen post: %s", orDefault(a.LastSeenItemID, "none"))
	if !a.Active {
		b.WriteString("\n⏸️ Tracking disabled")
	}

	h.reply(msg, b.String())

	if a.ProfilePicture != "" {
		photo := tgbotapi.NewPhoto(msg.Chat.ID, tgbotapi.FileURL(a.ProfilePicture))
		if _, err := h.sender.Send(photo); err != nil {
			logrus.WithError(err).WithField("account", a.Handle).Warn("Failed to send avatar")
		}
	}
}

func (h *Handler) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	report, err := h.controller.Report(ctx)
	if err != nil {
		h.replyError(msg, err)
		return
	}

	var b strings.Builder
	b.WriteString("📊 <b>Bot status</b>\n\n")
	fmt.Fprintf(&b, "👥 Tracked accounts: %d\n", report.TrackedActive)
	fmt.Fprintf(&b, "📝 Stored posts: %s\n", humanize.Comma(int64(report.StoredItems)))
	fmt.Fprintf(&b, "⏰ Tick: every %s\n", h.tickInterval)
	if report.CycleInFlight {
		b.WriteString("🔄 A cycle is running now\n")
	}

	b.WriteString("\n<b>Intervals</b>\n")
	for _, tier := range activity.Tiers {
		fmt.Fprintf(&b, "• %s: %d\n", tier, report.Distribution[string(tier)])
	}

	if c := report.LastCycle; c != nil {
		fmt.Fprintf(&b, "\n<b>Last cycle</b> %s\n", humanize.Time(c.StartedAt))
		fmt.Fprintf(&b, "due %d · skipped %d · failed %d · took %s\n", c.Due, c.Skipped, c.Failed, c.Duration)
	}

	u := report.Usage
	b.WriteString("\n<b>Upstream usage</b>\n")
	fmt.Fprintf(&b, "Calls made: %d (fallback %d)\n", u.TotalCalls, u.FallbackCalls)
	fmt.Fprintf(&b, "Calls avoided: %d\n", u.TotalAvoided)
	fmt.Fprintf(&b, "Savings: %.0f%%\n", u.SavingsRatio*100)
	fmt.Fprintf(&b, "Estimated cost: $%.4f (saved $%.4f)", u.EstimatedCost, u.EstimatedSavings)

	h.reply(msg, b.String())
}

func (h *Handler) helpText(admin bool) string {
	var b strings.Builder
	b.WriteString("🤖 <b>xwatch</b> follows accounts and posts their new items here.\n\n")
	b.WriteString("<b>Commands</b>\n")
	b.WriteString("/list - tracked accounts\n")
	b.WriteString("/info username - account details\n")
	b.WriteString("/status - intervals, last cycle and API usage\n")
	b.WriteString("/help - this message\n")

	if admin {
		b.WriteString("\n<b>Admin</b>\n")
		b.WriteString("/add username - start tracking\n")
		b.WriteString("/remove username - stop tracking\n")
		b.WriteString("/update username - refresh profile\n")
		b.WriteString("/check [username] - check one account, or all accounts now\n")
		b.WriteString("/reset username - clear interval state and watermark\n")
	} else {
		b.WriteString("\nManagement commands are limited to admins.\n")
	}

	fmt.Fprintf(&b, "\n⚡ Accounts are polled adaptively; the scheduler ticks every %s.", h.tickInterval)
	return b.String()
}

func (h *Handler) isAuthorized(msg *tgbotapi.Message) bool {
	if msg.From != nil {
		if _, ok := h.admins[msg.From.ID]; ok {
			return true
		}
	}
	_, ok := h.admins[msg.Chat.ID]
	return ok
}

func (h *Handler) reply(msg *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = true
	if _, err := h.sender.Send(out); err != nil {
		logrus.WithError(err).WithField("chat_id", msg.Chat.ID).Error("Failed to send reply")
	}
}

func (h *Handler) replyError(msg *tgbotapi.Message, err error) {
	logrus.WithError(err).Warn("Command failed")
	h.reply(msg, "❌ "+html.EscapeString(err.Error()))
}

func newItems(report *models.CycleReport) int {
	n := 0
	for _, o := range report.Outcomes {
		n += o.New
	}
	return n
}

func badge(a *models.TrackedAccount) string {
	switch {
	case a.IsBlueVerified:
		return "🔵 "
	case a.IsVerified:
		return "✅ "
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
