package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
	"github.com/xwatch/xwatch-bot/internal/sources"
)

const (
	adminID  int64 = 42
	viewerID int64 = 7
	groupID  int64 = -100
)

// MockController is a mock implementation of Controller
type MockController struct {
	mock.Mock
}

func (m *MockController) TrackAccount(ctx context.Context, handle string) (*models.TrackedAccount, error) {
	args := m.Called(ctx, handle)
	account, _ := args.Get(0).(*models.TrackedAccount)
	return account, args.Error(1)
}

func (m *MockController) UntrackAccount(ctx context.Context, handle string) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockController) RefreshProfile(ctx context.Context, handle string) (*models.TrackedAccount, error) {
	args := m.Called(ctx, handle)
	account, _ := args.Get(0).(*models.TrackedAccount)
	return account, args.Error(1)
}

func (m *MockController) ListAccounts(ctx context.Context) ([]monitoring.AccountStatus, error) {
	args := m.Called(ctx)
	accounts, _ := args.Get(0).([]monitoring.AccountStatus)
	return accounts, args.Error(1)
}

func (m *MockController) ForceCheck(ctx context.Context, handle string) (*models.AccountOutcome, error) {
	args := m.Called(ctx, handle)
	outcome, _ := args.Get(0).(*models.AccountOutcome)
	return outcome, args.Error(1)
}

func (m *MockController) ForceSweep(ctx context.Context) (*models.CycleReport, error) {
	args := m.Called(ctx)
	report, _ := args.Get(0).(*models.CycleReport)
	return report, args.Error(1)
}

func (m *MockController) ResetAccount(ctx context.Context, handle string) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockController) Report(ctx context.Context) (*models.StatusReport, error) {
	args := m.Called(ctx)
	report, _ := args.Get(0).(*models.StatusReport)
	return report, args.Error(1)
}

// recordingSender captures everything the handler sends
type recordingSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (r *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, c)
	return tgbotapi.Message{MessageID: len(r.sent)}, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg.Text)
		}
	}
	return out
}

func (r *recordingSender) last() string {
	texts := r.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func command(from, chat int64, text string) *tgbotapi.Message {
	name := strings.SplitN(text, " ", 2)[0]
	return &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: from},
		Chat: &tgbotapi.Chat{ID: chat},
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(name)},
		},
	}
}

func newHandler() (*Handler, *MockController, *recordingSender) {
	controller := new(MockController)
	sender := &recordingSender{}
	return NewHandler(controller, sender, []int64{adminID, groupID}, time.Minute), controller, sender
}

func TestHandle_Authorization(t *testing.T) {
	tests := []struct {
		name    string
		from    int64
		chat    int64
		allowed bool
	}{
		{name: "admin user", from: adminID, chat: viewerID, allowed: true},
		{name: "admin chat", from: viewerID, chat: groupID, allowed: true},
		{name: "viewer", from: viewerID, chat: viewerID, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, controller, sender := newHandler()
			if tt.allowed {
				controller.On("UntrackAccount", mock.Anything, "elonmusk").Return(nil)
			}

			handler.Handle(context.Background(), command(tt.from, tt.chat, "/remove @ElonMusk"))

			if tt.allowed {
				assert.Contains(t, sender.last(), "Stopped tracking @elonmusk")
			} else {
				assert.Contains(t, sender.last(), "not allowed")
				controller.AssertNotCalled(t, "UntrackAccount", mock.Anything, mock.Anything)
			}
			controller.AssertExpectations(t)
		})
	}
}

func TestHandle_Help(t *testing.T) {
	handler, _, sender := newHandler()

	handler.Handle(context.Background(), command(viewerID, viewerID, "/help"))
	handler.Handle(context.Background(), command(adminID, adminID, "/start"))

	texts := sender.texts()
	require.Len(t, texts, 2)
	assert.NotContains(t, texts[0], "/add")
	assert.Contains(t, texts[0], "limited to admins")
	assert.Contains(t, texts[1], "/add username")
	assert.Contains(t, texts[1], "/reset username")

	msg, ok := sender.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
}

func TestHandle_Add(t *testing.T) {
	tests := []struct {
		name     string
		account  *models.TrackedAccount
		err      error
		expected string
	}{
		{
			name:     "tracked",
			account:  &models.TrackedAccount{Handle: "nasa", DisplayName: "NASA"},
			expected: "Now tracking <b>NASA</b> (@nasa)",
		},
		{
			name:     "already tracked",
			account:  &models.TrackedAccount{Handle: "nasa"},
			err:      monitoring.ErrAlreadyTracked,
			expected: "already tracked",
		},
		{
			name:     "unknown handle",
			err:      sources.ErrAccountNotFound,
			expected: "does not exist",
		},
		{
			name:     "upstream failure",
			err:      errors.New("boom"),
			expected: "❌ boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, controller, sender := newHandler()
			controller.On("TrackAccount", mock.Anything, "nasa").Return(tt.account, tt.err)

			handler.Handle(context.Background(), command(adminID, adminID, "/add NASA"))

			texts := sender.texts()
			require.Len(t, texts, 2)
			assert.Contains(t, texts[0], "Adding @nasa")
			assert.Contains(t, texts[1], tt.expected)
			controller.AssertExpectations(t)
		})
	}
}

func TestHandle_MissingHandle(t *testing.T) {
	handler, controller, sender := newHandler()

	handler.Handle(context.Background(), command(adminID, adminID, "/reset"))

	assert.Contains(t, sender.last(), "Please provide a username")
	controller.AssertNotCalled(t, "ResetAccount", mock.Anything, mock.Anything)
}

func TestHandle_Check(t *testing.T) {
	t.Run("single account", func(t *testing.T) {
		handler, controller, sender := newHandler()
		controller.On("ForceCheck", mock.Anything, "nasa").Return(&models.AccountOutcome{
			Handle: "nasa", Method: models.MethodIncremental, Fetched: 3, New: 2, Delivered: 2,
		}, nil)

		handler.Handle(context.Background(), command(adminID, adminID, "/check nasa"))

		assert.Equal(t, "✅ @nasa checked via incremental: 3 fetched, 2 new, 2 delivered", sender.last())
		controller.AssertExpectations(t)
	})

	t.Run("sweep", func(t *testing.T) {
		handler, controller, sender := newHandler()
		controller.On("ForceSweep", mock.Anything).Return(&models.CycleReport{
			Due:      2,
			Failed:   1,
			Outcomes: []models.AccountOutcome{{New: 2}, {New: 1}},
		}, nil)

		handler.Handle(context.Background(), command(adminID, adminID, "/check"))

		texts := sender.texts()
		require.Len(t, texts, 2)
		assert.Equal(t, "✅ Checked 2 accounts: 3 new items, 1 failed", texts[1])
		controller.AssertExpectations(t)
	})

	t.Run("sweep while busy", func(t *testing.T) {
		handler, controller, sender := newHandler()
		controller.On("ForceSweep", mock.Anything).Return(nil, monitoring.ErrCycleInProgress)

		handler.Handle(context.Background(), command(adminID, adminID, "/check"))

		assert.Contains(t, sender.last(), "already running")
	})
}

func TestHandle_List(t *testing.T) {
	handler, controller, sender := newHandler()
	controller.On("ListAccounts", mock.Anything).Return([]monitoring.AccountStatus{
		{
			TrackedAccount: models.TrackedAccount{Handle: "nasa", DisplayName: "NASA", Followers: 1234567, IsVerified: true, Active: true},
			Tier:           "active",
			Interval:       "5m0s",
		},
		{
			TrackedAccount: models.TrackedAccount{Handle: "gone", DisplayName: "Gone", Active: false},
		},
	}, nil)

	handler.Handle(context.Background(), command(viewerID, viewerID, "/list"))

	text := sender.last()
	assert.Contains(t, text, "1. <b>NASA</b> ✅ (@nasa)")
	assert.Contains(t, text, "1,234,567 followers")
	assert.Contains(t, text, "active (5m0s)")
	assert.NotContains(t, text, "@gone")
	assert.Contains(t, text, "<b>Total: 1</b>")
}

func TestHandle_ListEmpty(t *testing.T) {
	handler, controller, sender := newHandler()
	controller.On("ListAccounts", mock.Anything).Return([]monitoring.AccountStatus{}, nil)

	handler.Handle(context.Background(), command(viewerID, viewerID, "/list"))

	assert.Contains(t, sender.last(), "No accounts are tracked yet")
}

func TestHandle_Info(t *testing.T) {
	handler, controller, sender := newHandler()
	controller.On("ListAccounts", mock.Anything).Return([]monitoring.AccountStatus{
		{
			TrackedAccount: models.TrackedAccount{
				ID:             "11348282",
				Handle:         "nasa",
				DisplayName:    "NASA",
				ProfilePicture: "https://pbs.twimg.com/nasa.jpg",
				Description:    "Exploring <the> universe",
				Active:         true,
				CreatedAt:      time.Now().Add(-48 * time.Hour),
			},
			Tier:            "inactive",
			Interval:        "1h0m0s",
			EmptyCheckCount: 4,
		},
	}, nil)

	handler.Handle(context.Background(), command(viewerID, viewerID, "/info @NASA"))

	require.Len(t, sender.sent, 2)
	text := sender.texts()[0]
	assert.Contains(t, text, "👤 <b>NASA</b>")
	assert.Contains(t, text, "Exploring &lt;the&gt; universe")
	assert.Contains(t, text, "Tier: inactive (every 1h0m0s, 4 empty checks)")
	assert.Contains(t, text, "Last seen post: none")

	photo, ok := sender.sent[1].(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.FileURL("https://pbs.twimg.com/nasa.jpg"), photo.File)
}

func TestHandle_InfoUnknown(t *testing.T) {
	handler, controller, sender := newHandler()
	controller.On("ListAccounts", mock.Anything).Return([]monitoring.AccountStatus{}, nil)

	handler.Handle(context.Background(), command(viewerID, viewerID, "/info ghost"))

	assert.Contains(t, sender.last(), "@ghost is not in the tracking list")
}

func TestHandle_Status(t *testing.T) {
	handler, controller, sender := newHandler()
	controller.On("Report", mock.Anything).Return(&models.StatusReport{
		TrackedActive: 3,
		StoredItems:   1500,
		Distribution:  map[string]int{"active": 1, "normal": 0, "inactive": 0, "dormant": 2},
		LastCycle:     &models.CycleReport{StartedAt: time.Now(), Due: 1, Skipped: 2, Duration: "1.5s"},
		Usage: models.UsageReport{
			TotalCalls:    4,
			FallbackCalls: 1,
			TotalAvoided:  12,
			SavingsRatio:  0.75,
		},
	}, nil)

	handler.Handle(context.Background(), command(viewerID, viewerID, "/status"))

	text := sender.last()
	assert.Contains(t, text, "Tracked accounts: 3")
	assert.Contains(t, text, "Stored posts: 1,500")
	assert.Contains(t, text, "• dormant: 2")
	assert.Contains(t, text, "due 1 · skipped 2 · failed 0 · took 1.5s")
	assert.Contains(t, text, "Calls made: 4 (fallback 1)")
	assert.Contains(t, text, "Savings: 75%")
}

func TestHandle_IgnoresPlainText(t *testing.T) {
	handler, _, sender := newHandler()

	handler.Handle(context.Background(), &tgbotapi.Message{
		Text: "hello",
		Chat: &tgbotapi.Chat{ID: viewerID},
	})

	assert.Empty(t, sender.sent)
}

func TestRun_StopsOnCancel(t *testing.T) {
	handler, _, sender := newHandler()
	updates := make(chan tgbotapi.Update, 1)
	updates <- tgbotapi.Update{Message: command(viewerID, viewerID, "/unknown")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		handler.Run(ctx, updates)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(sender.texts()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, sender.last(), "Unknown command")
}
