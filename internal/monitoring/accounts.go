package monitoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/sources"
	"github.com/xwatch/xwatch-bot/internal/storage"
)

var (
	// ErrAccountNotTracked is returned for handles that are unknown or disabled
	ErrAccountNotTracked = errors.New("account is not tracked")
	// ErrAlreadyTracked is returned when adding an account that is already active
	ErrAlreadyTracked = errors.New("account is already tracked")
)

// AccountStatus pairs a tracked account with its scheduling state
type AccountStatus struct {
	models.TrackedAccount
	Tier            string `json:"tier,omitempty"`
	Interval        string `json:"interval,omitempty"`
	EmptyCheckCount int    `json:"empty_check_count"`
	Failures        int    `json:"failures,omitempty"`
	Due             bool   `json:"due"`
}

// TrackAccount looks the handle up upstream and starts tracking it.
// A previously removed handle is reactivated with its watermark intact.
func (s *Service) TrackAccount(ctx context.Context, handle string) (*models.TrackedAccount, error) {
	handle = sources.NormalizeHandle(handle)
	if handle == "" {
		return nil, fmt.Errorf("handle is required")
	}

	existing, err := s.store.GetAccountByHandle(ctx, handle)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Active {
		return existing, ErrAlreadyTracked
	}

	profile, err := s.upstream.LookupAccount(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to look up @%s: %w", handle, err)
	}

	account := &models.TrackedAccount{Handle: handle}
	if existing != nil {
		account = existing
	}
	account.ApplyProfile(profile)

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"account": handle, "id": account.ID}).Info("Tracking account")
	return account, nil
}

// UntrackAccount disables polling for the handle and drops its scheduling state
func (s *Service) UntrackAccount(ctx context.Context, handle string) error {
	account, err := s.activeAccount(ctx, handle)
	if err != nil {
		return err
	}

	if err := s.store.SetAccountActive(ctx, account.ID, false); err != nil {
		return err
	}
	s.tracker.Reset(account.ID)
	s.fetcher.Forget(account.ID)

	logrus.WithField("account", account.Handle).Info("Stopped tracking account")
	return nil
}

// RefreshProfile reloads the upstream profile of a tracked account
func (s *Service) RefreshProfile(ctx context.Context, handle string) (*models.TrackedAccount, error) {
	account, err := s.activeAccount(ctx, handle)
	if err != nil {
		return nil, err
	}

	profile, err := s.upstream.LookupAccount(ctx, account.Handle)
	if err != nil {
		return nil, fmt.Errorf("failed to look up @%s: %w", account.Handle, err)
	}
	if profile.ID != "" && profile.ID != account.ID {
		return nil, fmt.Errorf("@%s now resolves to a different account (%s)", account.Handle, profile.ID)
	}

	account.ApplyProfile(profile)
	if err := s.store.UpdateAccountProfile(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// ListAccounts returns every stored account with its current scheduling state
func (s *Service) ListAccounts(ctx context.Context) ([]AccountStatus, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		status := AccountStatus{TrackedAccount: account}
		if state, ok := s.tracker.Get(account.ID); ok {
			status.Tier = string(state.Tier)
			status.Interval = formatInterval(s.tracker.Interval(state.Tier))
			status.EmptyCheckCount = state.EmptyCheckCount
			status.Failures = state.Failures
		}
		status.Due = account.Active && s.tracker.ShouldPoll(account.ID, false)
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ForceCheck checks a single account immediately, outside the regular schedule
func (s *Service) ForceCheck(ctx context.Context, handle string) (*models.AccountOutcome, error) {
	account, err := s.activeAccount(ctx, handle)
	if err != nil {
		return nil, err
	}

	outcome := s.checkAccount(ctx, "manual-"+uuid.NewString(), account)
	if outcome.Error != "" {
		return &outcome, fmt.Errorf("check of @%s failed: %s", account.Handle, outcome.Error)
	}
	return &outcome, nil
}

// ResetAccount clears the account's scheduling state and stored watermark.
// The next check starts again from the bounded initial lookback.
func (s *Service) ResetAccount(ctx context.Context, handle string) error {
	account, err := s.activeAccount(ctx, handle)
	if err != nil {
		return err
	}

	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	if err := s.store.ResetAccountWatermark(ctx, account.ID); err != nil {
		return err
	}
	s.tracker.Reset(account.ID)
	s.fetcher.Forget(account.ID)

	logrus.WithField("account", account.Handle).Info("Account state reset")
	return nil
}

func (s *Service) activeAccount(ctx context.Context, handle string) (*models.TrackedAccount, error) {
	handle = sources.NormalizeHandle(handle)
	account, err := s.store.GetAccountByHandle(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("@%s: %w", handle, ErrAccountNotTracked)
	}
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, fmt.Errorf("@%s: %w", handle, ErrAccountNotTracked)
	}
	return account, nil
}
