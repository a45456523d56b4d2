package activity

import (
	"sync"
	"time"

	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/models"
)

// Tier is a named polling interval bucket
type Tier string

const (
	TierActive   Tier = "active"
	TierNormal   Tier = "normal"
	TierInactive Tier = "inactive"
	TierDormant  Tier = "dormant"
)

// Tiers lists every tier from shortest to longest interval
var Tiers = []Tier{TierActive, TierNormal, TierInactive, TierDormant}

func (t Tier) rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return 1
}

func wider(a, b Tier) Tier {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// State is the in-memory scheduling state of one account
type State struct {
	LastItemTime    time.Time     `json:"last_item_time"`
	EmptyCheckCount int           `json:"empty_check_count"`
	Tier            Tier          `json:"tier"`
	Interval        time.Duration `json:"interval"`
	LastCheckTime   time.Time     `json:"last_check_time"`
	Failures        int           `json:"failures"`
}

// Tracker decides when each account is due and adapts its interval to observed activity.
// State is keyed by account id and is not persisted.
type Tracker struct {
	mu     sync.RWMutex
	tiers  config.TierConfig
	states map[string]*State
	now    func() time.Time
}

// NewTracker creates a tracker using the given tier table
func NewTracker(tiers config.TierConfig) *Tracker {
	return &Tracker{
		tiers:  tiers,
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// Interval returns the polling period for a tier
func (t *Tracker) Interval(tier Tier) time.Duration {
	switch tier {
	case TierActive:
		return t.tiers.Active
	case TierInactive:
		return t.tiers.Inactive
	case TierDormant:
		return t.tiers.Dormant
	default:
		return t.tiers.Normal
	}
}

// ShouldPoll reports whether the account is due. Accounts without state and
// forced sweeps are always due.
func (t *Tracker) ShouldPoll(accountID string, forceSweep bool) bool {
	if forceSweep {
		return true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[accountID]
	if !ok {
		return true
	}
	interval := t.Interval(state.Tier)
	if state.Failures > 0 {
		interval = t.failureBackoff(state.Failures)
	}
	return t.now().Sub(state.LastCheckTime) >= interval
}

// failureBackoff doubles the active interval per consecutive failure, up to the dormant interval
func (t *Tracker) failureBackoff(failures int) time.Duration {
	backoff := t.tiers.Active
	for i := 1; i < failures && backoff < t.tiers.Dormant; i++ {
		backoff *= 2
	}
	if backoff > t.tiers.Dormant {
		backoff = t.tiers.Dormant
	}
	return backoff
}

// RecordFailure notes a check that failed for a reason retrying soon will not fix.
// The account backs off until a check succeeds; its tier and empty count are kept.
func (t *Tracker) RecordFailure(accountID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[accountID]
	if !ok {
		state = &State{Tier: TierNormal, Interval: t.Interval(TierNormal)}
		t.states[accountID] = state
	}
	state.Failures++
	state.LastCheckTime = t.now()
	return *state
}

// RecordOutcome updates the account's state after a successful check.
// items are the new items found by that check.
func (t *Tracker) RecordOutcome(accountID string, items []models.Item) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	state, ok := t.states[accountID]
	if !ok {
		state = &State{Tier: TierNormal}
		t.states[accountID] = state
	}

	if newest := models.Newest(items); newest != nil {
		if newest.CreatedAt.After(state.LastItemTime) {
			state.LastItemTime = newest.CreatedAt
		}
		state.EmptyCheckCount = 0
		state.Tier = t.recencyTier(now.Sub(state.LastItemTime))
	} else {
		state.EmptyCheckCount++
		tier := state.Tier
		if !state.LastItemTime.IsZero() {
			tier = wider(tier, t.recencyTier(now.Sub(state.LastItemTime)))
		}
		switch {
		case state.EmptyCheckCount >= t.tiers.EmptyHigh:
			tier = TierDormant
		case state.EmptyCheckCount >= t.tiers.EmptyLow:
			tier = wider(tier, TierInactive)
		}
		state.Tier = tier
	}

	state.Interval = t.Interval(state.Tier)
	state.LastCheckTime = now
	state.Failures = 0
	return *state
}

func (t *Tracker) recencyTier(elapsed time.Duration) Tier {
	switch {
	case elapsed < t.tiers.ActiveWindow:
		return TierActive
	case elapsed < t.tiers.NormalWindow:
		return TierNormal
	default:
		return TierInactive
	}
}

// Reset drops the account's state so the next tick treats it as never checked
func (t *Tracker) Reset(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, accountID)
}

// Get returns a copy of the account's state
func (t *Tracker) Get(accountID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[accountID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Distribution counts accounts per tier. Every tier is present in the result.
func (t *Tracker) Distribution() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	dist := make(map[string]int, len(Tiers))
	for _, tier := range Tiers {
		dist[string(tier)] = 0
	}
	for _, state := range t.states {
		dist[string(state.Tier)]++
	}
	return dist
}

// Maintain drops state for accounts that are no longer tracked and returns
// accounts whose empty-check count passed the drift ceiling to the normal tier.
func (t *Tracker) Maintain(activeIDs []string) (reset, pruned int) {
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, state := range t.states {
		if _, ok := active[id]; !ok {
			delete(t.states, id)
			pruned++
			continue
		}
		if state.EmptyCheckCount > t.tiers.DriftCeiling {
			state.EmptyCheckCount = 0
			state.Tier = TierNormal
			state.Interval = t.Interval(TierNormal)
			reset++
		}
	}
	return reset, pruned
}
