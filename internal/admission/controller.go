// Package admission enforces per-account send-rate policy. Every campaign
// run and every individual message passes through the controller before it
// touches the platform; the controller answers allow/deny with a
// human-readable reason and keeps the per-account counters that back those
// answers.
package admission

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"campaigner/internal/eventbus"
	logx "campaigner/pkg/logx"
)

// Controller is the single authority on whether an account may send.
// All methods are safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	now func() time.Time
	rng *rand.Rand

	accounts map[string]*RateState
	dirty    map[string]struct{}
}

// Option tweaks controller construction.
type Option func(*Controller)

// WithClock replaces the wall clock. Tests use it to step through quota
// resets and cooldown expiries deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand replaces the cooldown randomness source.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rng = r }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		accounts: map[string]*RateState{},
		dirty:    map[string]struct{}{},
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureAccount registers an account if the controller has not seen it yet.
// CreatedAt feeds the age tiers; an existing state is never overwritten.
func (c *Controller) EnsureAccount(accountID string, createdAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[accountID]; ok {
		return
	}
	now := c.now()
	if createdAt.IsZero() {
		createdAt = now
	}
	c.accounts[accountID] = &RateState{
		AccountID: accountID,
		CreatedAt: createdAt,
		LastReset: now,
	}
	c.dirty[accountID] = struct{}{}
}

// Restore loads persisted state, replacing any in-memory state for the same
// accounts. Called once at startup before the dispatcher starts.
func (c *Controller) Restore(states []RateState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range states {
		st := s
		c.accounts[st.AccountID] = &st
	}
}

// CanSendCampaign decides whether a whole campaign run may start on the
// account. est is the campaign's estimated message count. The checks run in a
// fixed order so the reported reason is always the first gate that failed:
// restriction, then daily quota, then inter-campaign cooldown.
func (c *Controller) CanSendCampaign(accountID string, est int) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(accountID)
	now := c.now()
	c.tick(st, now)

	if st.Restricted {
		return false, fmt.Sprintf("account restricted: %s (until %s)",
			st.RestrictedReason, st.RestrictedUntil.Format(time.RFC3339))
	}

	if limit := c.dailyLimit(st, now); limit > 0 {
		if est < 1 {
			est = 1
		}
		if st.SentToday+est > limit {
			return false, fmt.Sprintf("daily limit reached (%d/%d)", st.SentToday, limit)
		}
	}

	if !st.LastCampaignAt.IsZero() {
		// A fresh cooldown is drawn on every check, so the effective gap
		// between campaign starts varies within [min, max].
		cd := c.drawCooldown()
		if elapsed := now.Sub(st.LastCampaignAt); elapsed < cd {
			return false, fmt.Sprintf("cooldown active (%s remaining)", (cd - elapsed).Round(time.Second))
		}
	}

	return true, ""
}

// CanSendMessage decides whether one more message may go out right now.
// Called before every individual send, including mid-run: a run that crosses
// into a denial stops sending and records the remaining targets as skipped.
func (c *Controller) CanSendMessage(accountID string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(accountID)
	now := c.now()
	c.tick(st, now)

	if st.Restricted {
		return false, fmt.Sprintf("account restricted: %s (until %s)",
			st.RestrictedReason, st.RestrictedUntil.Format(time.RFC3339))
	}

	if limit := c.dailyLimit(st, now); limit > 0 && st.SentToday >= limit {
		return false, fmt.Sprintf("daily limit reached (%d/%d)", st.SentToday, limit)
	}

	if !st.LastMessageAt.IsZero() {
		delay := c.messageDelay(st)
		if elapsed := now.Sub(st.LastMessageAt); elapsed < delay {
			return false, fmt.Sprintf("message delay active (%s remaining)", (delay - elapsed).Round(time.Second))
		}
	}

	return true, ""
}

// RecordCampaignStart marks the start of an admitted run. The inter-campaign
// cooldown clock restarts from here.
func (c *Controller) RecordCampaignStart(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(accountID)
	st.LastCampaignAt = c.now()
	c.dirty[accountID] = struct{}{}
}

// RecordMessageSent counts one delivered message against the daily quota.
func (c *Controller) RecordMessageSent(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(accountID)
	now := c.now()
	c.tick(st, now)
	st.SentToday++
	st.LastMessageAt = now
	c.dirty[accountID] = struct{}{}
}

// RecordFloodWait restricts the account for exactly the wait the platform
// demanded. The restriction clears lazily on the first check past the
// deadline.
func (c *Controller) RecordFloodWait(accountID string, wait time.Duration) {
	if wait <= 0 {
		wait = time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(accountID)
	now := c.now()
	st.Restricted = true
	st.RestrictedReason = "flood wait"
	st.RestrictedUntil = now.Add(wait)
	c.dirty[accountID] = struct{}{}
	c.log.Warn("account flood-restricted",
		logx.String("account", accountID),
		logx.Duration("wait", wait))
	c.publishRestricted(st)
}

// RecordPeerFlood applies the long pre-ban cooldown and, when configured,
// arms warm-up mode so the account re-enters traffic on the reduced profile
// once the restriction lifts.
func (c *Controller) RecordPeerFlood(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(accountID)
	now := c.now()
	st.Restricted = true
	st.RestrictedReason = "peer flood"
	st.RestrictedUntil = now.Add(c.cfg.PeerFloodCooldown)
	if c.cfg.WarmupOnPeerFlood {
		st.Warmup = true
		st.WarmupUntil = st.RestrictedUntil.Add(c.cfg.WarmupWindow)
	}
	c.dirty[accountID] = struct{}{}
	c.log.Error("account peer-flood restricted",
		logx.String("account", accountID),
		logx.Time("until", st.RestrictedUntil),
		logx.Bool("warmup_armed", st.Warmup))
	c.publishRestricted(st)
}

// MessageDelayFor reports the effective inter-message pacing for the account
// right now. Warm-up accounts get the longer warm-up delay.
func (c *Controller) MessageDelayFor(accountID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(accountID)
	c.tick(st, c.now())
	return c.messageDelay(st)
}

// InWarmup reports whether the account currently runs on the warm-up profile.
func (c *Controller) InWarmup(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(accountID)
	c.tick(st, c.now())
	return st.Warmup
}

// Status reports the operator-facing view of one account. The second return
// is false for an unknown account.
func (c *Controller) Status(accountID string) (SafetyStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.accounts[accountID]
	if !ok {
		return SafetyStatus{}, false
	}
	now := c.now()
	c.tick(st, now)
	return c.status(st, now), true
}

// Statuses reports all known accounts, ordered by account ID.
func (c *Controller) Statuses() []SafetyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]SafetyStatus, 0, len(c.accounts))
	for _, st := range c.accounts {
		c.tick(st, now)
		out = append(out, c.status(st, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// ExportDirty returns the states mutated since the previous call and clears
// the dirty set. The persistence flusher calls this on a timer.
func (c *Controller) ExportDirty() []RateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dirty) == 0 {
		return nil
	}
	out := make([]RateState, 0, len(c.dirty))
	for id := range c.dirty {
		if st, ok := c.accounts[id]; ok {
			out = append(out, *st)
		}
	}
	c.dirty = map[string]struct{}{}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Export returns a snapshot of every account's state.
func (c *Controller) Export() []RateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RateState, 0, len(c.accounts))
	for _, st := range c.accounts {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// --- internals (callers hold c.mu) ---

func (c *Controller) state(accountID string) *RateState {
	st, ok := c.accounts[accountID]
	if !ok {
		now := c.now()
		st = &RateState{AccountID: accountID, CreatedAt: now, LastReset: now}
		c.accounts[accountID] = st
		c.dirty[accountID] = struct{}{}
	}
	return st
}

// tick applies lazy state transitions: the calendar-day quota reset,
// restriction expiry, and warm-up expiry. No timers run for any of these.
func (c *Controller) tick(st *RateState, now time.Time) {
	if !sameDay(st.LastReset, now) {
		st.SentToday = 0
		st.LastReset = now
		c.dirty[st.AccountID] = struct{}{}
	}
	if st.Restricted && now.After(st.RestrictedUntil) {
		st.Restricted = false
		st.RestrictedReason = ""
		st.RestrictedUntil = time.Time{}
		c.dirty[st.AccountID] = struct{}{}
		c.log.Info("account restriction lifted", logx.String("account", st.AccountID))
	}
	if st.Warmup && now.After(st.WarmupUntil) {
		st.Warmup = false
		st.WarmupUntil = time.Time{}
		c.dirty[st.AccountID] = struct{}{}
		c.log.Info("account warm-up complete", logx.String("account", st.AccountID))
	}
}

func (c *Controller) dailyLimit(st *RateState, now time.Time) int {
	if st.Warmup {
		return c.cfg.WarmupDailyLimit
	}
	age := now.Sub(st.CreatedAt)
	// Only MatureAge grants the bypass. The tier table can end well before it;
	// an account past every tier but not yet mature keeps the last tier's limit.
	if c.cfg.DisableLimitsForMature && age >= c.cfg.MatureAge {
		return c.cfg.MatureDailyCeiling
	}
	for _, t := range c.cfg.Tiers {
		if age < t.MaxAge {
			return t.DailyLimit
		}
	}
	return c.cfg.Tiers[len(c.cfg.Tiers)-1].DailyLimit
}

func (c *Controller) messageDelay(st *RateState) time.Duration {
	if st.Warmup {
		return c.cfg.WarmupMessageDelay
	}
	return c.cfg.MessageDelay
}

func (c *Controller) drawCooldown() time.Duration {
	min, max := c.cfg.CampaignCooldownMin, c.cfg.CampaignCooldownMax
	if max <= min {
		return min
	}
	return min + time.Duration(c.rng.Int63n(int64(max-min)+1))
}

func (c *Controller) status(st *RateState, now time.Time) SafetyStatus {
	limit := c.dailyLimit(st, now)
	s := SafetyStatus{
		AccountID:        st.AccountID,
		MessagesToday:    st.SentToday,
		DailyLimit:       limit,
		QuotaUnlimited:   limit <= 0,
		Restricted:       st.Restricted,
		RestrictedReason: st.RestrictedReason,
		RestrictedUntil:  st.RestrictedUntil,
		Warmup:           st.Warmup,
	}
	if limit > 0 {
		if rem := limit - st.SentToday; rem > 0 {
			s.QuotaRemaining = rem
		}
	}
	if !st.LastCampaignAt.IsZero() {
		// Report against the maximum draw so operators see the worst case.
		if until := st.LastCampaignAt.Add(c.cfg.CampaignCooldownMax); until.After(now) {
			s.CooldownRemaining = until.Sub(now).Round(time.Second)
		}
	}
	return s
}

func (c *Controller) publishRestricted(st *RateState) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: eventbus.EventAccountRestricted,
		Data: map[string]any{
			"account_id": st.AccountID,
			"reason":     st.RestrictedReason,
			"until":      st.RestrictedUntil,
			"warmup":     st.Warmup,
		},
	})
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
