package admission

import (
	"time"
)

// Tier maps account age to a daily send quota. Younger accounts get smaller
// quotas so a fresh worker account ramps up instead of bursting.
type Tier struct {
	MaxAge     time.Duration
	DailyLimit int
}

// Config holds the admission policy knobs. Zero values fall back to the
// defaults below via withDefaults().
type Config struct {
	// Tiers must be sorted by ascending MaxAge. An account younger than a
	// tier's MaxAge gets that tier's DailyLimit.
	Tiers []Tier

	// MatureAge is the account age past which the tier quota no longer
	// applies when DisableLimitsForMature is set.
	MatureAge              time.Duration
	DisableLimitsForMature bool

	// MatureDailyCeiling optionally bounds mature accounts anyway.
	// 0 means uncapped.
	MatureDailyCeiling int

	// Inter-campaign cooldown window. A fresh length is drawn from
	// [Min, Max] at every check so spacing between campaign starts from the
	// same account stays unpredictable.
	CampaignCooldownMin time.Duration
	CampaignCooldownMax time.Duration

	// MessageDelay is the minimum spacing between individual sends.
	MessageDelay time.Duration

	// PeerFloodCooldown is the fixed restriction window applied on a hard
	// pre-ban warning.
	PeerFloodCooldown time.Duration
	WarmupOnPeerFlood bool

	// Warm-up profile: applied to recovering accounts regardless of age.
	WarmupWindow       time.Duration
	WarmupDailyLimit   int
	WarmupMessageDelay time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Tiers) == 0 {
		c.Tiers = []Tier{
			{MaxAge: 3 * 24 * time.Hour, DailyLimit: 20},
			{MaxAge: 7 * 24 * time.Hour, DailyLimit: 35},
			{MaxAge: 14 * 24 * time.Hour, DailyLimit: 60},
			{MaxAge: 30 * 24 * time.Hour, DailyLimit: 100},
		}
	}
	if c.MatureAge <= 0 {
		c.MatureAge = 30 * 24 * time.Hour
	}
	if c.CampaignCooldownMin <= 0 {
		c.CampaignCooldownMin = 30 * time.Minute
	}
	if c.CampaignCooldownMax < c.CampaignCooldownMin {
		c.CampaignCooldownMax = c.CampaignCooldownMin + 60*time.Minute
	}
	if c.MessageDelay <= 0 {
		c.MessageDelay = 15 * time.Second
	}
	if c.PeerFloodCooldown <= 0 {
		c.PeerFloodCooldown = 24 * time.Hour
	}
	if c.WarmupWindow <= 0 {
		c.WarmupWindow = 72 * time.Hour
	}
	if c.WarmupDailyLimit <= 0 {
		c.WarmupDailyLimit = 10
	}
	if c.WarmupMessageDelay <= 0 {
		c.WarmupMessageDelay = 2 * time.Minute
	}
	return c
}

// RateState is the persisted per-account rate-limit state. It is created on
// first reference to an account and never deleted while the account exists.
type RateState struct {
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`

	SentToday int       `json:"sent_today"`
	LastReset time.Time `json:"last_reset"`

	LastMessageAt  time.Time `json:"last_message_at,omitempty"`
	LastCampaignAt time.Time `json:"last_campaign_at,omitempty"`

	Restricted       bool      `json:"restricted"`
	RestrictedReason string    `json:"restricted_reason,omitempty"`
	RestrictedUntil  time.Time `json:"restricted_until,omitempty"`

	Warmup      bool      `json:"warmup"`
	WarmupUntil time.Time `json:"warmup_until,omitempty"`
}

// SafetyStatus is the operator-facing view of one account.
type SafetyStatus struct {
	AccountID         string        `json:"account_id"`
	MessagesToday     int           `json:"messages_today"`
	DailyLimit        int           `json:"daily_limit"` // 0 = unlimited
	QuotaRemaining    int           `json:"quota_remaining"`
	QuotaUnlimited    bool          `json:"quota_unlimited"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	Restricted        bool          `json:"restricted"`
	RestrictedReason  string        `json:"restricted_reason,omitempty"`
	RestrictedUntil   time.Time     `json:"restricted_until,omitempty"`
	Warmup            bool          `json:"warmup"`
}
