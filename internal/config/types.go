// Package config loads, validates, and hot-reloads the engine configuration.
// Configs are JSON or YAML; YAML is coerced to JSON so both formats share one
// strict decoder. Unknown keys are rejected.
package config

import (
	"fmt"
	"strings"
	"time"

	"campaigner/internal/admission"
	"campaigner/internal/dispatch"
	"campaigner/internal/session"
	"campaigner/internal/store"
	logx "campaigner/pkg/logx"
)

type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage,omitempty"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`
	Accounts []AccountConfig `json:"accounts"`

	Admission AdmissionConfig `json:"admission,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path   string `json:"path,omitempty"`
}

type TelegramConfig struct {
	// RequestTimeout is a Go duration string bounding individual API calls.
	RequestTimeout string `json:"request_timeout,omitempty"`
	Offline        bool   `json:"offline,omitempty"`
}

// AccountConfig declares one worker account. CreatedAt ("2006-01-02" or
// RFC 3339) feeds the admission age tiers; an omitted date means the account
// is treated as brand new.
type AccountConfig struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	CreatedAt string `json:"created_at,omitempty"`
}

// AdmissionConfig mirrors admission.Config with durations as strings.
type AdmissionConfig struct {
	Tiers []TierConfig `json:"tiers,omitempty"`

	MatureAgeDays          int  `json:"mature_age_days,omitempty"`
	DisableLimitsForMature bool `json:"disable_limits_for_mature,omitempty"`
	MatureDailyCeiling     int  `json:"mature_daily_ceiling,omitempty"`

	CampaignCooldownMin string `json:"campaign_cooldown_min,omitempty"`
	CampaignCooldownMax string `json:"campaign_cooldown_max,omitempty"`
	MessageDelay        string `json:"message_delay,omitempty"`

	PeerFloodCooldown string `json:"peer_flood_cooldown,omitempty"`
	// WarmupOnPeerFlood is a pointer so "omitted" defaults to true.
	WarmupOnPeerFlood  *bool  `json:"warmup_on_peer_flood,omitempty"`
	WarmupWindow       string `json:"warmup_window,omitempty"`
	WarmupDailyLimit   int    `json:"warmup_daily_limit,omitempty"`
	WarmupMessageDelay string `json:"warmup_message_delay,omitempty"`
}

type TierConfig struct {
	MaxAgeDays int `json:"max_age_days"`
	DailyLimit int `json:"daily_limit"`
}

type DispatchConfig struct {
	QueueSize int `json:"queue_size,omitempty"`
	Workers   int `json:"workers,omitempty"`
	Permits   int `json:"permits,omitempty"`

	GlobalRatePerMinute float64 `json:"global_rate_per_minute,omitempty"`
	ShuffleChunkMin     int     `json:"shuffle_chunk_min,omitempty"`
	ShuffleChunkMax     int     `json:"shuffle_chunk_max,omitempty"`

	ConnectAttempts        int    `json:"connect_attempts,omitempty"`
	ConnectRetryDelay      string `json:"connect_retry_delay,omitempty"`
	FloodAbortAfter        string `json:"flood_abort_after,omitempty"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`

	PostRunPauseMin       string `json:"post_run_pause_min,omitempty"`
	PostRunPauseMax       string `json:"post_run_pause_max,omitempty"`
	WarmupPostRunPauseMin string `json:"warmup_post_run_pause_min,omitempty"`
	WarmupPostRunPauseMax string `json:"warmup_post_run_pause_max,omitempty"`
	StopGrace             string `json:"stop_grace,omitempty"`
}

type SessionConfig struct {
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	ReapInterval string `json:"reap_interval,omitempty"`
}

// SchedulerConfig controls cron evaluation. Timezone is an IANA name like
// "Europe/Berlin"; empty means the process-local zone.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// Validate catches the problems a reload must reject before commit.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts: at least one account required")
	}
	seen := map[string]bool{}
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("accounts[%d]: id required", i)
		}
		if strings.TrimSpace(a.Token) == "" {
			return fmt.Errorf("accounts[%d] (%s): token required", i, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if _, err := parseAccountDate(a.CreatedAt); err != nil {
			return fmt.Errorf("accounts[%d] (%s): %w", i, a.ID, err)
		}
	}
	if _, err := c.AdmissionConfig(); err != nil {
		return err
	}
	if _, err := c.ExecutorConfig(); err != nil {
		return err
	}
	if _, err := c.SessionConfig(); err != nil {
		return err
	}
	if _, err := c.TelegramTimeout(); err != nil {
		return err
	}
	if _, err := c.SchedulerLocation(); err != nil {
		return err
	}
	return nil
}

// SchedulerLocation resolves the scheduler timezone. Empty means local.
func (c *Config) SchedulerLocation() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) LoggingFor() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{Driver: c.Storage.Driver, Path: c.Storage.Path}
}

func (c *Config) AdmissionConfig() (admission.Config, error) {
	a := c.Admission
	out := admission.Config{
		MatureAge:              time.Duration(a.MatureAgeDays) * 24 * time.Hour,
		DisableLimitsForMature: a.DisableLimitsForMature,
		MatureDailyCeiling:     a.MatureDailyCeiling,
		WarmupOnPeerFlood:      a.WarmupOnPeerFlood == nil || *a.WarmupOnPeerFlood,
		WarmupDailyLimit:       a.WarmupDailyLimit,
	}
	for _, t := range a.Tiers {
		out.Tiers = append(out.Tiers, admission.Tier{
			MaxAge:     time.Duration(t.MaxAgeDays) * 24 * time.Hour,
			DailyLimit: t.DailyLimit,
		})
	}
	var err error
	if out.CampaignCooldownMin, err = ParseDurationField("admission.campaign_cooldown_min", a.CampaignCooldownMin); err != nil {
		return out, err
	}
	if out.CampaignCooldownMax, err = ParseDurationField("admission.campaign_cooldown_max", a.CampaignCooldownMax); err != nil {
		return out, err
	}
	if out.MessageDelay, err = ParseDurationField("admission.message_delay", a.MessageDelay); err != nil {
		return out, err
	}
	if out.PeerFloodCooldown, err = ParseDurationField("admission.peer_flood_cooldown", a.PeerFloodCooldown); err != nil {
		return out, err
	}
	if out.WarmupWindow, err = ParseDurationField("admission.warmup_window", a.WarmupWindow); err != nil {
		return out, err
	}
	if out.WarmupMessageDelay, err = ParseDurationField("admission.warmup_message_delay", a.WarmupMessageDelay); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) ServiceConfig() dispatch.ServiceConfig {
	return dispatch.ServiceConfig{
		QueueSize: c.Dispatch.QueueSize,
		Workers:   c.Dispatch.Workers,
		Permits:   c.Dispatch.Permits,
	}
}

func (c *Config) ExecutorConfig() (dispatch.ExecutorConfig, error) {
	d := c.Dispatch
	out := dispatch.ExecutorConfig{
		GlobalRate:             rateFromPerMinute(d.GlobalRatePerMinute),
		ShuffleChunkMin:        d.ShuffleChunkMin,
		ShuffleChunkMax:        d.ShuffleChunkMax,
		ConnectAttempts:        d.ConnectAttempts,
		MaxConsecutiveFailures: d.MaxConsecutiveFailures,
	}
	var err error
	if out.ConnectRetryDelay, err = ParseDurationField("dispatch.connect_retry_delay", d.ConnectRetryDelay); err != nil {
		return out, err
	}
	if out.FloodAbortAfter, err = ParseDurationField("dispatch.flood_abort_after", d.FloodAbortAfter); err != nil {
		return out, err
	}
	if out.PostRunPauseMin, err = ParseDurationField("dispatch.post_run_pause_min", d.PostRunPauseMin); err != nil {
		return out, err
	}
	if out.PostRunPauseMax, err = ParseDurationField("dispatch.post_run_pause_max", d.PostRunPauseMax); err != nil {
		return out, err
	}
	if out.WarmupPostRunPauseMin, err = ParseDurationField("dispatch.warmup_post_run_pause_min", d.WarmupPostRunPauseMin); err != nil {
		return out, err
	}
	if out.WarmupPostRunPauseMax, err = ParseDurationField("dispatch.warmup_post_run_pause_max", d.WarmupPostRunPauseMax); err != nil {
		return out, err
	}
	return out, nil
}

// StopGrace is how long Stop waits for in-flight runs.
func (c *Config) StopGrace() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.stop_grace", c.Dispatch.StopGrace, 30*time.Second)
}

func (c *Config) SessionConfig() (session.Config, error) {
	var out session.Config
	var err error
	if out.IdleTimeout, err = ParseDurationField("session.idle_timeout", c.Session.IdleTimeout); err != nil {
		return out, err
	}
	if out.ReapInterval, err = ParseDurationField("session.reap_interval", c.Session.ReapInterval); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) TelegramTimeout() (time.Duration, error) {
	return ParseDurationField("telegram.request_timeout", c.Telegram.RequestTimeout)
}

// Account returns the account entry by ID.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// AccountCreatedAt parses the account's creation date. Zero time when unset.
func (a AccountConfig) AccountCreatedAt() time.Time {
	t, _ := parseAccountDate(a.CreatedAt)
	return t
}

func parseAccountDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid created_at %q (use 2006-01-02 or RFC 3339)", raw)
	}
	return t, nil
}
