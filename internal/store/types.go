// Package store persists the engine's durable state: campaign definitions,
// per-account rate-limit state, delivery outcomes, and the discovered group
// lists used by discovery-mode campaigns. Two backends exist; the file
// backend is the default and the sqlite backend is opt-in via config.
package store

import (
	"context"
	"errors"
	"time"

	"campaigner/internal/admission"
	"campaigner/internal/campaign"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence boundary. Run requests are deliberately absent:
// the queue is ephemeral and rebuilt from schedules on restart.
type Store interface {
	// Campaigns.
	PutCampaign(ctx context.Context, c campaign.Campaign) error
	Campaign(ctx context.Context, id string) (campaign.Campaign, error)
	Campaigns(ctx context.Context) ([]campaign.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	// UpdateCampaignStats bumps the run bookkeeping after a finished run.
	UpdateCampaignStats(ctx context.Context, id string, lastRun time.Time, sentDelta int64) error

	// Outcomes are append-only.
	RecordOutcomes(ctx context.Context, outs []campaign.DeliveryOutcome) error
	Outcomes(ctx context.Context, campaignID string, limit int) ([]campaign.DeliveryOutcome, error)

	// Per-account rate state.
	UpsertRateStates(ctx context.Context, states []admission.RateState) error
	RateStates(ctx context.Context) ([]admission.RateState, error)

	// Discovered group destinations per account.
	PutAccountGroups(ctx context.Context, accountID string, groups []string) error
	AccountGroups(ctx context.Context, accountID string) ([]string, error)

	Close() error
}
