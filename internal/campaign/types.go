package campaign

import (
	"strings"
	"time"
)

// Campaign is a unit of recurring delivery work: one account broadcasting one
// piece of content to a set of destinations on a cadence.
type Campaign struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	AccountID string   `json:"account_id"`
	Content   string   `json:"content"`
	Targets   []string `json:"targets,omitempty"`

	// AllGroups replaces an explicit target list with run-time discovery of
	// every reachable group destination for the account.
	AllGroups bool `json:"all_groups,omitempty"`

	Cadence   Cadence `json:"cadence"`
	Active    bool    `json:"active"`
	Immediate bool    `json:"immediate,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	SentCount int64     `json:"sent_count"`
}

// EstimatedTargets is the message-count estimate used for campaign-level
// admission. Discovery-mode campaigns resolve their real target set only at
// run time, so they are estimated at a single message.
func (c Campaign) EstimatedTargets() int {
	if c.AllGroups || len(c.Targets) == 0 {
		return 1
	}
	return len(c.Targets)
}

// RunRequest is an ephemeral queue entry. It is created by a scheduler firing
// (or an operator action), consumed exactly once by a worker, never persisted.
type RunRequest struct {
	CampaignID string
	Reason     RunReason
	EnqueuedAt time.Time
}

type RunReason string

const (
	RunScheduled RunReason = "scheduled"
	RunImmediate RunReason = "immediate"
	RunManual    RunReason = "manual"
)

// DeliveryOutcome records the result of one send attempt within one campaign
// run. Outcomes are append-only; they are never mutated after creation.
type DeliveryOutcome struct {
	CampaignID string    `json:"campaign_id"`
	RunID      string    `json:"run_id"`
	Target     string    `json:"target"`
	OK         bool      `json:"ok"`
	MessageID  string    `json:"message_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Validate reports the first structural problem with a campaign, if any.
func (c Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errField("id")
	}
	if strings.TrimSpace(c.AccountID) == "" {
		return errField("account_id")
	}
	if strings.TrimSpace(c.Content) == "" {
		return errField("content")
	}
	if !c.AllGroups && len(c.Targets) == 0 {
		return errField("targets")
	}
	if c.Cadence.Kind == "" {
		return errField("cadence.kind")
	}
	return nil
}

type fieldError string

func errField(name string) error { return fieldError(name) }

func (e fieldError) Error() string { return "campaign: missing or invalid field " + string(e) }
