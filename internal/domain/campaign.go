package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a blast campaign.
type CampaignStatus string

const (
	CampaignIdle      CampaignStatus = "idle"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignError     CampaignStatus = "error"
)

// Campaign represents one blast job: a template plus a recipient list,
// paced out through a single messenger session.
type Campaign struct {
	ID        string `json:"id" db:"id"`
	OwnerID   string `json:"owner_id" db:"owner_id"`
	SessionID string `json:"session_id" db:"session_id"`
	Name      string `json:"name" db:"name"`
	Template  string `json:"template" db:"template"`

	Status    CampaignStatus `json:"status" db:"status"`
	Config    CampaignConfig `json:"config" db:"config"`
	LastError string         `json:"last_error" db:"last_error"`

	// Counters (monotonically non-decreasing while running/paused)
	TotalCount   int `json:"total_count" db:"total_count"`
	SentCount    int `json:"sent_count" db:"sent_count"`
	FailedCount  int `json:"failed_count" db:"failed_count"`
	SkippedCount int `json:"skipped_count" db:"skipped_count"`
	CurrentIndex int `json:"current_index" db:"current_index"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	ResumedAt   *time.Time `json:"resumed_at" db:"resumed_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	StoppedAt   *time.Time `json:"stopped_at" db:"stopped_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignStopped || c.Status == CampaignError
}

// ProgressPct is the single source of truth for campaign progress:
// (sent + failed + skipped) / total * 100. Returns 0 for an empty campaign.
func (c *Campaign) ProgressPct() float64 {
	if c.TotalCount == 0 {
		return 0
	}
	done := c.SentCount + c.FailedCount + c.SkippedCount
	return float64(done) / float64(c.TotalCount) * 100
}

// Snapshot is the read-only view returned by Manager.Status.
type Snapshot struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       CampaignStatus `json:"status"`
	TotalCount   int            `json:"total_count"`
	SentCount    int            `json:"sent_count"`
	FailedCount  int            `json:"failed_count"`
	SkippedCount int            `json:"skipped_count"`
	ProgressPct  float64        `json:"progress_pct"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	PausedAt     *time.Time     `json:"paused_at,omitempty"`
	ResumedAt    *time.Time     `json:"resumed_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	StoppedAt    *time.Time     `json:"stopped_at,omitempty"`
}

// Snapshot builds the status view for the campaign.
func (c *Campaign) Snapshot() Snapshot {
	return Snapshot{
		ID:           c.ID,
		Name:         c.Name,
		Status:       c.Status,
		TotalCount:   c.TotalCount,
		SentCount:    c.SentCount,
		FailedCount:  c.FailedCount,
		SkippedCount: c.SkippedCount,
		ProgressPct:  c.ProgressPct(),
		LastError:    c.LastError,
		CreatedAt:    c.CreatedAt,
		StartedAt:    c.StartedAt,
		PausedAt:     c.PausedAt,
		ResumedAt:    c.ResumedAt,
		CompletedAt:  c.CompletedAt,
		StoppedAt:    c.StoppedAt,
	}
}
