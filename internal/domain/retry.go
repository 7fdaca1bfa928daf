package domain

import "time"

// RetryPolicy controls governor-driven retries for one campaign.
// At most one policy exists per campaign.
type RetryPolicy struct {
	CampaignID       string     `json:"campaign_id" db:"campaign_id"`
	Enabled          bool       `json:"enabled" db:"enabled"`
	MaxAttempts      int        `json:"max_attempts" db:"max_attempts"`
	BaseDelaySeconds int        `json:"base_delay_seconds" db:"base_delay_seconds"`
	BatchSize        int        `json:"batch_size" db:"batch_size"`
	HourlyCap        int        `json:"hourly_cap" db:"hourly_cap"`
	WindowedOnly     bool       `json:"windowed_only" db:"windowed_only"`
	WindowStartHour  int        `json:"window_start_hour" db:"window_start_hour"`
	WindowEndHour    int        `json:"window_end_hour" db:"window_end_hour"`
	WindowDays       []int      `json:"window_days" db:"window_days"` // ISO weekdays, 1=Mon..7=Sun
	PausedUntil      *time.Time `json:"paused_until" db:"paused_until"`

	// Running totals
	Attempted int `json:"attempted" db:"attempted"`
	Succeeded int `json:"succeeded" db:"succeeded"`
	Failed    int `json:"failed" db:"failed"`
}

// Active reports whether the policy may fire at the given time.
// The hourly cap is enforced separately by the governor.
func (p *RetryPolicy) Active(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.PausedUntil == nil || p.PausedUntil.Before(now)
}

// InWindow reports whether now falls inside the policy's retry window.
// Policies without WindowedOnly are always in window.
func (p *RetryPolicy) InWindow(now time.Time) bool {
	if !p.WindowedOnly {
		return true
	}
	if len(p.WindowDays) > 0 {
		iso := int(now.Weekday())
		if iso == 0 {
			iso = 7 // time.Sunday is 0, ISO Sunday is 7
		}
		found := false
		for _, d := range p.WindowDays {
			if d == iso {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	h := now.Hour()
	return h >= p.WindowStartHour && h < p.WindowEndHour
}
