package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AccountAgeTier buckets a messenger account by age. The tier drives the
// default pacing parameters: younger accounts send slower.
type AccountAgeTier string

const (
	TierNew         AccountAgeTier = "NEW"         // 0-7 days
	TierWarming     AccountAgeTier = "WARMING"     // 8-30 days
	TierEstablished AccountAgeTier = "ESTABLISHED" // >30 days
)

// TierForAccountAge maps an account age in days onto a tier.
func TierForAccountAge(days int) AccountAgeTier {
	switch {
	case days <= 7:
		return TierNew
	case days <= 30:
		return TierWarming
	default:
		return TierEstablished
	}
}

// BusinessHours bounds when sends are permitted. Hours are local, half-open
// [StartHour, EndHour). The lunch break, when set, is excluded from the window.
type BusinessHours struct {
	StartHour       int  `json:"start_hour"`
	EndHour         int  `json:"end_hour"`
	LunchStart      int  `json:"lunch_start"`
	LunchEnd        int  `json:"lunch_end"`
	ExcludeWeekends bool `json:"exclude_weekends"`
}

// PacingOverrides lets a campaign replace individual tier defaults.
// Zero values mean "use the tier default".
type PacingOverrides struct {
	DelayMinSeconds    int `json:"delay_min_seconds"`
	DelayMaxSeconds    int `json:"delay_max_seconds"`
	RestThreshold      int `json:"rest_threshold"`
	RestMinMinutes     int `json:"rest_min_minutes"`
	RestMaxMinutes     int `json:"rest_max_minutes"`
	DailyCap           int `json:"daily_cap"`
	ShuffleSkipPercent int `json:"shuffle_skip_percent"` // requeue reinsertion window, default 15-20%
}

// ChaosProbabilities are the human-simulation dice. Values are 0..1;
// a nil struct means the built-in defaults, an explicit zero disables a roll.
type ChaosProbabilities struct {
	Distraction  float64 `json:"distraction"`   // default 0.05, 30-120s
	AppSwitching float64 `json:"app_switching"` // default 0.05, 60-180s
	LongBreak    float64 `json:"long_break"`    // default 0.10, 5-15min
	TypoPause    float64 `json:"typo_pause"`    // default 0.15, 1-4s
}

// RetryConfig is the campaign-level retry policy input; the manager persists
// it as a RetryPolicy row when enabled.
type RetryConfig struct {
	Enabled          bool  `json:"enabled"`
	MaxAttempts      int   `json:"max_attempts"`
	BaseDelaySeconds int   `json:"base_delay_seconds"`
	BatchSize        int   `json:"batch_size"`
	HourlyCap        int   `json:"hourly_cap"`
	WindowedOnly     bool  `json:"windowed_only"`
	WindowStartHour  int   `json:"window_start_hour"`
	WindowEndHour    int   `json:"window_end_hour"`
	WindowDays       []int `json:"window_days"`
}

// HealthThresholds override the monitor's alert/pause trip points.
type HealthThresholds struct {
	WarnBanRate    float64 `json:"warn_ban_rate"`    // default 0.03
	PauseBanRate   float64 `json:"pause_ban_rate"`   // default 0.05
	WarnConsecFail int     `json:"warn_consec_fail"` // default 10
	PauseConsecFail int    `json:"pause_consec_fail"` // default 15
	MinSample      int     `json:"min_sample"`        // default 20
}

// CampaignConfig is the typed configuration record attached to a campaign.
// It is stored as a JSON blob; unknown fields are rejected at decode time.
type CampaignConfig struct {
	Shuffle              *bool               `json:"shuffle,omitempty"` // default true
	AccountAge           AccountAgeTier      `json:"account_age,omitempty"`
	RespectBusinessHours *bool               `json:"respect_business_hours,omitempty"` // default true
	BusinessHours        *BusinessHours      `json:"business_hours,omitempty"`
	Pacing               *PacingOverrides    `json:"pacing,omitempty"`
	Chaos                *ChaosProbabilities `json:"chaos,omitempty"`
	SkipPhoneValidation  bool                `json:"skip_phone_validation,omitempty"`
	AutoResume           bool                `json:"auto_resume,omitempty"`
	RetryPolicy          *RetryConfig        `json:"retry_policy,omitempty"`
	HealthThresholds     *HealthThresholds   `json:"health_thresholds,omitempty"`
}

// ShuffleEnabled resolves the shuffle default (true).
func (c *CampaignConfig) ShuffleEnabled() bool {
	return c.Shuffle == nil || *c.Shuffle
}

// BusinessHoursEnabled resolves the respect-business-hours default (true).
func (c *CampaignConfig) BusinessHoursEnabled() bool {
	return c.RespectBusinessHours == nil || *c.RespectBusinessHours
}

// Tier resolves the account age tier, defaulting to NEW (the safest pacing).
func (c *CampaignConfig) Tier() AccountAgeTier {
	switch c.AccountAge {
	case TierNew, TierWarming, TierEstablished:
		return c.AccountAge
	default:
		return TierNew
	}
}

// DecodeCampaignConfig parses a stored config blob. Unknown fields are
// rejected so ad-hoc request payloads cannot smuggle settings through.
func DecodeCampaignConfig(raw []byte) (CampaignConfig, error) {
	var cfg CampaignConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return CampaignConfig{}, fmt.Errorf("invalid campaign config: %w", err)
	}
	return cfg, nil
}

// EncodeCampaignConfig serializes the config for storage.
func EncodeCampaignConfig(cfg CampaignConfig) ([]byte, error) {
	return json.Marshal(cfg)
}
