// Package validator pre-flights a campaign's recipient list against the
// messenger network. Numbers that do not exist are failed up front so the
// blast never wastes a send (or a detection signal) on them.
package validator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pacing"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
)

// Repository is the slice of the store the validator needs.
type Repository interface {
	ListPendingMessages(ctx context.Context, campaignID string) ([]domain.Message, error)
	MarkMessageInvalid(ctx context.Context, id int64, reason string) error
	IncrementCampaignCounter(ctx context.Context, id, counter string) error
}

// Report summarizes one validation pass.
type Report struct {
	Total          int    `json:"total"`
	Valid          int    `json:"valid"`
	Invalid        int    `json:"invalid"`
	LookupErrors   int    `json:"lookup_errors"`
	Skipped        bool   `json:"skipped"`
	Recommendation string `json:"recommendation"`
}

// ValidRate is the fraction of checked numbers that exist on the network.
func (r Report) ValidRate() float64 {
	checked := r.Valid + r.Invalid
	if checked == 0 {
		return 1
	}
	return float64(r.Valid) / float64(checked)
}

// Validator walks a campaign's pending numbers sequentially, spacing lookups
// out so the burst itself does not look automated.
type Validator struct {
	repo      Repository
	transport messenger.Messenger

	mu  sync.Mutex
	rng *rand.Rand

	spacingMin time.Duration
	spacingMax time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds a validator with the standard 3-5s lookup spacing.
func New(repo Repository, transport messenger.Messenger, src rand.Source) *Validator {
	return &Validator{
		repo:       repo,
		transport:  transport,
		rng:        rand.New(src),
		spacingMin: 3 * time.Second,
		spacingMax: 5 * time.Second,
		sleep:      pacing.Sleep,
	}
}

// SetSleep overrides the sleeper; the manager threads its own through so
// virtual-time tests cover validation too.
func (v *Validator) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	v.sleep = sleep
}

// SetSpacing overrides the inter-lookup spacing. Tests use this to run fast.
func (v *Validator) SetSpacing(min, max time.Duration) {
	v.spacingMin, v.spacingMax = min, max
}

// Validate checks every pending number of the campaign in index order.
// Invalid numbers, and numbers whose lookup errored, are failed terminally
// with the campaign's failed counter bumped.
// With skip_phone_validation set the pass is a no-op and the report says so.
func (v *Validator) Validate(ctx context.Context, c *domain.Campaign) (Report, error) {
	if c.Config.SkipPhoneValidation {
		logger.Info("phone validation skipped", "campaign_id", c.ID)
		return Report{Skipped: true, Recommendation: "validation skipped by campaign config"}, nil
	}

	msgs, err := v.repo.ListPendingMessages(ctx, c.ID)
	if err != nil {
		return Report{}, domain.NewError(domain.KindRepository, err)
	}

	report := Report{Total: len(msgs)}
	for i, m := range msgs {
		if i > 0 {
			if err := v.sleep(ctx, v.spacing()); err != nil {
				return report, err
			}
		}

		exists, err := v.transport.Lookup(ctx, c.SessionID, m.Phone)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			// an unverifiable number is treated like an unknown one; letting
			// it through would spend a send on a possible dead number
			report.LookupErrors++
			report.Invalid++
			if err := v.drop(ctx, c.ID, m.ID, "lookup failed: "+err.Error()); err != nil {
				return report, err
			}
			logger.Warn("phone lookup failed, dropping number",
				"campaign_id", c.ID, "phone", m.Phone, "error", err.Error())
			continue
		}
		if exists {
			report.Valid++
			continue
		}

		report.Invalid++
		if err := v.drop(ctx, c.ID, m.ID, "not on messenger"); err != nil {
			return report, err
		}
		logger.Info("invalid number removed from queue",
			"campaign_id", c.ID, "phone", m.Phone)
	}

	report.Recommendation = recommend(report)
	logger.Info("phone validation finished",
		"campaign_id", c.ID, "total", report.Total,
		"valid", report.Valid, "invalid", report.Invalid)
	return report, nil
}

// drop fails the message terminally and bumps the campaign's failed counter.
func (v *Validator) drop(ctx context.Context, campaignID string, msgID int64, reason string) error {
	if err := v.repo.MarkMessageInvalid(ctx, msgID, reason); err != nil {
		return domain.NewError(domain.KindRepository, err)
	}
	if err := v.repo.IncrementCampaignCounter(ctx, campaignID, "failed"); err != nil {
		return domain.NewError(domain.KindRepository, err)
	}
	return nil
}

func recommend(r Report) string {
	rate := r.ValidRate()
	switch {
	case rate < 0.5:
		return fmt.Sprintf("warning: only %.0f%% of numbers are valid, review the contact source before sending", rate*100)
	case rate < 0.8:
		return fmt.Sprintf("caution: %.0f%% of numbers are valid, expect elevated failure counts", rate*100)
	default:
		return "good: contact list looks healthy"
	}
}

func (v *Validator) spacing() time.Duration {
	if v.spacingMax <= v.spacingMin {
		return v.spacingMin
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spacingMin + time.Duration(v.rng.Int63n(int64(v.spacingMax-v.spacingMin)))
}
