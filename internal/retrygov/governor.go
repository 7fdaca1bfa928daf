// Package retrygov re-drives failed messages on a slow background cadence.
// The governor wakes every minute, walks the enabled retry policies, and
// replays small batches of retry-eligible failures within each policy's
// hourly budget and send window.
package retrygov

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pacing"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/ratelimit"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/render"
)

const (
	defaultTick      = 60 * time.Second
	defaultBatchSize = 5
	gapMin           = 3 * time.Second
	gapMax           = 8 * time.Second
)

// Repository is the slice of the store the governor needs.
type Repository interface {
	ListEnabledRetryPolicies(ctx context.Context) ([]domain.RetryPolicy, error)
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	SelectRetryBatch(ctx context.Context, campaignID string, limit int, baseDelay time.Duration) ([]domain.Message, error)
	ReserveMessages(ctx context.Context, ids []int64) ([]domain.Message, error)
	MarkMessageSent(ctx context.Context, id int64, messengerID, renderedText string) error
	MarkMessageFailed(ctx context.Context, id int64, errMsg string) error
	MarkMessageSkipped(ctx context.Context, id int64, reason string) error
	DeferRetry(ctx context.Context, id int64) error
	IncrementCampaignCounter(ctx context.Context, id, counter string) error
	AddRetryTotals(ctx context.Context, campaignID string, attempted, succeeded, failed int) error
}

// Governor drives background retries across all campaigns.
type Governor struct {
	repo      Repository
	transport messenger.Messenger
	renderer  *render.Renderer
	limiter   *ratelimit.Limiter

	mu  sync.Mutex
	rng *rand.Rand

	tick           time.Duration
	gapMin, gapMax time.Duration
	now            func() time.Time
}

// New builds a governor on the default 60s cadence.
func New(repo Repository, transport messenger.Messenger, renderer *render.Renderer, limiter *ratelimit.Limiter, src rand.Source) *Governor {
	return &Governor{
		repo:      repo,
		transport: transport,
		renderer:  renderer,
		limiter:   limiter,
		rng:       rand.New(src),
		tick:      defaultTick,
		gapMin:    gapMin,
		gapMax:    gapMax,
		now:       time.Now,
	}
}

// SetCadence overrides the tick interval and inter-item gap. Tests use this
// to run fast.
func (g *Governor) SetCadence(tick, gapMin, gapMax time.Duration) {
	g.tick, g.gapMin, g.gapMax = tick, gapMin, gapMax
}

// SetClock overrides the governor's clock.
func (g *Governor) SetClock(now func() time.Time) { g.now = now }

// Run ticks until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) {
	t := time.NewTicker(g.tick)
	defer t.Stop()
	logger.Info("retry governor started", "tick", g.tick.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("retry governor stopped")
			return
		case <-t.C:
			g.Tick(ctx)
		}
	}
}

// Tick runs one governor pass over every enabled policy.
func (g *Governor) Tick(ctx context.Context) {
	policies, err := g.repo.ListEnabledRetryPolicies(ctx)
	if err != nil {
		logger.Error("retry governor list failed", "error", err.Error())
		return
	}

	now := g.now()
	for _, p := range policies {
		if !p.Active(now) || !p.InWindow(now) {
			continue
		}
		if err := g.runPolicy(ctx, p); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("retry pass failed",
				"campaign_id", p.CampaignID, "error", err.Error())
		}
	}
}

func (g *Governor) runPolicy(ctx context.Context, p domain.RetryPolicy) error {
	c, err := g.repo.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignRunning {
		// paused, stopped, and completed campaigns get no background sends;
		// their failures wait until the campaign runs again (or forceRetry)
		return nil
	}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	baseDelay := time.Duration(p.BaseDelaySeconds) * time.Second

	batch, err := g.repo.SelectRetryBatch(ctx, p.CampaignID, batchSize, baseDelay)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	var attempted, succeeded, failed int
	for i := range batch {
		if i > 0 {
			if err := pacing.Sleep(ctx, g.gap()); err != nil {
				break
			}
		}

		allowed := true
		if p.HourlyCap > 0 && g.limiter != nil {
			key := ratelimit.HourlyRetryKey(p.CampaignID, g.now())
			ok, _, err := g.limiter.Allow(ctx, key, p.HourlyCap, 2*time.Hour)
			if err != nil {
				// budget unknowable, fail open rather than stall retries
				logger.Warn("retry budget check failed",
					"campaign_id", p.CampaignID, "error", err.Error())
			} else {
				allowed = ok
			}
		}
		if !allowed {
			// out of budget for this hour, put the rest back without
			// burning their attempts
			for _, m := range batch[i:] {
				if err := g.repo.DeferRetry(ctx, m.ID); err != nil {
					logger.Error("retry defer failed", "message_id", m.ID, "error", err.Error())
				}
			}
			logger.Info("retry hourly cap reached",
				"campaign_id", p.CampaignID, "deferred", len(batch)-i)
			break
		}

		attempted++
		if g.sendOne(ctx, c, &batch[i]) {
			succeeded++
		} else {
			failed++
		}
	}

	if attempted > 0 {
		if err := g.repo.AddRetryTotals(ctx, p.CampaignID, attempted, succeeded, failed); err != nil {
			logger.Error("retry totals update failed",
				"campaign_id", p.CampaignID, "error", err.Error())
		}
		logger.Info("retry pass done", "campaign_id", p.CampaignID,
			"attempted", attempted, "succeeded", succeeded, "failed", failed)
	}
	return nil
}

// ForceRetry replays the given messages immediately, bypassing the window
// and budget gates. Returns how many attempts succeeded.
func (g *Governor) ForceRetry(ctx context.Context, campaignID string, ids []int64) (int, error) {
	c, err := g.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	batch, err := g.repo.ReserveMessages(ctx, ids)
	if err != nil {
		return 0, err
	}

	var attempted, succeeded int
	for i := range batch {
		if i > 0 {
			if err := pacing.Sleep(ctx, g.gap()); err != nil {
				break
			}
		}
		attempted++
		if g.sendOne(ctx, c, &batch[i]) {
			succeeded++
		}
	}

	if attempted > 0 {
		if err := g.repo.AddRetryTotals(ctx, campaignID, attempted, succeeded, attempted-succeeded); err != nil {
			logger.Error("retry totals update failed",
				"campaign_id", campaignID, "error", err.Error())
		}
	}
	logger.Info("force retry done", "campaign_id", campaignID,
		"requested", len(ids), "attempted", attempted, "succeeded", succeeded)
	return succeeded, nil
}

// sendOne re-renders the template (a fresh spin draw, same variables) and
// replays the message. Reports whether the attempt succeeded.
func (g *Governor) sendOne(ctx context.Context, c *domain.Campaign, m *domain.Message) bool {
	text := g.renderer.Render(c.Template, m.RenderVars())

	res, err := g.transport.Send(ctx, c.SessionID, m.Phone, text)
	if err == nil && res.OK {
		if err := g.repo.MarkMessageSent(ctx, m.ID, res.MessageID, text); err != nil {
			logger.Error("retry mark sent failed", "message_id", m.ID, "error", err.Error())
			return false
		}
		if err := g.repo.IncrementCampaignCounter(ctx, c.ID, "sent"); err != nil {
			logger.Error("retry counter update failed", "campaign_id", c.ID, "error", err.Error())
		}
		return true
	}

	reason := "send failed"
	switch {
	case err != nil:
		reason = err.Error()
	case res.Err != nil:
		reason = res.Err.Error()
	}

	if err == nil && res.Permanent {
		if err := g.repo.MarkMessageSkipped(ctx, m.ID, reason); err != nil {
			logger.Error("retry mark skipped failed", "message_id", m.ID, "error", err.Error())
		}
		if err := g.repo.IncrementCampaignCounter(ctx, c.ID, "skipped"); err != nil {
			logger.Error("retry counter update failed", "campaign_id", c.ID, "error", err.Error())
		}
		return false
	}

	if err := g.repo.MarkMessageFailed(ctx, m.ID, reason); err != nil {
		logger.Error("retry mark failed failed", "message_id", m.ID, "error", err.Error())
		return false
	}
	// the failed counter tracks terminal failures only
	if m.Attempts+1 >= m.MaxAttempts {
		if err := g.repo.IncrementCampaignCounter(ctx, c.ID, "failed"); err != nil {
			logger.Error("retry counter update failed", "campaign_id", c.ID, "error", err.Error())
		}
	}
	return false
}

func (g *Governor) gap() time.Duration {
	if g.gapMax <= g.gapMin {
		return g.gapMin
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gapMin + time.Duration(g.rng.Int63n(int64(g.gapMax-g.gapMin)))
}
