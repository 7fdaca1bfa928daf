package campaign

import (
	"context"
	"time"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/broadcast"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/health"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pacing"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/queue"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/ratelimit"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/render"
)

const emptyQueuePoll = 5 * time.Second

// runLoop drives one RUNNING campaign to a terminal or paused state. It owns
// every sleep; all of them abort when the handle is cancelled. The loop never
// exits mid-message: the current outcome is persisted first.
func (m *Manager) runLoop(ctx context.Context, h *handle, c *domain.Campaign, force bool) {
	defer close(h.done)
	defer m.forget(c.ID, h)

	cfg := c.Config
	policy := pacing.New(cfg, m.newSource())
	if force {
		policy.DisableWindow()
	}
	skipPct := 0
	if cfg.Pacing != nil {
		skipPct = cfg.Pacing.ShuffleSkipPercent
	}
	q := queue.New(m.store, c.ID, cfg.ShuffleEnabled(), skipPct, m.newSource())
	q.SetNow(m.now)
	monitor := health.New(cfg.HealthThresholds)
	renderer := render.New(m.newSource())

	logger.Info("loop started", "campaign_id", c.ID,
		"tier", string(cfg.Tier()), "daily_cap", policy.DailyCap(), "forced", force)

	sentSinceRest := 0
	sentToday := 0
	day := m.now().Format("2006-01-02")

	for {
		if ctx.Err() != nil {
			return
		}
		cur, err := m.store.GetCampaign(ctx, c.ID)
		if err != nil {
			if ctx.Err() != nil {
				return // shutdown, not a store fault; recovery respawns us
			}
			m.failCampaign(c, "load campaign: "+err.Error())
			return
		}
		if cur.Status != domain.CampaignRunning {
			return
		}

		now := m.now()
		if !policy.IsWithinWindow(now) {
			next := policy.NextSendAt(now)
			logger.Info("outside send window, sleeping",
				"campaign_id", c.ID, "until", next.Format(time.RFC3339))
			if m.sleep(ctx, next.Sub(now)) != nil {
				return
			}
			continue
		}

		if d := now.Format("2006-01-02"); d != day {
			day, sentToday = d, 0
		}
		if sentToday >= policy.DailyCap() || m.dailyBudgetSpent(ctx, c.ID, policy, now) {
			next := policy.NextDayStart(now)
			logger.Info("daily cap reached, sleeping until tomorrow",
				"campaign_id", c.ID, "until", next.Format(time.RFC3339))
			if m.sleep(ctx, next.Sub(now)) != nil {
				return
			}
			continue
		}

		msg, err := q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.failCampaign(c, "reserve message: "+err.Error())
			return
		}
		if msg == nil {
			stats, err := q.Stats(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.failCampaign(c, "queue stats: "+err.Error())
				return
			}
			if stats.Pending == 0 && stats.Processing == 0 {
				// give retry-eligible failures their next attempt before
				// declaring the campaign done
				if n, err := q.ResetFailed(ctx); err != nil {
					m.failCampaign(c, "reset failed: "+err.Error())
					return
				} else if n > 0 {
					logger.Info("replaying retry-eligible failures",
						"campaign_id", c.ID, "count", n)
					continue
				}
				m.completeCampaign(ctx, c)
				return
			}
			if m.sleep(ctx, emptyQueuePoll) != nil {
				return
			}
			continue
		}

		text := renderer.Render(c.Template, msg.RenderVars())

		aborted := false
		for _, p := range policy.SendPauses(len([]rune(text))) {
			if m.sleep(ctx, p.Duration) != nil {
				aborted = true
				break
			}
		}
		if aborted {
			// not attempted yet, hand the claim back untouched
			if err := m.store.ReleaseMessage(context.Background(), msg.ID); err != nil {
				logger.Error("release on shutdown failed", "message_id", msg.ID, "error", err.Error())
			}
			return
		}

		outcome := m.sendMessage(ctx, c, policy, q, msg, text)
		if outcome == outcomeAborted {
			return
		}

		if err := m.store.SetCurrentIndex(context.Background(), c.ID, msg.Index); err != nil {
			logger.Error("current index update failed", "campaign_id", c.ID, "error", err.Error())
		}
		m.emitProgress(c)

		var verdict health.Assessment
		switch outcome {
		case outcomeSent:
			sentToday++
			sentSinceRest++
			m.chargeDailyBudget(c.ID, policy, m.now())
			verdict = monitor.RecordSent()
		case outcomeFailed:
			verdict = monitor.RecordFailed()
		default: // skipped and requeued outcomes carry no ban signal
			verdict = monitor.Check()
		}

		if verdict.Level == health.LevelPause {
			reason := "health: " + verdict.Reason
			if err := m.store.UpdateCampaignStatus(context.Background(), c.ID, domain.CampaignPaused, reason); err != nil {
				logger.Error("health pause failed", "campaign_id", c.ID, "error", err.Error())
			}
			m.hub.Emit(c.OwnerID, broadcast.EventCampaignAlert, map[string]interface{}{
				"campaign_id": c.ID,
				"level":       "pause",
				"reason":      verdict.Reason,
				"ban_rate":    verdict.BanRate,
			})
			logger.Warn("campaign auto-paused", "campaign_id", c.ID, "reason", verdict.Reason)
			return
		}
		if verdict.Level == health.LevelWarn {
			m.hub.Emit(c.OwnerID, broadcast.EventCampaignAlert, map[string]interface{}{
				"campaign_id": c.ID,
				"level":       "warning",
				"reason":      verdict.Reason,
				"ban_rate":    verdict.BanRate,
			})
		}

		if sentSinceRest >= policy.RestThreshold() {
			rest := policy.RestDuration()
			logger.Info("resting", "campaign_id", c.ID, "duration", rest.String())
			sentSinceRest = 0
			if m.sleep(ctx, rest) != nil {
				return
			}
		}

		if m.sleep(ctx, policy.InterMessageDelay()) != nil {
			return
		}
	}
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeRequeued
	outcomeAborted
)

// sendMessage performs one transport attempt and persists its outcome.
// Persistence runs on a background context so a pause or stop arriving
// mid-send can never lose the result.
func (m *Manager) sendMessage(ctx context.Context, c *domain.Campaign, policy *pacing.Policy, q *queue.Queue, msg *domain.Message, text string) sendOutcome {
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	res, err := m.transport.Send(sctx, c.SessionID, msg.Phone, text)
	cancel()

	if err != nil && ctx.Err() != nil {
		// shutdown raced the send and the result is unknowable; leave the
		// row in processing for the zombie reclaimer to reconcile
		return outcomeAborted
	}

	bg := context.Background()

	if err == nil && res.OK {
		if err := m.store.MarkMessageSent(bg, msg.ID, res.MessageID, text); err != nil {
			logger.Error("mark sent failed", "message_id", msg.ID, "error", err.Error())
		}
		if err := m.store.IncrementCampaignCounter(bg, c.ID, "sent"); err != nil {
			logger.Error("sent counter failed", "campaign_id", c.ID, "error", err.Error())
		}
		return outcomeSent
	}

	reason := "send failed"
	switch {
	case err != nil:
		reason = err.Error()
	case res.Err != nil:
		reason = res.Err.Error()
	}

	if err == nil && res.Permanent {
		if err := m.store.MarkMessageSkipped(bg, msg.ID, reason); err != nil {
			logger.Error("mark skipped failed", "message_id", msg.ID, "error", err.Error())
		}
		if err := m.store.IncrementCampaignCounter(bg, c.ID, "skipped"); err != nil {
			logger.Error("skipped counter failed", "campaign_id", c.ID, "error", err.Error())
		}
		logger.Info("recipient skipped", "campaign_id", c.ID, "reason", reason)
		return outcomeSkipped
	}

	if err == nil && domain.IsKind(res.Err, domain.KindRateLimited) {
		// back off and push the number behind part of the remaining queue
		if err := q.Requeue(bg, msg, reason, policy.MeanDelay()); err != nil {
			logger.Error("requeue failed", "message_id", msg.ID, "error", err.Error())
		}
		return outcomeRequeued
	}

	if err := m.store.MarkMessageFailed(bg, msg.ID, reason); err != nil {
		logger.Error("mark failed failed", "message_id", msg.ID, "error", err.Error())
	}
	if msg.Attempts+1 >= msg.MaxAttempts {
		if err := m.store.IncrementCampaignCounter(bg, c.ID, "failed"); err != nil {
			logger.Error("failed counter failed", "campaign_id", c.ID, "error", err.Error())
		}
	}
	return outcomeFailed
}

// dailyBudgetSpent reads the shared Redis day budget without consuming any
// of it; only delivered messages are charged, in chargeDailyBudget. Budget
// errors fail open; the in-memory counter still applies.
func (m *Manager) dailyBudgetSpent(ctx context.Context, campaignID string, policy *pacing.Policy, now time.Time) bool {
	if m.limiter == nil {
		return false
	}
	n, err := m.limiter.Count(ctx, ratelimit.DailyKey(campaignID, now))
	if err != nil {
		logger.Warn("daily budget check failed", "campaign_id", campaignID, "error", err.Error())
		return false
	}
	return n >= policy.DailyCap()
}

// chargeDailyBudget records one delivered message against the shared day
// budget. Runs on a background context so a pause arriving mid-send cannot
// drop the charge.
func (m *Manager) chargeDailyBudget(campaignID string, policy *pacing.Policy, now time.Time) {
	if m.limiter == nil {
		return
	}
	key := ratelimit.DailyKey(campaignID, now)
	if _, _, err := m.limiter.Allow(context.Background(), key, policy.DailyCap(), 48*time.Hour); err != nil {
		logger.Warn("daily budget charge failed", "campaign_id", campaignID, "error", err.Error())
	}
}

func (m *Manager) completeCampaign(ctx context.Context, c *domain.Campaign) {
	bg := context.Background()
	if err := m.store.UpdateCampaignStatus(bg, c.ID, domain.CampaignCompleted, ""); err != nil {
		logger.Error("complete transition failed", "campaign_id", c.ID, "error", err.Error())
		return
	}
	m.emitProgress(c)
	m.hub.Emit(c.OwnerID, broadcast.EventNotification, map[string]interface{}{
		"type":        "campaign-finished",
		"campaign_id": c.ID,
		"name":        c.Name,
	})
	logger.Info("campaign completed", "campaign_id", c.ID)
}

// failCampaign moves the campaign to ERROR after a repository fault. Only
// operator action (repair, stop, cleanup) gets it out of this state.
func (m *Manager) failCampaign(c *domain.Campaign, reason string) {
	bg := context.Background()
	if err := m.store.UpdateCampaignStatus(bg, c.ID, domain.CampaignError, reason); err != nil {
		logger.Error("error transition failed", "campaign_id", c.ID, "error", err.Error())
	}
	m.hub.Emit(c.OwnerID, broadcast.EventCampaignAlert, map[string]interface{}{
		"campaign_id": c.ID,
		"level":       "error",
		"reason":      reason,
	})
	logger.Error("campaign halted", "campaign_id", c.ID, "reason", reason)
}

func (m *Manager) emitProgress(c *domain.Campaign) {
	cur, err := m.store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		return
	}
	m.hub.Emit(c.OwnerID, broadcast.EventCampaignProgress, map[string]interface{}{
		"campaign_id":  cur.ID,
		"status":       cur.Status,
		"sent":         cur.SentCount,
		"failed":       cur.FailedCount,
		"skipped":      cur.SkippedCount,
		"total":        cur.TotalCount,
		"progress_pct": cur.ProgressPct(),
	})
}
