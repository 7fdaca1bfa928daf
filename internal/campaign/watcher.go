package campaign

import (
	"context"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/broadcast"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
)

// onSessionEvent reacts to messenger connectivity changes. A disconnect
// pauses every running campaign on the session; a reconnect resumes the ones
// that opted into auto_resume.
func (m *Manager) onSessionEvent(ev messenger.ConnectionEvent) {
	if ev.Connected {
		m.resumeAfterReconnect(ev.SessionID)
		return
	}

	ctx := context.Background()
	campaigns, err := m.store.ListCampaignsBySession(ctx, ev.SessionID)
	if err != nil {
		logger.Error("session scan failed", "session_id", ev.SessionID, "error", err.Error())
		return
	}

	for i := range campaigns {
		c := campaigns[i]
		if c.Status != domain.CampaignRunning {
			continue
		}
		if err := m.store.UpdateCampaignStatus(ctx, c.ID, domain.CampaignPaused, "session disconnected"); err != nil {
			logger.Error("session pause failed", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		m.stopLoop(c.ID)
		m.rememberSessionPause(ev.SessionID, c.ID)
		m.hub.Emit(c.OwnerID, broadcast.EventCampaignAlert, map[string]interface{}{
			"campaign_id": c.ID,
			"level":       "warning",
			"reason":      "session disconnected",
		})
		logger.Warn("campaign paused by session loss",
			"campaign_id", c.ID, "session_id", ev.SessionID)
	}

	m.emitSessionsUpdate(ev)
}

func (m *Manager) resumeAfterReconnect(sessionID string) {
	m.mu.Lock()
	paused := m.pausedBySession[sessionID]
	delete(m.pausedBySession, sessionID)
	m.mu.Unlock()

	ctx := context.Background()
	for id := range paused {
		c, err := m.store.GetCampaign(ctx, id)
		if err != nil {
			logger.Error("reconnect reload failed", "campaign_id", id, "error", err.Error())
			continue
		}
		if c.Status != domain.CampaignPaused || !c.Config.AutoResume {
			continue
		}
		if err := m.Resume(ctx, id); err != nil {
			logger.Error("auto-resume failed", "campaign_id", id, "error", err.Error())
			continue
		}
		logger.Info("campaign auto-resumed after reconnect",
			"campaign_id", id, "session_id", sessionID)
	}

	m.emitSessionsUpdate(messenger.ConnectionEvent{SessionID: sessionID, Connected: true})
}

func (m *Manager) rememberSessionPause(sessionID, campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pausedBySession[sessionID] == nil {
		m.pausedBySession[sessionID] = make(map[string]bool)
	}
	m.pausedBySession[sessionID][campaignID] = true
}

func (m *Manager) forgetSessionPause(sessionID, campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pausedBySession[sessionID], campaignID)
}

func (m *Manager) emitSessionsUpdate(ev messenger.ConnectionEvent) {
	campaigns, err := m.store.ListCampaignsBySession(context.Background(), ev.SessionID)
	if err != nil {
		return
	}
	owners := make(map[string]bool)
	for i := range campaigns {
		owners[campaigns[i].OwnerID] = true
	}
	for owner := range owners {
		m.hub.Emit(owner, broadcast.EventSessionsUpdate, map[string]interface{}{
			"session_id": ev.SessionID,
			"connected":  ev.Connected,
		})
	}
}
