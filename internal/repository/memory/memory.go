// Package memory provides an in-memory repository with the same surface as
// the Postgres store. It backs unit tests and local experiments; production
// always runs on Postgres.
package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

// Store is a mutex-protected in-memory repository. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	messages  map[string][]*domain.Message // keyed by campaign ID, ordered by idx
	policies  map[string]*domain.RetryPolicy
	nextID    int64
	rng       *rand.Rand

	// Now is the store's clock; tests may replace it.
	Now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[string]*domain.Campaign),
		messages:  make(map[string][]*domain.Message),
		policies:  make(map[string]*domain.RetryPolicy),
		rng:       rand.New(rand.NewSource(1)),
		Now:       time.Now,
	}
}

// --- Campaigns ---

func (s *Store) CreateCampaign(_ context.Context, c *domain.Campaign, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.CreatedAt = s.Now()
	s.campaigns[cp.ID] = &cp

	now := s.Now()
	for i := range msgs {
		s.nextID++
		m := msgs[i]
		m.ID = s.nextID
		m.CampaignID = cp.ID
		m.Status = domain.MessagePending
		m.ScheduledAt = &now
		s.messages[cp.ID] = append(s.messages[cp.ID], &m)
	}
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCampaignsByStatus(_ context.Context, ownerID string, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListCampaignsBySession(_ context.Context, sessionID string) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateCampaignStatus(_ context.Context, id string, status domain.CampaignStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	now := s.Now()
	switch status {
	case domain.CampaignRunning:
		if c.StartedAt == nil {
			c.StartedAt = &now
		} else {
			c.ResumedAt = &now
		}
	case domain.CampaignPaused:
		c.PausedAt = &now
	case domain.CampaignCompleted:
		c.CompletedAt = &now
	case domain.CampaignStopped:
		c.StoppedAt = &now
	}
	c.Status = status
	c.LastError = lastError
	return nil
}

func (s *Store) IncrementCampaignCounter(_ context.Context, id, counter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	switch counter {
	case "sent":
		c.SentCount++
	case "failed":
		c.FailedCount++
	case "skipped":
		c.SkippedCount++
	}
	return nil
}

func (s *Store) SetCurrentIndex(_ context.Context, id string, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	if idx > c.CurrentIndex {
		c.CurrentIndex = idx
	}
	return nil
}

func (s *Store) RecountCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	var sent, failed, skipped int
	for _, m := range s.messages[id] {
		switch m.Status {
		case domain.MessageSent:
			sent++
		case domain.MessageFailed:
			if m.Attempts >= m.MaxAttempts {
				failed++
			}
		case domain.MessageSkipped:
			skipped++
		}
	}
	c.SentCount, c.FailedCount, c.SkippedCount = sent, failed, skipped
	return nil
}

func (s *Store) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return domain.ErrCampaignNotFound
	}
	delete(s.campaigns, id)
	delete(s.messages, id)
	delete(s.policies, id)
	return nil
}

// --- Messages ---

func (s *Store) ReservePending(_ context.Context, campaignID string, limit int, randomOrder bool) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var eligible []*domain.Message
	for _, m := range s.messages[campaignID] {
		if m.Status == domain.MessagePending && (m.ScheduledAt == nil || !m.ScheduledAt.After(now)) {
			eligible = append(eligible, m)
		}
	}

	if randomOrder {
		s.rng.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
	} else {
		sort.Slice(eligible, func(i, j int) bool {
			a, b := eligible[i], eligible[j]
			at, bt := timeOrZero(a.ScheduledAt), timeOrZero(b.ScheduledAt)
			if !at.Equal(bt) {
				return at.Before(bt)
			}
			return a.Index < b.Index
		})
	}

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]domain.Message, 0, len(eligible))
	for _, m := range eligible {
		m.Status = domain.MessageProcessing
		t := now
		m.ProcessingStartedAt = &t
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) ReserveMessages(_ context.Context, ids []int64) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := s.Now()
	var out []domain.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if want[m.ID] && (m.Status == domain.MessagePending || m.Status == domain.MessageFailed) {
				m.Status = domain.MessageProcessing
				t := now
				m.ProcessingStartedAt = &t
				out = append(out, *m)
			}
		}
	}
	return out, nil
}

func (s *Store) SelectRetryBatch(_ context.Context, campaignID string, limit int, baseDelay time.Duration) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	cutoff := now.Add(-baseDelay)
	var eligible []*domain.Message
	for _, m := range s.messages[campaignID] {
		if m.Status == domain.MessageFailed && m.Attempts < m.MaxAttempts &&
			m.FailedAt != nil && m.FailedAt.Before(cutoff) {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].FailedAt.Before(*eligible[j].FailedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]domain.Message, 0, len(eligible))
	for _, m := range eligible {
		m.Status = domain.MessageProcessing
		t := now
		m.ProcessingStartedAt = &t
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) MarkMessageSent(_ context.Context, id int64, messengerID, renderedText string) error {
	return s.withMessage(id, func(m *domain.Message) {
		now := s.Now()
		m.Status = domain.MessageSent
		m.MessengerID = messengerID
		m.RenderedText = renderedText
		m.Attempts++
		m.SentAt = &now
		m.LastError = ""
	})
}

func (s *Store) MarkMessageFailed(_ context.Context, id int64, errMsg string) error {
	return s.withMessage(id, func(m *domain.Message) {
		now := s.Now()
		m.Status = domain.MessageFailed
		m.LastError = errMsg
		m.Attempts++
		m.FailedAt = &now
	})
}

func (s *Store) MarkMessageSkipped(_ context.Context, id int64, reason string) error {
	return s.withMessage(id, func(m *domain.Message) {
		now := s.Now()
		m.Status = domain.MessageSkipped
		m.LastError = reason
		m.Attempts++
		m.FailedAt = &now
	})
}

func (s *Store) MarkMessageInvalid(_ context.Context, id int64, reason string) error {
	return s.withMessage(id, func(m *domain.Message) {
		if m.Status != domain.MessagePending {
			return
		}
		now := s.Now()
		m.Status = domain.MessageFailed
		m.LastError = reason
		m.Attempts = m.MaxAttempts
		m.FailedAt = &now
	})
}

func (s *Store) RequeueMessage(_ context.Context, id int64, reason string, notBefore time.Time) error {
	return s.withMessage(id, func(m *domain.Message) {
		if m.Status != domain.MessageProcessing {
			return
		}
		m.Status = domain.MessagePending
		m.LastError = reason
		m.Attempts++
		m.ProcessingStartedAt = nil
		t := notBefore
		m.ScheduledAt = &t
	})
}

func (s *Store) ReleaseMessage(_ context.Context, id int64) error {
	return s.withMessage(id, func(m *domain.Message) {
		if m.Status != domain.MessageProcessing {
			return
		}
		now := s.Now()
		m.Status = domain.MessagePending
		m.ProcessingStartedAt = nil
		m.ScheduledAt = &now
	})
}

func (s *Store) DeferRetry(_ context.Context, id int64) error {
	return s.withMessage(id, func(m *domain.Message) {
		if m.Status != domain.MessageProcessing {
			return
		}
		m.Status = domain.MessageFailed
		m.ProcessingStartedAt = nil
	})
}

func (s *Store) ResetFailed(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	n := 0
	for _, m := range s.messages[campaignID] {
		if m.Status == domain.MessageFailed && m.Attempts < m.MaxAttempts {
			m.Status = domain.MessagePending
			m.ProcessingStartedAt = nil
			t := now
			m.ScheduledAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Store) QueueStats(_ context.Context, campaignID string) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.QueueStats
	for _, m := range s.messages[campaignID] {
		switch m.Status {
		case domain.MessagePending:
			st.Pending++
		case domain.MessageProcessing:
			st.Processing++
		case domain.MessageSent:
			st.Sent++
		case domain.MessageFailed:
			st.Failed++
		case domain.MessageSkipped:
			st.Skipped++
		}
	}
	return st, nil
}

func (s *Store) ListPendingMessages(_ context.Context, campaignID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages[campaignID] {
		if m.Status == domain.MessagePending {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) ReclaimStale(_ context.Context, grace time.Duration) (requeued, settled int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	cutoff := now.Add(-grace)
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.Status != domain.MessageProcessing ||
				m.ProcessingStartedAt == nil || !m.ProcessingStartedAt.Before(cutoff) {
				continue
			}
			if m.MessengerID != "" {
				m.Status = domain.MessageSent
				if m.SentAt == nil {
					t := now
					m.SentAt = &t
				}
				settled++
				continue
			}
			m.Attempts++
			if m.Attempts < m.MaxAttempts {
				m.Status = domain.MessagePending
			} else {
				m.Status = domain.MessageFailed
				t := now
				m.FailedAt = &t
			}
			m.LastError = "reclaimed from stale processing"
			m.ProcessingStartedAt = nil
			t := now
			m.ScheduledAt = &t
			requeued++
		}
	}
	return requeued, settled, nil
}

// --- Retry policies ---

func (s *Store) UpsertRetryPolicy(_ context.Context, p *domain.RetryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[cp.CampaignID] = &cp
	return nil
}

func (s *Store) GetRetryPolicy(_ context.Context, campaignID string) (*domain.RetryPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[campaignID]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListEnabledRetryPolicies(_ context.Context) ([]domain.RetryPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RetryPolicy
	for id, p := range s.policies {
		if !p.Enabled {
			continue
		}
		c, ok := s.campaigns[id]
		if !ok {
			continue
		}
		switch c.Status {
		case domain.CampaignRunning, domain.CampaignPaused, domain.CampaignCompleted:
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *Store) AddRetryTotals(_ context.Context, campaignID string, attempted, succeeded, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[campaignID]
	if !ok {
		return domain.ErrPolicyNotFound
	}
	p.Attempted += attempted
	p.Succeeded += succeeded
	p.Failed += failed
	return nil
}

// --- Helpers ---

// Messages returns a copy of the campaign's message rows for assertions.
func (s *Store) Messages(campaignID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[campaignID]
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

func (s *Store) withMessage(id int64, fn func(*domain.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				fn(m)
				return nil
			}
		}
	}
	return domain.ErrMessageNotFound
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
