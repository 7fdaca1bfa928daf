// Package campaign owns the blast lifecycle: creating campaigns, spawning
// and supervising their execution loops, and recovering durable state after
// a process restart.
package campaign

import (
	"context"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/broadcast"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pacing"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/distlock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/pkg/logger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/ratelimit"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/validator"
)

// Store is the persistence surface the manager and its loops consume.
// Both the Postgres store and the in-memory test store satisfy it.
type Store interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign, msgs []domain.Message) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, ownerID string, statuses ...domain.CampaignStatus) ([]domain.Campaign, error)
	ListCampaignsBySession(ctx context.Context, sessionID string) ([]domain.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error
	IncrementCampaignCounter(ctx context.Context, id, counter string) error
	SetCurrentIndex(ctx context.Context, id string, idx int) error
	RecountCampaign(ctx context.Context, id string) error
	DeleteCampaign(ctx context.Context, id string) error

	ReservePending(ctx context.Context, campaignID string, limit int, randomOrder bool) ([]domain.Message, error)
	RequeueMessage(ctx context.Context, id int64, reason string, notBefore time.Time) error
	ReleaseMessage(ctx context.Context, id int64) error
	ResetFailed(ctx context.Context, campaignID string) (int, error)
	QueueStats(ctx context.Context, campaignID string) (domain.QueueStats, error)
	MarkMessageSent(ctx context.Context, id int64, messengerID, renderedText string) error
	MarkMessageFailed(ctx context.Context, id int64, errMsg string) error
	MarkMessageSkipped(ctx context.Context, id int64, reason string) error
	MarkMessageInvalid(ctx context.Context, id int64, reason string) error
	ListPendingMessages(ctx context.Context, campaignID string) ([]domain.Message, error)
	ReclaimStale(ctx context.Context, grace time.Duration) (requeued, settled int64, err error)

	UpsertRetryPolicy(ctx context.Context, p *domain.RetryPolicy) error
}

const (
	defaultMaxAttempts = 3
	sendTimeout        = 30 * time.Second
	shutdownGrace      = 60 * time.Second
	staleGrace         = 60 * time.Second
)

var phonePattern = regexp.MustCompile(`^[0-9]+$`)

// handle tracks one live execution loop.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the lifecycle façade over campaigns and their loops.
type Manager struct {
	store     Store
	transport messenger.Messenger
	hub       broadcast.Broadcaster
	limiter   *ratelimit.Limiter // optional, nil disables the shared daily budget
	recovery  distlock.DistLock  // optional, nil means single-process

	mu              sync.Mutex
	loops           map[string]*handle
	watchedSessions map[string]bool
	pausedBySession map[string]map[string]bool // sessionID -> campaigns we paused
	recovering      bool

	// test seams, real clock and sleeper by default
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newSource func() rand.Source
}

// New builds a manager. hub, limiter, and recovery lock are optional and
// may be nil.
func New(store Store, transport messenger.Messenger, hub broadcast.Broadcaster, limiter *ratelimit.Limiter, recovery distlock.DistLock) *Manager {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &Manager{
		store:           store,
		transport:       transport,
		hub:             hub,
		limiter:         limiter,
		recovery:        recovery,
		loops:           make(map[string]*handle),
		watchedSessions: make(map[string]bool),
		pausedBySession: make(map[string]map[string]bool),
		now:             time.Now,
		sleep:           pacing.Sleep,
		newSource: func() rand.Source {
			return rand.NewSource(time.Now().UnixNano())
		},
	}
}

// SetClock overrides the manager's clock and sleeper together. Tests drive
// loops through virtual time with this.
func (m *Manager) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	m.now, m.sleep = now, sleep
}

// SetSourceFactory overrides the per-loop random source factory.
func (m *Manager) SetSourceFactory(f func() rand.Source) { m.newSource = f }

// Create persists a new campaign with one message row per contact, in IDLE.
// Rejects an empty contact list and any phone that is not digits-only.
func (m *Manager) Create(ctx context.Context, ownerID, sessionID, name, template string, contacts []domain.Contact, cfg domain.CampaignConfig) (string, error) {
	if len(contacts) == 0 {
		return "", domain.NewError(domain.KindValidation, ErrEmptyContacts)
	}
	for i, ct := range contacts {
		if !phonePattern.MatchString(ct.Phone) {
			return "", domain.NewError(domain.KindValidation, &InvalidPhoneError{Index: i, Phone: ct.Phone})
		}
	}

	maxAttempts := defaultMaxAttempts
	if cfg.RetryPolicy != nil {
		maxAttempts = cfg.RetryPolicy.MaxAttempts
	}

	c := &domain.Campaign{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		SessionID:  sessionID,
		Name:       name,
		Template:   template,
		Status:     domain.CampaignIdle,
		Config:     cfg,
		TotalCount: len(contacts),
	}
	msgs := make([]domain.Message, len(contacts))
	for i, ct := range contacts {
		msgs[i] = domain.Message{
			Index:       i,
			Phone:       ct.Phone,
			ContactName: ct.Name,
			Variables:   ct.Variables,
			MaxAttempts: maxAttempts,
		}
	}

	if err := m.store.CreateCampaign(ctx, c, msgs); err != nil {
		return "", domain.NewError(domain.KindRepository, err)
	}

	if rp := cfg.RetryPolicy; rp != nil {
		policy := &domain.RetryPolicy{
			CampaignID:       c.ID,
			Enabled:          rp.Enabled,
			MaxAttempts:      rp.MaxAttempts,
			BaseDelaySeconds: rp.BaseDelaySeconds,
			BatchSize:        rp.BatchSize,
			HourlyCap:        rp.HourlyCap,
			WindowedOnly:     rp.WindowedOnly,
			WindowStartHour:  rp.WindowStartHour,
			WindowEndHour:    rp.WindowEndHour,
			WindowDays:       rp.WindowDays,
		}
		if err := m.store.UpsertRetryPolicy(ctx, policy); err != nil {
			return "", domain.NewError(domain.KindRepository, err)
		}
	}

	logger.Info("campaign created", "campaign_id", c.ID, "owner_id", ownerID,
		"total", c.TotalCount)
	return c.ID, nil
}

// Start validates the recipient list (unless skipped) and spawns the loop.
// Permitted from IDLE and STOPPED.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.start(ctx, id, false)
}

// ForceStart starts without the validation pass and without the business
// hours gate. Chaos, rest, and health checks stay on.
func (m *Manager) ForceStart(ctx context.Context, id string) error {
	return m.start(ctx, id, true)
}

func (m *Manager) start(ctx context.Context, id string, force bool) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignIdle && c.Status != domain.CampaignStopped {
		return &TransitionError{CampaignID: id, From: c.Status, Op: "start"}
	}

	if !force {
		v := validator.New(m.store, m.transport, m.newSource())
		v.SetSleep(m.sleep)
		report, err := v.Validate(ctx, c)
		if err != nil {
			return err
		}
		if !report.Skipped {
			m.hub.Emit(c.OwnerID, broadcast.EventNotification, map[string]interface{}{
				"type":        "validation-report",
				"campaign_id": c.ID,
				"report":      report,
			})
		}
	}

	if err := m.store.UpdateCampaignStatus(ctx, id, domain.CampaignRunning, ""); err != nil {
		return err
	}
	c.Status = domain.CampaignRunning
	m.spawn(c, force)
	logger.Info("campaign started", "campaign_id", id, "forced", force)
	return nil
}

// Pause transitions RUNNING to PAUSED and signals the loop. The queue is
// preserved; the in-flight send finishes before the loop exits.
func (m *Manager) Pause(ctx context.Context, id string) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignRunning {
		return &TransitionError{CampaignID: id, From: c.Status, Op: "pause"}
	}
	if err := m.store.UpdateCampaignStatus(ctx, id, domain.CampaignPaused, ""); err != nil {
		return err
	}
	m.stopLoop(id)
	logger.Info("campaign paused", "campaign_id", id)
	return nil
}

// Resume transitions PAUSED back to RUNNING with a fresh loop.
func (m *Manager) Resume(ctx context.Context, id string) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignPaused {
		return &TransitionError{CampaignID: id, From: c.Status, Op: "resume"}
	}
	if err := m.store.UpdateCampaignStatus(ctx, id, domain.CampaignRunning, ""); err != nil {
		return err
	}
	c.Status = domain.CampaignRunning
	m.forgetSessionPause(c.SessionID, id)
	m.spawn(c, false)
	logger.Info("campaign resumed", "campaign_id", id)
	return nil
}

// Stop terminates the campaign from any non-terminal state and awaits the
// loop. The queue is not reset; cleanup is a separate operation.
func (m *Manager) Stop(ctx context.Context, id string) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return &TransitionError{CampaignID: id, From: c.Status, Op: "stop"}
	}
	if err := m.store.UpdateCampaignStatus(ctx, id, domain.CampaignStopped, ""); err != nil {
		return err
	}
	m.stopLoop(id)
	logger.Info("campaign stopped", "campaign_id", id)
	return nil
}

// Status returns the campaign's current snapshot.
func (m *Manager) Status(ctx context.Context, id string) (domain.Snapshot, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// Stats returns the campaign's per-status queue counts.
func (m *Manager) Stats(ctx context.Context, id string) (domain.QueueStats, error) {
	if _, err := m.store.GetCampaign(ctx, id); err != nil {
		return domain.QueueStats{}, err
	}
	return m.store.QueueStats(ctx, id)
}

// Cleanup deletes a terminal campaign and its rows.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsTerminal() {
		return &TransitionError{CampaignID: id, From: c.Status, Op: "cleanup"}
	}
	if err := m.store.DeleteCampaign(ctx, id); err != nil {
		return err
	}
	logger.Info("campaign cleaned up", "campaign_id", id)
	return nil
}

// Recover reconciles durable state after a restart: zombie processing rows
// are settled or requeued, counters are recomputed from the message rows,
// and loops are respawned for campaigns that were RUNNING. Idempotent; a
// second call finds the loops already live and does nothing.
func (m *Manager) Recover(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return ErrRecoveryBusy
	}
	m.recovering = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	if m.recovery != nil {
		ok, err := m.recovery.Acquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("recovery held by another process, skipping")
			return nil
		}
		defer m.recovery.Release(ctx)
	}

	requeued, settled, err := m.store.ReclaimStale(ctx, staleGrace)
	if err != nil {
		return domain.NewError(domain.KindRepository, err)
	}
	if requeued+settled > 0 {
		logger.Info("reclaimed zombie messages", "requeued", requeued, "settled", settled)
	}

	campaigns, err := m.store.ListCampaignsByStatus(ctx, ownerID,
		domain.CampaignRunning, domain.CampaignPaused)
	if err != nil {
		return domain.NewError(domain.KindRepository, err)
	}

	respawned := 0
	for i := range campaigns {
		c := campaigns[i]
		if err := m.store.RecountCampaign(ctx, c.ID); err != nil {
			logger.Error("recount failed", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		if c.Status != domain.CampaignRunning {
			continue
		}
		if m.hasLoop(c.ID) {
			continue
		}
		fresh, err := m.store.GetCampaign(ctx, c.ID)
		if err != nil {
			logger.Error("recovery reload failed", "campaign_id", c.ID, "error", err.Error())
			continue
		}
		m.spawn(fresh, false)
		respawned++
	}

	logger.Info("recovery done", "scanned", len(campaigns), "respawned", respawned)
	return nil
}

// RunReclaimer periodically sweeps zombie processing rows while the engine
// runs, so a crashed loop's claims do not wait for the next restart.
func (m *Manager) RunReclaimer(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			requeued, settled, err := m.store.ReclaimStale(ctx, staleGrace)
			if err != nil {
				logger.Error("reclaim sweep failed", "error", err.Error())
				continue
			}
			if requeued+settled > 0 {
				logger.Info("reclaim sweep", "requeued", requeued, "settled", settled)
			}
		}
	}
}

// Shutdown signals every live loop and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopLoop(id)
	}
}

// Running reports whether the campaign currently has a live loop.
func (m *Manager) Running(id string) bool { return m.hasLoop(id) }

// --- Loop registry ---

func (m *Manager) spawn(c *domain.Campaign, force bool) {
	m.mu.Lock()
	if _, exists := m.loops[c.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.loops[c.ID] = h

	if !m.watchedSessions[c.SessionID] {
		m.watchedSessions[c.SessionID] = true
		sessionID := c.SessionID
		m.transport.Subscribe(sessionID, func(ev messenger.ConnectionEvent) {
			m.onSessionEvent(ev)
		})
	}
	m.mu.Unlock()

	go m.runLoop(ctx, h, c, force)
}

func (m *Manager) stopLoop(id string) {
	m.mu.Lock()
	h := m.loops[id]
	m.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(shutdownGrace):
		logger.Warn("loop did not exit within grace", "campaign_id", id)
	}
}

func (m *Manager) forget(id string, h *handle) {
	m.mu.Lock()
	if m.loops[id] == h {
		delete(m.loops, id)
	}
	m.mu.Unlock()
}

func (m *Manager) hasLoop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[id]
	return ok
}
