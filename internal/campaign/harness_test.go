package campaign

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger/mock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/memory"
)

// vclock is a virtual clock: sleeps advance it instantly, so loops that
// would pace over hours finish in milliseconds while still observing
// window and cap arithmetic on the simulated timeline.
type vclock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newVClock(t time.Time) *vclock { return &vclock{t: t} }

func (c *vclock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *vclock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	// a sliver of real time so mid-run operations (pause, stop) can win
	// races against a loop running on instant sleeps
	time.Sleep(500 * time.Microsecond)
	return nil
}

// MaxSlept returns the longest single sleep observed.
func (c *vclock) MaxSlept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var max time.Duration
	for _, d := range c.slept {
		if d > max {
			max = d
		}
	}
	return max
}

// timedMessenger stamps every send with the virtual clock.
type timedMessenger struct {
	*mock.Messenger
	clock *vclock

	mu    sync.Mutex
	times []time.Time
}

func (tm *timedMessenger) Send(ctx context.Context, sessionID, phone, text string) (messenger.SendResult, error) {
	tm.mu.Lock()
	tm.times = append(tm.times, tm.clock.Now())
	tm.mu.Unlock()
	return tm.Messenger.Send(ctx, sessionID, phone, text)
}

func (tm *timedMessenger) SendTimes() []time.Time {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]time.Time{}, tm.times...)
}

// recordHub captures broadcast events for assertions.
type recordHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	UserID string
	Event  string
	Data   interface{}
}

func (h *recordHub) Emit(userID, event string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{UserID: userID, Event: event, Data: data})
}

func (h *recordHub) ByEvent(event string) []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []recordedEvent
	for _, e := range h.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store     *memory.Store
	transport *timedMessenger
	hub       *recordHub
	clock     *vclock
	mgr       *Manager
}

// monday is a weekday fixture well inside default business hours.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, at time.Time) *harness {
	t.Helper()
	clock := newVClock(at)
	transport := &timedMessenger{Messenger: mock.New(), clock: clock}
	hub := &recordHub{}
	store := memory.NewStore()

	mgr := New(store, transport, hub, nil, nil)
	mgr.SetClock(clock.Now, clock.Sleep)
	mgr.SetSourceFactory(func() rand.Source { return rand.NewSource(1) })

	t.Cleanup(mgr.Shutdown)
	return &harness{store: store, transport: transport, hub: hub, clock: clock, mgr: mgr}
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.CampaignStatus) *domain.Campaign {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := h.store.GetCampaign(context.Background(), id)
		require.NoError(t, err)
		if c.Status == want {
			return c
		}
		require.True(t, time.Now().Before(deadline),
			"campaign %s stuck in %s waiting for %s", id, c.Status, want)
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitSent(t *testing.T, id string, atLeast int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := h.store.GetCampaign(context.Background(), id)
		require.NoError(t, err)
		if c.SentCount >= atLeast {
			return
		}
		require.True(t, time.Now().Before(deadline),
			"campaign %s sent %d, waiting for %d", id, c.SentCount, atLeast)
		time.Sleep(2 * time.Millisecond)
	}
}

func boolPtr(b bool) *bool { return &b }

// fastConfig keeps ordering deterministic for scenario assertions.
func fastConfig() domain.CampaignConfig {
	return domain.CampaignConfig{
		Shuffle:    boolPtr(false),
		AccountAge: domain.TierEstablished,
		Chaos:      &domain.ChaosProbabilities{},
	}
}
