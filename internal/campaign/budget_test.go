package campaign

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger/mock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/ratelimit"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/memory"
)

// newLimitedHarness wires a real limiter over miniredis into the usual
// virtual-clock harness.
func newLimitedHarness(t *testing.T) (*harness, *ratelimit.Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := ratelimit.New(rdb)

	clock := newVClock(monday)
	transport := &timedMessenger{Messenger: mock.New(), clock: clock}
	hub := &recordHub{}
	store := memory.NewStore()

	mgr := New(store, transport, hub, limiter, nil)
	mgr.SetClock(clock.Now, clock.Sleep)
	mgr.SetSourceFactory(func() rand.Source { return rand.NewSource(1) })
	t.Cleanup(mgr.Shutdown)

	return &harness{store: store, transport: transport, hub: hub, clock: clock, mgr: mgr}, limiter
}

func TestDailyBudgetChargedPerDeliveryOnly(t *testing.T) {
	h, limiter := newLimitedHarness(t)
	ctx := context.Background()

	// first number bounces off the gateway limiter once before going through
	h.transport.Script("628111", messenger.SendResult{
		OK: false, Err: domain.NewError(domain.KindRateLimited, errors.New("flood wait")),
	})

	cfg := fastConfig()
	cfg.SkipPhoneValidation = true
	id, err := h.mgr.Create(ctx, "owner-1", "sess-1", "promo", "Hi {name}",
		[]domain.Contact{
			{Phone: "628111", Name: "A"},
			{Phone: "628222", Name: "B"},
			{Phone: "628333", Name: "C"},
		}, cfg)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Start(ctx, id))

	c := h.waitStatus(t, id, domain.CampaignCompleted)
	assert.Equal(t, 3, c.SentCount)
	require.Len(t, h.transport.Calls(), 4, "the rate-limited attempt plus three deliveries")

	// the requeued attempt and the empty-queue polls must not burn budget
	n, err := limiter.Count(ctx, ratelimit.DailyKey(id, h.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "day budget must match deliveries exactly")
}
