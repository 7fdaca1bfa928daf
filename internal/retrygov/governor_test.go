package retrygov

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger/mock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/ratelimit"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/render"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/memory"
)

type fixture struct {
	store     *memory.Store
	transport *mock.Messenger
	gov       *Governor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := memory.NewStore()
	transport := mock.New()
	gov := New(store, transport, render.New(rand.NewSource(1)), ratelimit.New(rdb), rand.NewSource(1))
	gov.SetCadence(time.Millisecond, 0, 0)
	return &fixture{store: store, transport: transport, gov: gov}
}

// seedFailed creates a running campaign whose first `failed` messages have
// already burned one attempt each.
func (f *fixture) seedFailed(t *testing.T, id string, total, failed int, policy domain.RetryPolicy) {
	t.Helper()
	ctx := context.Background()

	msgs := make([]domain.Message, total)
	for i := range msgs {
		msgs[i] = domain.Message{
			Index:       i,
			Phone:       phone(i),
			ContactName: "Budi",
			MaxAttempts: 3,
		}
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &domain.Campaign{
		ID: id, SessionID: "sess-1", Name: id, Template: "Hi {name}",
		Status: domain.CampaignIdle, TotalCount: total,
	}, msgs))
	require.NoError(t, f.store.UpdateCampaignStatus(ctx, id, domain.CampaignRunning, ""))

	stored := f.store.Messages(id)
	for i := 0; i < failed; i++ {
		reserved, err := f.store.ReserveMessages(ctx, []int64{stored[i].ID})
		require.NoError(t, err)
		require.Len(t, reserved, 1)
		require.NoError(t, f.store.MarkMessageFailed(ctx, stored[i].ID, "timeout"))
	}

	policy.CampaignID = id
	policy.Enabled = true
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 3
	}
	require.NoError(t, f.store.UpsertRetryPolicy(ctx, &policy))
}

func phone(i int) string {
	return "62811111111" + string(rune('0'+i%10))
}

func TestTickRetriesFailedMessages(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 4, 2, domain.RetryPolicy{BatchSize: 10})

	f.gov.Tick(context.Background())

	calls := f.transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Hi Budi", calls[0].Text, "retry must re-render the template")

	msgs := f.store.Messages("c1")
	assert.Equal(t, domain.MessageSent, msgs[0].Status)
	assert.Equal(t, domain.MessageSent, msgs[1].Status)
	assert.Equal(t, 2, msgs[0].Attempts)

	c, err := f.store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.SentCount)

	p, err := f.store.GetRetryPolicy(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Attempted)
	assert.Equal(t, 2, p.Succeeded)
	assert.Zero(t, p.Failed)
}

func TestHourlyCapDefersWithoutBurningAttempts(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 3, 3, domain.RetryPolicy{BatchSize: 10, HourlyCap: 1})

	f.gov.Tick(context.Background())

	require.Len(t, f.transport.Calls(), 1)

	var sent, stillFailed int
	for _, m := range f.store.Messages("c1") {
		switch m.Status {
		case domain.MessageSent:
			sent++
		case domain.MessageFailed:
			stillFailed++
			assert.Equal(t, 1, m.Attempts, "deferred rows keep their attempt count")
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, stillFailed)
}

func TestWindowedPolicyOutsideWindowDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 2, 2, domain.RetryPolicy{
		BatchSize:       10,
		WindowedOnly:    true,
		WindowStartHour: 9,
		WindowEndHour:   17,
	})
	f.gov.SetClock(func() time.Time {
		return time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	})

	f.gov.Tick(context.Background())
	assert.Empty(t, f.transport.Calls())
}

func TestPausedPolicySkipped(t *testing.T) {
	f := newFixture(t)
	until := time.Now().Add(time.Hour)
	f.seedFailed(t, "c1", 2, 2, domain.RetryPolicy{BatchSize: 10, PausedUntil: &until})

	f.gov.Tick(context.Background())
	assert.Empty(t, f.transport.Calls())
}

func TestPausedCampaignGetsNoRetries(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 2, 2, domain.RetryPolicy{BatchSize: 10})
	require.NoError(t, f.store.UpdateCampaignStatus(context.Background(), "c1",
		domain.CampaignPaused, "health: failure rate 12.0% over last 50 sends"))

	f.gov.Tick(context.Background())

	assert.Empty(t, f.transport.Calls(), "a paused campaign must not send")
	for _, m := range f.store.Messages("c1") {
		assert.Equal(t, domain.MessageFailed, m.Status)
		assert.Equal(t, 1, m.Attempts, "no attempt may be burned while paused")
	}
}

func TestStoppedCampaignGetsNoRetries(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 2, 2, domain.RetryPolicy{BatchSize: 10})
	require.NoError(t, f.store.UpdateCampaignStatus(context.Background(), "c1",
		domain.CampaignStopped, ""))

	f.gov.Tick(context.Background())
	assert.Empty(t, f.transport.Calls())
}

func TestForceRetryBypassesGates(t *testing.T) {
	f := newFixture(t)
	until := time.Now().Add(time.Hour)
	f.seedFailed(t, "c1", 2, 2, domain.RetryPolicy{
		BatchSize:       10,
		WindowedOnly:    true,
		WindowStartHour: 9,
		WindowEndHour:   10,
		PausedUntil:     &until,
	})

	msgs := f.store.Messages("c1")
	succeeded, err := f.gov.ForceRetry(context.Background(), "c1", []int64{msgs[0].ID, msgs[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, succeeded)
	require.Len(t, f.transport.Calls(), 2)
}

func TestPermanentFailureSkipsRecipient(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 1, 1, domain.RetryPolicy{BatchSize: 10})
	f.transport.Script(phone(0), messenger.SendResult{
		OK: false, Permanent: true, Err: errors.New("recipient blocked sender"),
	})

	f.gov.Tick(context.Background())

	m := f.store.Messages("c1")[0]
	assert.Equal(t, domain.MessageSkipped, m.Status)

	c, err := f.store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SkippedCount)

	p, _ := f.store.GetRetryPolicy(context.Background(), "c1")
	assert.Equal(t, 1, p.Failed)
}

func TestTerminalFailureBumpsFailedCounter(t *testing.T) {
	f := newFixture(t)
	f.seedFailed(t, "c1", 1, 1, domain.RetryPolicy{BatchSize: 10})

	ctx := context.Background()
	// burn a second attempt so the retry below is the last one
	id := f.store.Messages("c1")[0].ID
	_, err := f.store.ReserveMessages(ctx, []int64{id})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkMessageFailed(ctx, id, "timeout"))

	f.transport.Script(phone(0), messenger.SendResult{
		OK: false, Err: errors.New("timeout"),
	})

	f.gov.Tick(ctx)

	m := f.store.Messages("c1")[0]
	assert.Equal(t, domain.MessageFailed, m.Status)
	assert.Equal(t, 3, m.Attempts)
	assert.False(t, m.RetryEligible())

	c, err := f.store.GetCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.FailedCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.gov.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("governor did not stop on cancel")
	}
}
