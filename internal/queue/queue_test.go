package queue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/memory"
)

func seedCampaign(t *testing.T, store *memory.Store, id string, n int) {
	t.Helper()
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{
			Index:       i,
			Phone:       "62812345678" + string(rune('0'+i%10)),
			MaxAttempts: 3,
		}
	}
	err := store.CreateCampaign(context.Background(), &domain.Campaign{
		ID:         id,
		Status:     domain.CampaignIdle,
		TotalCount: n,
	}, msgs)
	require.NoError(t, err)
}

func TestNextReservesAtMostOnce(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 3)
	q := New(store, "c1", false, 0, rand.NewSource(1))

	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		m, err := q.Next(context.Background())
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.False(t, seen[m.ID], "message %d reserved twice", m.ID)
		assert.Equal(t, domain.MessageProcessing, m.Status)
		seen[m.ID] = true
	}

	m, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m, "empty queue must return nil")
}

func TestSequentialOrderFollowsIndex(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 5)
	q := New(store, "c1", false, 0, rand.NewSource(1))

	for want := 0; want < 5; want++ {
		m, err := q.Next(context.Background())
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, want, m.Index)
	}
}

func TestShuffleChangesOrder(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 50)
	q := New(store, "c1", true, 0, rand.NewSource(7))

	batch, err := q.NextBatch(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, batch, 50)

	inOrder := true
	for i, m := range batch {
		if m.Index != i {
			inOrder = false
			break
		}
	}
	assert.False(t, inOrder, "shuffled batch should not come back in index order")
}

func TestRequeuePushesBehindRemaining(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 20)
	q := New(store, "c1", false, 20, rand.NewSource(1))

	m, err := q.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)

	gap := time.Minute
	require.NoError(t, q.Requeue(context.Background(), m, "rate limited", gap))

	msgs := store.Messages("c1")
	var requeued *domain.Message
	for i := range msgs {
		if msgs[i].ID == m.ID {
			requeued = &msgs[i]
		}
	}
	require.NotNil(t, requeued)
	assert.Equal(t, domain.MessagePending, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Equal(t, "rate limited", requeued.LastError)

	// 19 pending * 20% = 3 slots back, priced at one gap each.
	require.NotNil(t, requeued.ScheduledAt)
	until := time.Until(*requeued.ScheduledAt)
	assert.InDelta(t, (3 * gap).Seconds(), until.Seconds(), 5)
}

func TestRequeueSchedulesOnInjectedClock(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 20)
	q := New(store, "c1", false, 20, rand.NewSource(1))

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	q.SetNow(func() time.Time { return at })

	m, err := q.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, q.Requeue(context.Background(), m, "rate limited", time.Minute))

	msgs := store.Messages("c1")
	var requeued *domain.Message
	for i := range msgs {
		if msgs[i].ID == m.ID {
			requeued = &msgs[i]
		}
	}
	require.NotNil(t, requeued)
	require.NotNil(t, requeued.ScheduledAt)
	// 19 pending * 20% = 3 slots back, anchored on the injected clock.
	assert.Equal(t, at.Add(3*time.Minute), *requeued.ScheduledAt)
}

func TestRequeuedMessageNotServedBeforeSchedule(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 2)
	q := New(store, "c1", false, 20, rand.NewSource(1))

	m, err := q.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Requeue(context.Background(), m, "busy", time.Hour))

	// The other message is still served; the requeued one is scheduled ahead.
	next, err := q.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, m.ID, next.ID)

	next, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestResetFailed(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(t, store, "c1", 3)
	q := New(store, "c1", false, 0, rand.NewSource(1))

	ctx := context.Background()
	m1, _ := q.Next(ctx)
	m2, _ := q.Next(ctx)
	require.NoError(t, store.MarkMessageFailed(ctx, m1.ID, "timeout"))
	require.NoError(t, store.MarkMessageFailed(ctx, m2.ID, "timeout"))
	require.NoError(t, store.MarkMessageFailed(ctx, m2.ID, "timeout"))
	require.NoError(t, store.MarkMessageFailed(ctx, m2.ID, "timeout"))

	// m2 burned all attempts; only m1 comes back.
	n, err := q.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
}
