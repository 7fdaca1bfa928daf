// Package queue hands messages to the execution loop one reservation at a
// time. A reservation moves the row from pending to processing atomically, so
// a message is delivered to at most one sender even with competing loops.
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

// Repository is the slice of the store the queue needs.
type Repository interface {
	ReservePending(ctx context.Context, campaignID string, limit int, randomOrder bool) ([]domain.Message, error)
	RequeueMessage(ctx context.Context, id int64, reason string, notBefore time.Time) error
	ResetFailed(ctx context.Context, campaignID string) (int, error)
	QueueStats(ctx context.Context, campaignID string) (domain.QueueStats, error)
}

// Queue serves one campaign's messages in shuffled or sequential order.
type Queue struct {
	repo       Repository
	campaignID string
	shuffle    bool

	mu  sync.Mutex
	rng *rand.Rand

	// skipPct overrides the requeue reinsertion window; 0 draws 15-20%.
	skipPct int

	now func() time.Time
}

// New builds a queue over the campaign's message rows. src drives the batch
// shuffle and the requeue reinsertion draw.
func New(repo Repository, campaignID string, shuffle bool, skipPct int, src rand.Source) *Queue {
	return &Queue{
		repo:       repo,
		campaignID: campaignID,
		shuffle:    shuffle,
		skipPct:    skipPct,
		rng:        rand.New(src),
		now:        time.Now,
	}
}

// SetNow overrides the queue's clock. The execution loop threads the
// manager's clock through so requeue schedules land on the same timeline as
// every other sleep.
func (q *Queue) SetNow(now func() time.Time) { q.now = now }

// Next reserves the next message, or nil when nothing is currently pending.
func (q *Queue) Next(ctx context.Context) (*domain.Message, error) {
	batch, err := q.NextBatch(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return &batch[0], nil
}

// NextBatch reserves up to limit pending messages. With shuffle enabled the
// claim order is randomized in the store and the returned batch is shuffled
// again so batch boundaries leak no ordering.
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]domain.Message, error) {
	batch, err := q.repo.ReservePending(ctx, q.campaignID, limit, q.shuffle)
	if err != nil {
		return nil, domain.NewError(domain.KindRepository, err)
	}
	if q.shuffle && len(batch) > 1 {
		q.mu.Lock()
		q.rng.Shuffle(len(batch), func(i, j int) {
			batch[i], batch[j] = batch[j], batch[i]
		})
		q.mu.Unlock()
	}
	return batch, nil
}

// Requeue returns a reserved message to pending, pushed behind 15-20% of the
// remaining queue (priced by the campaign's mean inter-message gap) so the
// same number does not resurface immediately after failing.
func (q *Queue) Requeue(ctx context.Context, m *domain.Message, reason string, gap time.Duration) error {
	stats, err := q.repo.QueueStats(ctx, q.campaignID)
	if err != nil {
		return domain.NewError(domain.KindRepository, err)
	}

	pct := q.skipPct
	if pct <= 0 {
		q.mu.Lock()
		pct = 15 + q.rng.Intn(6)
		q.mu.Unlock()
	}
	skip := stats.Pending * pct / 100
	if skip < 1 {
		skip = 1
	}

	notBefore := q.now().Add(time.Duration(skip) * gap)
	if err := q.repo.RequeueMessage(ctx, m.ID, reason, notBefore); err != nil {
		return domain.NewError(domain.KindRepository, err)
	}
	return nil
}

// ResetFailed returns retry-eligible failed messages to pending and reports
// how many moved.
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	n, err := q.repo.ResetFailed(ctx, q.campaignID)
	if err != nil {
		return 0, domain.NewError(domain.KindRepository, err)
	}
	return n, nil
}

// Stats returns the campaign's per-status counts.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.repo.QueueStats(ctx, q.campaignID)
}
