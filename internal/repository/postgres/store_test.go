package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func messageRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "idx", "phone", "contact_name", "variables", "rendered_text",
		"status", "attempts", "max_attempts", "messenger_message_id", "last_error",
		"processing_started_at", "sent_at", "failed_at", "scheduled_at",
	})
}

func TestReservePendingOrdered(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`ORDER BY m\.scheduled_at ASC, m\.idx ASC`).
		WithArgs("c1", 2).
		WillReturnRows(messageRows().
			AddRow(1, "c1", 0, "628111", "Budi", []byte(`{"name":"Budi"}`), "",
				"processing", 0, 3, "", "", time.Now(), nil, nil, time.Now()).
			AddRow(2, "c1", 1, "628222", "Sari", []byte(nil), "",
				"processing", 0, 3, "", "", time.Now(), nil, nil, time.Now()))

	msgs, err := store.ReservePending(context.Background(), "c1", 2, false)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "628111", msgs[0].Phone)
	assert.Equal(t, "Budi", msgs[0].Variables["name"])
	assert.Equal(t, domain.MessageProcessing, msgs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReservePendingRandomOrder(t *testing.T) {
	store, mock := newMockStore(t)

	// shuffled campaigns claim in random() order instead of index order
	mock.ExpectQuery(`ORDER BY random\(\)`).
		WithArgs("c1", 5).
		WillReturnRows(messageRows())

	msgs, err := store.ReservePending(context.Background(), "c1", 5, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectRetryBatchFiltersEligibility(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`m\.attempts < m\.max_attempts`).
		WithArgs("c1", "5m0s", 5).
		WillReturnRows(messageRows().
			AddRow(3, "c1", 2, "628333", "", []byte(nil), "",
				"processing", 1, 3, "", "timeout", time.Now(), nil, time.Now(), time.Now()))

	msgs, err := store.SelectRetryBatch(context.Background(), "c1", 5, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMessageSentUnknownID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`SET status = 'sent'`).
		WithArgs(int64(99), "wamid-1", "hello").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkMessageSent(context.Background(), 99, "wamid-1", "hello")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMessageFailedTruncatesError(t *testing.T) {
	store, mock := newMockStore(t)

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	truncated := string(long[:255])

	mock.ExpectExec(`SET status = 'failed'`).
		WithArgs(int64(1), truncated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkMessageFailed(context.Background(), 1, string(long)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseMessageOnlyTouchesProcessing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`status = 'processing'`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// a row that already settled must not be released
	err := store.ReleaseMessage(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleSettlesThenRequeues(t *testing.T) {
	store, mock := newMockStore(t)

	// rows with a messenger ID settle as sent first, the rest go back
	mock.ExpectExec(`SET status = 'sent'`).
		WithArgs("1m0s").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`reclaimed from stale processing`).
		WithArgs("1m0s").
		WillReturnResult(sqlmock.NewResult(0, 2))

	requeued, settled, err := store.ReclaimStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), requeued)
	assert.Equal(t, int64(1), settled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`attempts < max_attempts`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.ResetFailed(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCampaignNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM blast_campaigns WHERE id`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetCampaign(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCampaignStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE blast_campaigns SET`).
		WithArgs("running", "", "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateCampaignStatus(context.Background(), "nope", domain.CampaignRunning, "")
	assert.ErrorIs(t, err, domain.ErrCampaignNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCampaignCounterRejectsUnknown(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.IncrementCampaignCounter(context.Background(), "c1", "bogus")
	assert.Error(t, err)
}

func TestQueueStatsScan(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM blast_messages WHERE campaign_id`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"pending", "processing", "sent", "failed", "skipped"}).
			AddRow(10, 1, 5, 2, 1))

	st, err := store.QueueStats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Pending: 10, Processing: 1, Sent: 5, Failed: 2, Skipped: 1}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCampaignRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO blast_campaigns`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.CreateCampaign(context.Background(), &domain.Campaign{
		ID: "c1", Status: domain.CampaignIdle, TotalCount: 1,
	}, []domain.Message{{Index: 0, Phone: "628111", MaxAttempts: 3}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
