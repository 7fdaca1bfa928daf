package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

const messageColumns = `
	id, campaign_id, idx, phone, contact_name, variables, rendered_text,
	status, attempts, max_attempts, messenger_message_id, last_error,
	processing_started_at, sent_at, failed_at, scheduled_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*domain.Message, error) {
	m := &domain.Message{}
	var vars []byte
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.Index, &m.Phone, &m.ContactName, &vars, &m.RenderedText,
		&m.Status, &m.Attempts, &m.MaxAttempts, &m.MessengerID, &m.LastError,
		&m.ProcessingStartedAt, &m.SentAt, &m.FailedAt, &m.ScheduledAt,
	)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &m.Variables); err != nil {
			return nil, fmt.Errorf("decode variables: %w", err)
		}
	}
	return m, nil
}

// ReservePending atomically claims up to limit pending messages, moving them
// to processing. Uses FOR UPDATE SKIP LOCKED so concurrent claimants never
// receive the same row. randomOrder breaks the ascending-index order for
// shuffled campaigns.
func (s *Store) ReservePending(ctx context.Context, campaignID string, limit int, randomOrder bool) ([]domain.Message, error) {
	order := "m.scheduled_at ASC, m.idx ASC"
	if randomOrder {
		order = "random()"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		UPDATE blast_messages
		SET status = 'processing', processing_started_at = NOW()
		WHERE id IN (
			SELECT m.id FROM blast_messages m
			WHERE m.campaign_id = $1
			  AND m.status = 'pending'
			  AND m.scheduled_at <= NOW()
			ORDER BY %s
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns, order), campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("reserve pending: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ReserveMessages claims the given messages regardless of pending/failed
// status (manual force-retry). Already-processing rows are left alone.
func (s *Store) ReserveMessages(ctx context.Context, ids []int64) ([]domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE blast_messages
		SET status = 'processing', processing_started_at = NOW()
		WHERE id = ANY($1) AND status IN ('pending', 'failed')
		RETURNING `+messageColumns, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("reserve messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// SelectRetryBatch claims up to limit retry-eligible failed messages whose
// last failure is older than baseDelay, oldest failures first.
func (s *Store) SelectRetryBatch(ctx context.Context, campaignID string, limit int, baseDelay time.Duration) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE blast_messages
		SET status = 'processing', processing_started_at = NOW()
		WHERE id IN (
			SELECT m.id FROM blast_messages m
			WHERE m.campaign_id = $1
			  AND m.status = 'failed'
			  AND m.attempts < m.max_attempts
			  AND m.failed_at < NOW() - $2::interval
			ORDER BY m.failed_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns, campaignID, baseDelay.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("select retry batch: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// MarkMessageSent records a successful delivery.
func (s *Store) MarkMessageSent(ctx context.Context, id int64, messengerID, renderedText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'sent', messenger_message_id = $2, rendered_text = $3,
		    attempts = attempts + 1, sent_at = NOW(), last_error = ''
		WHERE id = $1
	`, id, messengerID, renderedText)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return affected(res)
}

// MarkMessageFailed records a failed attempt. The row stays failed; retry
// eligibility is attempts < max_attempts.
func (s *Store) MarkMessageFailed(ctx context.Context, id int64, errMsg string) error {
	if len(errMsg) > 255 {
		errMsg = errMsg[:255]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'failed', last_error = $2, attempts = attempts + 1, failed_at = NOW()
		WHERE id = $1
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return affected(res)
}

// MarkMessageSkipped records a permanent failure; skipped rows never retry.
func (s *Store) MarkMessageSkipped(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'skipped', last_error = $2, attempts = attempts + 1, failed_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	return affected(res)
}

// MarkMessageInvalid fails a pending message during phone validation without
// claiming it first.
func (s *Store) MarkMessageInvalid(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'failed', last_error = $2, attempts = max_attempts, failed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark invalid: %w", err)
	}
	return affected(res)
}

// RequeueMessage returns a processing message to pending with a bumped
// attempt count. notBefore pushes the row behind part of the remaining
// queue so retried numbers do not resurface immediately.
func (s *Store) RequeueMessage(ctx context.Context, id int64, reason string, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'pending', last_error = $2, attempts = attempts + 1,
		    processing_started_at = NULL, scheduled_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, reason, notBefore)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return affected(res)
}

// ReleaseMessage returns a claimed message to pending untouched. The loop
// uses it when shutdown lands between the claim and the send attempt.
func (s *Store) ReleaseMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'pending', processing_started_at = NULL, scheduled_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return affected(res)
}

// DeferRetry returns a claimed retry candidate to failed without burning an
// attempt. The governor uses it when the hourly budget runs out mid-batch;
// failed_at keeps its old value so the row stays first in line next hour.
func (s *Store) DeferRetry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'failed', processing_started_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("defer retry: %w", err)
	}
	return affected(res)
}

// ResetFailed returns retry-eligible failed messages to pending.
func (s *Store) ResetFailed(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'pending', processing_started_at = NULL, scheduled_at = NOW()
		WHERE campaign_id = $1 AND status = 'failed' AND attempts < max_attempts
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueStats returns per-status counts for a campaign.
func (s *Store) QueueStats(ctx context.Context, campaignID string) (domain.QueueStats, error) {
	var st domain.QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'skipped')
		FROM blast_messages WHERE campaign_id = $1
	`, campaignID).Scan(&st.Pending, &st.Processing, &st.Sent, &st.Failed, &st.Skipped)
	if err != nil {
		return st, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

// ListPendingMessages returns pending rows in index order (phone validation
// walks these sequentially).
func (s *Store) ListPendingMessages(ctx context.Context, campaignID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM blast_messages
		WHERE campaign_id = $1 AND status = 'pending'
		ORDER BY idx ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ReclaimStale reconciles zombie processing rows left behind by a crashed or
// force-killed loop. Rows that already carry a messenger message ID are
// settled as sent (the crash happened after transport success); the rest go
// back to pending if retry-eligible, else to terminal failed.
func (s *Store) ReclaimStale(ctx context.Context, grace time.Duration) (requeued, settled int64, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = 'sent', sent_at = COALESCE(sent_at, NOW())
		WHERE status = 'processing'
		  AND processing_started_at < NOW() - $1::interval
		  AND messenger_message_id <> ''
	`, grace.String())
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim settled: %w", err)
	}
	settled, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE blast_messages
		SET status = CASE WHEN attempts + 1 < max_attempts THEN 'pending' ELSE 'failed' END,
		    attempts = attempts + 1,
		    last_error = 'reclaimed from stale processing',
		    failed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE failed_at END,
		    processing_started_at = NULL,
		    scheduled_at = NOW()
		WHERE status = 'processing'
		  AND processing_started_at < NOW() - $1::interval
	`, grace.String())
	if err != nil {
		return 0, settled, fmt.Errorf("reclaim requeue: %w", err)
	}
	requeued, _ = res.RowsAffected()
	return requeued, settled, nil
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func affected(res sql.Result) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}
