package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

const policyColumns = `
	campaign_id, enabled, max_attempts, base_delay_seconds, batch_size,
	hourly_cap, windowed_only, window_start_hour, window_end_hour,
	window_days, paused_until, attempted, succeeded, failed`

func scanPolicy(row interface{ Scan(...interface{}) error }) (*domain.RetryPolicy, error) {
	p := &domain.RetryPolicy{}
	var days pq.Int64Array
	err := row.Scan(
		&p.CampaignID, &p.Enabled, &p.MaxAttempts, &p.BaseDelaySeconds, &p.BatchSize,
		&p.HourlyCap, &p.WindowedOnly, &p.WindowStartHour, &p.WindowEndHour,
		&days, &p.PausedUntil, &p.Attempted, &p.Succeeded, &p.Failed,
	)
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		p.WindowDays = append(p.WindowDays, int(d))
	}
	return p, nil
}

// UpsertRetryPolicy writes the campaign's retry policy (one row per campaign).
func (s *Store) UpsertRetryPolicy(ctx context.Context, p *domain.RetryPolicy) error {
	days := make(pq.Int64Array, len(p.WindowDays))
	for i, d := range p.WindowDays {
		days[i] = int64(d)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blast_retry_policies
			(campaign_id, enabled, max_attempts, base_delay_seconds, batch_size,
			 hourly_cap, windowed_only, window_start_hour, window_end_hour,
			 window_days, paused_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (campaign_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_attempts = EXCLUDED.max_attempts,
			base_delay_seconds = EXCLUDED.base_delay_seconds,
			batch_size = EXCLUDED.batch_size,
			hourly_cap = EXCLUDED.hourly_cap,
			windowed_only = EXCLUDED.windowed_only,
			window_start_hour = EXCLUDED.window_start_hour,
			window_end_hour = EXCLUDED.window_end_hour,
			window_days = EXCLUDED.window_days,
			paused_until = EXCLUDED.paused_until
	`, p.CampaignID, p.Enabled, p.MaxAttempts, p.BaseDelaySeconds, p.BatchSize,
		p.HourlyCap, p.WindowedOnly, p.WindowStartHour, p.WindowEndHour,
		days, p.PausedUntil)
	if err != nil {
		return fmt.Errorf("upsert retry policy: %w", err)
	}
	return nil
}

// GetRetryPolicy returns the campaign's retry policy.
func (s *Store) GetRetryPolicy(ctx context.Context, campaignID string) (*domain.RetryPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM blast_retry_policies WHERE campaign_id = $1`, campaignID)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get retry policy: %w", err)
	}
	return p, nil
}

// ListEnabledRetryPolicies returns every enabled policy whose campaign is
// still in a retryable state.
func (s *Store) ListEnabledRetryPolicies(ctx context.Context) ([]domain.RetryPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM blast_retry_policies p
		WHERE p.enabled = true
		  AND EXISTS (
			SELECT 1 FROM blast_campaigns c
			WHERE c.id = p.campaign_id AND c.status IN ('running', 'paused', 'completed')
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("list retry policies: %w", err)
	}
	defer rows.Close()

	var out []domain.RetryPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// AddRetryTotals bumps the policy's running counters.
func (s *Store) AddRetryTotals(ctx context.Context, campaignID string, attempted, succeeded, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blast_retry_policies
		SET attempted = attempted + $2, succeeded = succeeded + $3, failed = failed + $4
		WHERE campaign_id = $1
	`, campaignID, attempted, succeeded, failed)
	if err != nil {
		return fmt.Errorf("add retry totals: %w", err)
	}
	return nil
}
