package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
)

const campaignColumns = `
	id, owner_id, session_id, name, template, status, config, last_error,
	total_count, sent_count, failed_count, skipped_count, current_index,
	created_at, started_at, paused_at, resumed_at, completed_at, stopped_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var rawConfig []byte
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.SessionID, &c.Name, &c.Template, &c.Status, &rawConfig, &c.LastError,
		&c.TotalCount, &c.SentCount, &c.FailedCount, &c.SkippedCount, &c.CurrentIndex,
		&c.CreatedAt, &c.StartedAt, &c.PausedAt, &c.ResumedAt, &c.CompletedAt, &c.StoppedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg, err := domain.DecodeCampaignConfig(rawConfig)
	if err != nil {
		return nil, err
	}
	c.Config = cfg
	return c, nil
}

// CreateCampaign inserts the campaign and its message rows in one transaction.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign, msgs []domain.Message) error {
	rawConfig, err := domain.EncodeCampaignConfig(c.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blast_campaigns
			(id, owner_id, session_id, name, template, status, config, total_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, c.ID, c.OwnerID, c.SessionID, c.Name, c.Template, c.Status, rawConfig, c.TotalCount)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blast_messages
			(campaign_id, idx, phone, contact_name, variables, max_attempts, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
	`)
	if err != nil {
		return fmt.Errorf("prepare messages: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		vars, err := json.Marshal(msgs[i].Variables)
		if err != nil {
			return fmt.Errorf("encode variables: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, msgs[i].Index, msgs[i].Phone, msgs[i].ContactName, vars, msgs[i].MaxAttempts,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", msgs[i].Index, err)
		}
	}

	return tx.Commit()
}

// GetCampaign returns a single campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM blast_campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListCampaignsByStatus returns campaigns in any of the given states,
// optionally filtered by owner (empty ownerID matches all).
func (s *Store) ListCampaignsByStatus(ctx context.Context, ownerID string, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + campaignColumns + ` FROM blast_campaigns WHERE status = ANY($1)`
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	args := []interface{}{pq.Array(vals)}
	if ownerID != "" {
		q += ` AND owner_id = $2`
		args = append(args, ownerID)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListCampaignsBySession returns all campaigns bound to a messenger session.
func (s *Store) ListCampaignsBySession(ctx context.Context, sessionID string) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM blast_campaigns WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list by session: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCampaignStatus transitions a campaign and stamps the timestamp that
// belongs to the new state. Entering running stamps started_at on the first
// run and resumed_at afterwards.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blast_campaigns SET
			status = $1,
			last_error = $2,
			started_at   = CASE WHEN $1 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			resumed_at   = CASE WHEN $1 = 'running' AND started_at IS NOT NULL THEN NOW() ELSE resumed_at END,
			paused_at    = CASE WHEN $1 = 'paused' THEN NOW() ELSE paused_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
			stopped_at   = CASE WHEN $1 = 'stopped' THEN NOW() ELSE stopped_at END
		WHERE id = $3
	`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

// IncrementCampaignCounter bumps one of the outcome counters.
// counter must be "sent", "failed", or "skipped".
func (s *Store) IncrementCampaignCounter(ctx context.Context, id, counter string) error {
	var col string
	switch counter {
	case "sent":
		col = "sent_count"
	case "failed":
		col = "failed_count"
	case "skipped":
		col = "skipped_count"
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE blast_campaigns SET %s = %s + 1 WHERE id = $1`, col, col), id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	return nil
}

// SetCurrentIndex records the highest processed message index.
func (s *Store) SetCurrentIndex(ctx context.Context, id string, idx int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blast_campaigns SET current_index = GREATEST(current_index, $1) WHERE id = $2
	`, idx, id)
	if err != nil {
		return fmt.Errorf("set current index: %w", err)
	}
	return nil
}

// RecountCampaign recomputes the outcome counters from the message rows.
// Used during recovery so counters and rows cannot drift apart.
func (s *Store) RecountCampaign(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blast_campaigns c SET
			sent_count    = m.sent,
			failed_count  = m.failed,
			skipped_count = m.skipped
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'sent') AS sent,
				COUNT(*) FILTER (WHERE status = 'failed' AND attempts >= max_attempts) AS failed,
				COUNT(*) FILTER (WHERE status = 'skipped') AS skipped
			FROM blast_messages WHERE campaign_id = $1
		) m
		WHERE c.id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("recount campaign: %w", err)
	}
	return nil
}

// DeleteCampaign removes the campaign; message and retry-policy rows cascade.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blast_campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}
