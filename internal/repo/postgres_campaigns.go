package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

// PostgresCampaignStore also serves audiences and the suppression list,
// which live next to the campaigns table.
type PostgresCampaignStore struct {
	db *sql.DB
}

func NewPostgresCampaignStore(db *sql.DB) *PostgresCampaignStore {
	return &PostgresCampaignStore{db: db}
}

func (r *PostgresCampaignStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	var (
		c          model.Campaign
		expandedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, template, audience_id, priority, max_attempts,
		       total_recipients, sent, failed, expanded_at, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID,
		&c.Name,
		&c.Template,
		&c.AudienceID,
		&c.Priority,
		&c.MaxAttempts,
		&c.TotalRecipients,
		&c.Sent,
		&c.Failed,
		&expandedAt,
		&c.CreatedAt,
	)
	if isNoRows(err) {
		return model.Campaign{}, ErrNotFound
	}
	if err != nil {
		return model.Campaign{}, err
	}
	if expandedAt.Valid {
		t := expandedAt.Time
		c.ExpandedAt = &t
	}
	return c, nil
}

func (r *PostgresCampaignStore) MarkExpanded(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET expanded_at = $2
		WHERE id = $1 AND expanded_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresCampaignStore) SetTotalRecipients(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaigns SET total_recipients = $2 WHERE id = $1`, id, total)
	return err
}

// IncrementCounters is a no-op for targets that are not campaigns.
func (r *PostgresCampaignStore) IncrementCounters(ctx context.Context, id string, sent, failed int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET sent = sent + $2, failed = failed + $3
		WHERE id = $1
	`, id, sent, failed)
	return err
}

func (r *PostgresCampaignStore) Audience(ctx context.Context, audienceID string) ([]model.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT destination, fields
		FROM audience_members
		WHERE audience_id = $1
		ORDER BY id ASC
	`, audienceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var (
			rc     model.Recipient
			fields []byte
		)
		if err := rows.Scan(&rc.Destination, &fields); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rc.Fields); err != nil {
				return nil, fmt.Errorf("audience member fields: %w", err)
			}
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *PostgresCampaignStore) Suppressed(ctx context.Context, destinations []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(destinations) == 0 {
		return out, nil
	}

	// One array parameter keeps large audiences under the bind limit.
	rows, err := r.db.QueryContext(ctx,
		`SELECT destination FROM suppressions WHERE destination = ANY($1)`,
		pq.Array(destinations))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out[d] = true
	}
	return out, rows.Err()
}

var (
	_ CampaignStore   = (*PostgresCampaignStore)(nil)
	_ AudienceSource  = (*PostgresCampaignStore)(nil)
	_ SuppressionList = (*PostgresCampaignStore)(nil)
)
