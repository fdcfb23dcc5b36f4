package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

type PostgresTrackingStore struct {
	db *sql.DB
}

func NewPostgresTrackingStore(db *sql.DB) *PostgresTrackingStore {
	return &PostgresTrackingStore{db: db}
}

// Upsert keeps the previous external id when the new attempt did not
// return one, so a terminal failure does not erase what the provider knows.
func (r *PostgresTrackingStore) Upsert(ctx context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	out := model.TrackingRecord{Destination: rec.Destination, Target: rec.Target}
	var state string

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO tracking_records (destination, target, external_id, state, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (destination, target) DO UPDATE SET
		    external_id = COALESCE(NULLIF(EXCLUDED.external_id, ''), tracking_records.external_id),
		    state = EXCLUDED.state,
		    attempts = tracking_records.attempts + EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error,
		    updated_at = EXCLUDED.updated_at
		RETURNING external_id, state, attempts, last_error, updated_at
	`, rec.Destination, rec.Target, rec.ExternalID, string(rec.State), rec.Attempts, rec.LastError, rec.UpdatedAt,
	).Scan(&out.ExternalID, &state, &out.Attempts, &out.LastError, &out.UpdatedAt)
	if err != nil {
		return model.TrackingRecord{}, fmt.Errorf("upsert tracking: %w", err)
	}
	out.State = model.TrackingState(state)
	return out, nil
}

func (r *PostgresTrackingStore) GetTracking(ctx context.Context, destination, target string) (model.TrackingRecord, error) {
	out := model.TrackingRecord{Destination: destination, Target: target}
	var state string

	err := r.db.QueryRowContext(ctx, `
		SELECT external_id, state, attempts, last_error, updated_at
		FROM tracking_records
		WHERE destination = $1 AND target = $2
	`, destination, target).Scan(&out.ExternalID, &state, &out.Attempts, &out.LastError, &out.UpdatedAt)
	if isNoRows(err) {
		return model.TrackingRecord{}, ErrNotFound
	}
	if err != nil {
		return model.TrackingRecord{}, err
	}
	out.State = model.TrackingState(state)
	return out, nil
}

var _ TrackingStore = (*PostgresTrackingStore)(nil)
