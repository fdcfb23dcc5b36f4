package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

type PostgresQueueStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const queueColumns = `id, action, destination, target, payload, status, attempts, max_attempts,
		       priority, scheduled_for, error_message, created_at, updated_at`

func (r *PostgresQueueStore) Enqueue(ctx context.Context, item model.QueueItem) (string, error) {
	item, err := prepareForEnqueue(item, r.now())
	if err != nil {
		return "", err
	}
	payload, err := model.EncodePayload(item.Payload)
	if err != nil {
		return "", err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, action, family, destination, target, payload, status,
		                         attempts, max_attempts, priority, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $9, $10, $10)
	`, item.ID, string(item.Action), string(item.Action.Family()), item.Destination, item.Target,
		payload, item.MaxAttempts, item.Priority, item.ScheduledFor, item.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}
	return item.ID, nil
}

// ClaimBatch locks eligible rows with SKIP LOCKED so concurrent claims never
// overlap, then moves them to processing in the same transaction.
func (r *PostgresQueueStore) ClaimBatch(ctx context.Context, family model.Family, limit int, now time.Time) ([]model.QueueItem, error) {
	limit, err := clampLimit(family, limit)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_items
		WHERE family = $1 AND status = 'pending' AND scheduled_for <= $2
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(family), now, limit)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET status = 'processing', updated_at = $2
			WHERE id = $1
		`, it.ID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range items {
		items[i].Status = model.Processing
		items[i].UpdatedAt = now
	}
	return items, nil
}

func (r *PostgresQueueStore) UpdateOutcome(ctx context.Context, id string, out model.Outcome) error {
	var scheduled sql.NullTime
	if !out.ScheduledFor.IsZero() {
		scheduled = sql.NullTime{Time: out.ScheduledFor, Valid: true}
	}
	var errMsg sql.NullString
	if out.ErrorMessage != "" {
		errMsg = sql.NullString{String: out.ErrorMessage, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = $2,
		    attempts = $3,
		    scheduled_for = COALESCE($4, scheduled_for),
		    error_message = $5,
		    updated_at = $6
		WHERE id = $1 AND status = 'processing'
	`, id, string(out.Status), out.Attempts, scheduled, errMsg, r.now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	return nil
}

func (r *PostgresQueueStore) Heartbeat(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE queue_items
		SET updated_at = $2
		WHERE id = ANY($1) AND status = 'processing'
	`, pq.Array(ids), now)
	return err
}

func (r *PostgresQueueStore) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', updated_at = $2
		WHERE status = 'processing' AND updated_at < $1
	`, olderThan, r.now())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresQueueStore) Get(ctx context.Context, id string) (model.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return model.QueueItem{}, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return model.QueueItem{}, err
	}
	if len(items) == 0 {
		return model.QueueItem{}, ErrNotFound
	}
	return items[0], nil
}

func (r *PostgresQueueStore) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	limit, offset = normalizePage(limit, offset)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue_items
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		var (
			it      model.QueueItem
			action  string
			status  string
			payload []byte
			errMsg  sql.NullString
		)
		if err := rows.Scan(
			&it.ID,
			&action,
			&it.Destination,
			&it.Target,
			&payload,
			&status,
			&it.Attempts,
			&it.MaxAttempts,
			&it.Priority,
			&it.ScheduledFor,
			&errMsg,
			&it.CreatedAt,
			&it.UpdatedAt,
		); err != nil {
			return nil, err
		}
		it.Action = model.Action(action)
		it.Status = model.Status(status)
		if errMsg.Valid {
			it.ErrorMessage = errMsg.String
		}
		p, err := model.DecodePayload(it.Action, payload)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ID, err)
		}
		it.Payload = p
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ QueueStore = (*PostgresQueueStore)(nil)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
