package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNotClaimed is returned when an outcome is applied to an item that is
	// not currently in processing.
	ErrNotClaimed = errors.New("item is not claimed")
)

type QueueStore interface {
	Enqueue(ctx context.Context, item model.QueueItem) (string, error)
	ClaimBatch(ctx context.Context, family model.Family, limit int, now time.Time) ([]model.QueueItem, error)
	UpdateOutcome(ctx context.Context, id string, out model.Outcome) error
	// Heartbeat refreshes updated_at on claimed items that are still in
	// processing, so a slow but live cycle is never mistaken for a stale one.
	Heartbeat(ctx context.Context, ids []string, now time.Time) error
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
	Get(ctx context.Context, id string) (model.QueueItem, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueItem, error)
}

// TrackingStore keeps one record per (destination, target). Upsert adds
// rec.Attempts to the stored count and returns the merged record.
type TrackingStore interface {
	Upsert(ctx context.Context, rec model.TrackingRecord) (model.TrackingRecord, error)
	GetTracking(ctx context.Context, destination, target string) (model.TrackingRecord, error)
}

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	// MarkExpanded sets the one-time expansion flag. It reports false when
	// the campaign was already expanded.
	MarkExpanded(ctx context.Context, id string, at time.Time) (bool, error)
	SetTotalRecipients(ctx context.Context, id string, total int) error
	IncrementCounters(ctx context.Context, id string, sent, failed int) error
}

type AudienceSource interface {
	Audience(ctx context.Context, audienceID string) ([]model.Recipient, error)
}

// SuppressionList matches on normalized destinations only.
type SuppressionList interface {
	Suppressed(ctx context.Context, destinations []string) (map[string]bool, error)
}

// clampLimit applies the family ceiling to a caller-supplied batch size.
func clampLimit(family model.Family, limit int) (int, error) {
	ceiling := family.Ceiling()
	if ceiling == 0 {
		return 0, fmt.Errorf("unknown family %q", family)
	}
	if limit <= 0 {
		return 0, errors.New("limit must be > 0")
	}
	return min(limit, ceiling), nil
}

// prepareForEnqueue fills the fields owned by the store and normalizes the
// destination.
func prepareForEnqueue(item model.QueueItem, now time.Time) (model.QueueItem, error) {
	if err := item.Validate(); err != nil {
		return model.QueueItem{}, err
	}
	dest, err := model.NormalizeDestination(item.Destination)
	if err != nil {
		return model.QueueItem{}, err
	}
	item.Destination = dest
	if item.ID == "" {
		item.ID = uuid.NewString()
	} else if _, err := uuid.Parse(item.ID); err != nil {
		return model.QueueItem{}, fmt.Errorf("%w: id %q is not a uuid", model.ErrInvalidItem, item.ID)
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = model.DefaultMaxAttempts
	}
	if item.ScheduledFor.IsZero() {
		item.ScheduledFor = now
	}
	item.Status = model.Pending
	item.Attempts = 0
	item.ErrorMessage = ""
	item.CreatedAt = now
	item.UpdatedAt = now
	return item, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
