package cache

import (
	"context"
	"errors"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

var ErrMiss = errors.New("cache miss")

// TrackingCache mirrors the latest tracking record per (target, destination)
// for fast lookups. The tracking store stays the source of truth.
type TrackingCache interface {
	Store(ctx context.Context, rec model.TrackingRecord) error
	Lookup(ctx context.Context, destination, target string) (model.TrackingRecord, error)
	Invalidate(ctx context.Context, destination, target string) error
}
