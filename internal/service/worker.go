package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/outbound-delivery/internal/config"
	"github.com/LeventeLantos/outbound-delivery/internal/metrics"
	"github.com/LeventeLantos/outbound-delivery/internal/model"
	"github.com/LeventeLantos/outbound-delivery/internal/provider"
	"github.com/LeventeLantos/outbound-delivery/internal/repo"
	"github.com/LeventeLantos/outbound-delivery/internal/retry"
)

// ErrConfiguration aborts a drain cycle before anything is claimed.
var ErrConfiguration = errors.New("configuration error")

type CampaignCounter interface {
	IncrementCounters(ctx context.Context, id string, sent, failed int) error
}

// TrackingMirror is a read cache in front of the tracking store. A failed
// write must not leave an older record readable, so it is followed by
// Invalidate.
type TrackingMirror interface {
	Store(ctx context.Context, rec model.TrackingRecord) error
	Invalidate(ctx context.Context, destination, target string) error
}

type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// Worker runs drain cycles for one provider family.
type Worker struct {
	adapter  provider.Adapter
	cfg      config.ProviderConfig
	queue    repo.QueueStore
	tracking repo.TrackingStore

	campaigns  CampaignCounter
	mirror     TrackingMirror
	staleAfter time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

func NewWorker(adapter provider.Adapter, cfg config.ProviderConfig, queue repo.QueueStore, tracking repo.TrackingStore) *Worker {
	return &Worker{
		adapter:    adapter,
		cfg:        cfg,
		queue:      queue,
		tracking:   tracking,
		staleAfter: 15 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      time.Sleep,
	}
}

func (w *Worker) WithCampaigns(c CampaignCounter) *Worker {
	w.campaigns = c
	return w
}

func (w *Worker) WithMirror(m TrackingMirror) *Worker {
	w.mirror = m
	return w
}

func (w *Worker) WithStaleAfter(d time.Duration) *Worker {
	if d > 0 {
		w.staleAfter = d
	}
	return w
}

func (w *Worker) WithClock(now func() time.Time, sleep func(time.Duration)) *Worker {
	if now != nil {
		w.now = now
	}
	if sleep != nil {
		w.sleep = sleep
	}
	return w
}

func (w *Worker) Family() model.Family {
	return w.adapter.Family()
}

// Drain claims at most one batch and processes it serially. batchHint <= 0
// uses the configured batch size; the store clamps to the family ceiling.
func (w *Worker) Drain(ctx context.Context, batchHint int) (Summary, error) {
	family := string(w.Family())

	if err := w.cfg.Validate(); err != nil {
		metrics.ObserveCycle(family, metrics.CycleConfigError)
		return Summary{}, fmt.Errorf("%w: %s: %v", ErrConfiguration, family, err)
	}

	limit := batchHint
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}
	if limit <= 0 {
		limit = w.Family().Ceiling()
	}

	items, err := w.queue.ClaimBatch(ctx, w.Family(), limit, w.now())
	if err != nil {
		metrics.ObserveCycle(family, metrics.CycleStoreError)
		return Summary{}, fmt.Errorf("claim batch: %w", err)
	}
	metrics.ObserveClaimed(family, len(items))

	// A claimed batch always runs to completion.
	ctx = context.WithoutCancel(ctx)

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	var sum Summary
	for i, it := range items {
		if i > 0 {
			if w.cfg.Pacing > 0 {
				w.sleep(w.cfg.Pacing)
			}
			// The rest of the batch is still ours; keep it out of Recover's reach.
			w.heartbeat(ctx, ids[i:])
		}
		out := w.deliver(ctx, it)
		w.apply(ctx, it, out, &sum)
	}

	metrics.ObserveCycle(family, metrics.CycleOK)
	slog.Info("drain cycle completed",
		"family", family,
		"processed", sum.Processed,
		"succeeded", sum.Succeeded,
		"retrying", sum.Retrying,
		"failed", sum.Failed,
	)
	return sum, nil
}

// Recover returns items stuck in processing, e.g. after a crash mid-cycle,
// to pending. Attempts are left unchanged. Live cycles refresh their claim
// before every item, so only abandoned claims age past staleAfter.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	n, err := w.queue.RequeueStale(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	if n > 0 {
		metrics.ObserveRequeued(string(w.Family()), n)
		slog.Warn("requeued stale items", "family", w.Family(), "count", n)
	}
	return n, nil
}

func (w *Worker) deliver(ctx context.Context, it model.QueueItem) (out provider.Outcome) {
	callCtx := ctx
	if w.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.ObserveCall(string(w.Family()), time.Since(start))
		if r := recover(); r != nil {
			slog.Error("adapter panic recovered", "item_id", it.ID, "panic", r)
			out = provider.Outcome{Error: fmt.Sprintf("adapter panic: %v", r)}
		}
	}()

	out = w.adapter.Deliver(callCtx, it)
	if !out.Success && out.Error == "" {
		out.Error = "provider reported failure"
	}
	return out
}

func (w *Worker) apply(ctx context.Context, it model.QueueItem, out provider.Outcome, sum *Summary) {
	family := string(w.Family())
	now := w.now()
	sum.Processed++

	if out.Success {
		sum.Succeeded++
		metrics.ObserveItem(family, metrics.ResultSucceeded)

		w.updateOutcome(ctx, it, model.Outcome{Status: model.Completed, Attempts: it.Attempts})
		w.track(ctx, model.TrackingRecord{
			Destination: it.Destination,
			Target:      it.Target,
			ExternalID:  out.ExternalID,
			State:       model.SuccessState(it.Action),
			Attempts:    it.Attempts + 1,
			UpdatedAt:   now,
		})
		w.count(ctx, it, 1, 0)
		return
	}

	attempts := it.Attempts + 1
	d := retry.Next(attempts, it.MaxAttempts, now)
	if !d.Terminal {
		sum.Retrying++
		metrics.ObserveItem(family, metrics.ResultRetrying)

		w.updateOutcome(ctx, it, model.Outcome{
			Status:       model.Pending,
			Attempts:     attempts,
			ScheduledFor: d.At,
			ErrorMessage: out.Error,
		})
		slog.Warn("delivery failed, retry scheduled",
			"item_id", it.ID,
			"destination", model.Redact(it.Destination),
			"attempts", attempts,
			"next_attempt", d.At,
			"error", out.Error,
		)
		return
	}

	sum.Failed++
	metrics.ObserveItem(family, metrics.ResultFailed)

	w.updateOutcome(ctx, it, model.Outcome{
		Status:       model.Failed,
		Attempts:     attempts,
		ErrorMessage: out.Error,
	})
	w.track(ctx, model.TrackingRecord{
		Destination: it.Destination,
		Target:      it.Target,
		State:       model.StateFailed,
		Attempts:    attempts,
		LastError:   out.Error,
		UpdatedAt:   now,
	})
	w.count(ctx, it, 0, 1)
	slog.Error("delivery failed permanently",
		"item_id", it.ID,
		"destination", model.Redact(it.Destination),
		"attempts", attempts,
		"error", out.Error,
	)
}

func (w *Worker) heartbeat(ctx context.Context, ids []string) {
	if err := w.queue.Heartbeat(ctx, ids, w.now()); err != nil {
		slog.Warn("claim heartbeat failed", "family", w.Family(), "remaining", len(ids), "err", err)
	}
}

// Store errors below are logged, not returned: the item stays in processing
// and is picked up again by Recover.
func (w *Worker) updateOutcome(ctx context.Context, it model.QueueItem, out model.Outcome) {
	if err := w.queue.UpdateOutcome(ctx, it.ID, out); err != nil {
		slog.Error("update outcome failed", "item_id", it.ID, "status", out.Status, "err", err)
	}
}

func (w *Worker) track(ctx context.Context, rec model.TrackingRecord) {
	merged, err := w.tracking.Upsert(ctx, rec)
	if err != nil {
		slog.Error("tracking upsert failed", "target", rec.Target, "destination", model.Redact(rec.Destination), "err", err)
		return
	}
	if w.mirror == nil {
		return
	}
	if err := w.mirror.Store(ctx, merged); err != nil {
		slog.Warn("tracking mirror write failed", "target", rec.Target, "err", err)
		if err := w.mirror.Invalidate(ctx, merged.Destination, merged.Target); err != nil {
			slog.Error("tracking mirror invalidate failed", "target", rec.Target, "destination", model.Redact(rec.Destination), "err", err)
		}
	}
}

func (w *Worker) count(ctx context.Context, it model.QueueItem, sent, failed int) {
	if w.campaigns == nil || it.Action != model.ActionSend {
		return
	}
	if err := w.campaigns.IncrementCounters(ctx, it.Target, sent, failed); err != nil {
		slog.Error("campaign counter update failed", "campaign_id", it.Target, "err", err)
	}
}
