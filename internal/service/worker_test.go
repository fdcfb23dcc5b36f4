package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/outbound-delivery/internal/cache"
	"github.com/LeventeLantos/outbound-delivery/internal/config"
	"github.com/LeventeLantos/outbound-delivery/internal/model"
	"github.com/LeventeLantos/outbound-delivery/internal/provider"
	"github.com/LeventeLantos/outbound-delivery/internal/repo"
	"github.com/LeventeLantos/outbound-delivery/internal/service"
)

type scriptedAdapter struct {
	family model.Family

	mu       sync.Mutex
	outcomes []provider.Outcome
	calls    []model.QueueItem
	fn       func(ctx context.Context, it model.QueueItem) provider.Outcome
}

func (a *scriptedAdapter) Family() model.Family { return a.family }

func (a *scriptedAdapter) Deliver(ctx context.Context, it model.QueueItem) provider.Outcome {
	a.mu.Lock()
	a.calls = append(a.calls, it)
	var next *provider.Outcome
	if len(a.outcomes) > 0 {
		next = &a.outcomes[0]
		a.outcomes = a.outcomes[1:]
	}
	fn := a.fn
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, it)
	}
	if next != nil {
		return *next
	}
	return provider.Outcome{Success: true, ExternalID: "ext-" + it.ID}
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func validProvider() config.ProviderConfig {
	return config.ProviderConfig{
		APIKey:      "key",
		BaseURL:     "https://provider.example.com",
		CallTimeout: time.Second,
	}
}

func newTestWorker(a provider.Adapter, store *repo.MemoryStore, clock *testClock) *service.Worker {
	return service.NewWorker(a, validProvider(), store, store).
		WithCampaigns(store).
		WithClock(clock.Now, func(time.Duration) {})
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestWorker_AddSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: t0}
	store := repo.NewMemoryStore().WithClock(clock.Now)

	id, err := store.Enqueue(ctx, model.QueueItem{
		Action:      model.ActionAdd,
		Destination: "Jane@Example.com",
		Target:      "list-1",
		MaxAttempts: 3,
		Payload:     model.MembershipPayload{MergeFields: map[string]string{"FNAME": "Jane"}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	adapter := &scriptedAdapter{
		family: model.FamilyMembership,
		outcomes: []provider.Outcome{
			{Error: "unexpected status code: 503"},
			{Error: "unexpected status code: 502"},
			{Success: true, ExternalID: "member-42"},
		},
	}
	w := newTestWorker(adapter, store, clock)

	sum, err := w.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain 1: %v", err)
	}
	if sum != (service.Summary{Processed: 1, Retrying: 1}) {
		t.Fatalf("drain 1: unexpected summary %+v", sum)
	}
	it, _ := store.Get(ctx, id)
	if it.Status != model.Pending || it.Attempts != 1 || !it.ScheduledFor.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("after first failure: %+v", it)
	}
	if it.ErrorMessage != "unexpected status code: 503" {
		t.Fatalf("expected error message recorded, got %q", it.ErrorMessage)
	}

	// Not yet eligible.
	clock.Set(t0.Add(time.Minute))
	if sum, _ := w.Drain(ctx, 0); sum.Processed != 0 {
		t.Fatalf("item claimed before scheduled_for: %+v", sum)
	}

	t1 := t0.Add(2 * time.Minute)
	clock.Set(t1)
	if _, err := w.Drain(ctx, 0); err != nil {
		t.Fatalf("drain 2: %v", err)
	}
	it, _ = store.Get(ctx, id)
	if it.Status != model.Pending || it.Attempts != 2 || !it.ScheduledFor.Equal(t1.Add(4*time.Minute)) {
		t.Fatalf("after second failure: %+v", it)
	}

	clock.Set(t1.Add(4 * time.Minute))
	sum, err = w.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain 3: %v", err)
	}
	if sum != (service.Summary{Processed: 1, Succeeded: 1}) {
		t.Fatalf("drain 3: unexpected summary %+v", sum)
	}

	it, _ = store.Get(ctx, id)
	if it.Status != model.Completed || it.Attempts != 2 || it.ErrorMessage != "" {
		t.Fatalf("expected completed with 2 attempts and cleared error, got %+v", it)
	}

	rec, err := store.GetTracking(ctx, "jane@example.com", "list-1")
	if err != nil {
		t.Fatalf("tracking: %v", err)
	}
	if rec.ExternalID != "member-42" || rec.State != model.StateSubscribed || rec.Attempts != 3 {
		t.Fatalf("unexpected tracking record %+v", rec)
	}
}

func TestWorker_SendExhaustsRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: t0}
	store := repo.NewMemoryStore().WithClock(clock.Now)
	store.PutCampaign(model.Campaign{ID: "camp-1", TotalRecipients: 1})

	id, err := store.Enqueue(ctx, model.QueueItem{
		Action:      model.ActionSend,
		Destination: "+36 1 234 5678",
		Target:      "camp-1",
		MaxAttempts: 2,
		Payload:     model.MessagePayload{Body: "hello"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	adapter := &scriptedAdapter{
		family: model.FamilyMessaging,
		outcomes: []provider.Outcome{
			{Error: "dial tcp: connection refused"},
			{Error: "unexpected status code: 500 body=\"boom\""},
		},
	}
	w := newTestWorker(adapter, store, clock)

	if _, err := w.Drain(ctx, 0); err != nil {
		t.Fatalf("drain 1: %v", err)
	}
	clock.Set(t0.Add(2 * time.Minute))
	sum, err := w.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain 2: %v", err)
	}
	if sum != (service.Summary{Processed: 1, Failed: 1}) {
		t.Fatalf("unexpected summary %+v", sum)
	}

	it, _ := store.Get(ctx, id)
	if it.Status != model.Failed || it.Attempts != 2 {
		t.Fatalf("expected failed with 2 attempts, got %+v", it)
	}
	if it.ErrorMessage != "unexpected status code: 500 body=\"boom\"" {
		t.Fatalf("expected last failure detail, got %q", it.ErrorMessage)
	}

	c, _ := store.GetCampaign(ctx, "camp-1")
	if c.Failed != 1 || c.Sent != 0 {
		t.Fatalf("unexpected campaign counters %+v", c)
	}

	rec, err := store.GetTracking(ctx, "+3612345678", "camp-1")
	if err != nil {
		t.Fatalf("tracking: %v", err)
	}
	if rec.State != model.StateFailed || rec.Attempts != 2 || rec.LastError == "" {
		t.Fatalf("unexpected tracking record %+v", rec)
	}

	clock.Set(t0.Add(48 * time.Hour))
	if sum, _ := w.Drain(ctx, 0); sum.Processed != 0 {
		t.Fatalf("failed item must never be claimed again, got %+v", sum)
	}
}

func TestWorker_ConfigurationErrorClaimsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := repo.NewMemoryStore()
	id, _ := store.Enqueue(ctx, model.QueueItem{Action: model.ActionSend, Destination: "+3612345678", Target: "c", Payload: model.MessagePayload{Body: "x"}})

	adapter := &scriptedAdapter{family: model.FamilyMessaging}
	w := service.NewWorker(adapter, config.ProviderConfig{BaseURL: "https://x"}, store, store)

	_, err := w.Drain(ctx, 10)
	if !errors.Is(err, service.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing api key") {
		t.Fatalf("expected error to describe missing credentials, got %v", err)
	}
	if adapter.callCount() != 0 {
		t.Fatalf("adapter must not be called")
	}
	it, _ := store.Get(ctx, id)
	if it.Status != model.Pending || it.Attempts != 0 {
		t.Fatalf("item must be untouched, got %+v", it)
	}
}

func TestWorker_PanicAndTimeoutDoNotAbortBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: t0}
	store := repo.NewMemoryStore().WithClock(clock.Now)

	var ids []string
	for i, dest := range []string{"+3610000001", "+3610000002", "+3610000003"} {
		id, err := store.Enqueue(ctx, model.QueueItem{
			Action:      model.ActionSend,
			Destination: dest,
			Target:      "c",
			Priority:    10 - i,
			Payload:     model.MessagePayload{Body: "x"},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	adapter := &scriptedAdapter{family: model.FamilyMessaging}
	adapter.fn = func(ctx context.Context, it model.QueueItem) provider.Outcome {
		switch it.ID {
		case ids[0]:
			panic("boom")
		case ids[1]:
			<-ctx.Done()
			return provider.Outcome{Error: ctx.Err().Error()}
		}
		return provider.Outcome{Success: true, ExternalID: "m"}
	}

	cfg := validProvider()
	cfg.CallTimeout = 20 * time.Millisecond
	w := service.NewWorker(adapter, cfg, store, store).WithClock(clock.Now, func(time.Duration) {})

	sum, err := w.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sum != (service.Summary{Processed: 3, Succeeded: 1, Retrying: 2}) {
		t.Fatalf("unexpected summary %+v", sum)
	}

	panicked, _ := store.Get(ctx, ids[0])
	if !strings.Contains(panicked.ErrorMessage, "adapter panic: boom") {
		t.Fatalf("expected panic recorded, got %q", panicked.ErrorMessage)
	}
	timedOut, _ := store.Get(ctx, ids[1])
	if !strings.Contains(timedOut.ErrorMessage, "deadline exceeded") {
		t.Fatalf("expected timeout recorded, got %q", timedOut.ErrorMessage)
	}
}

func TestWorker_PacesBetweenCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := repo.NewMemoryStore()
	for _, dest := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if _, err := store.Enqueue(ctx, model.QueueItem{Action: model.ActionUpdate, Destination: dest, Target: "l"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu     sync.Mutex
		pauses []time.Duration
	)
	cfg := validProvider()
	cfg.Pacing = 250 * time.Millisecond

	w := service.NewWorker(&scriptedAdapter{family: model.FamilyMembership}, cfg, store, store).
		WithClock(func() time.Time { return time.Now().Add(time.Second) }, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			pauses = append(pauses, d)
		})

	sum, err := w.Drain(ctx, 0)
	if err != nil || sum.Succeeded != 3 {
		t.Fatalf("unexpected drain result %+v err=%v", sum, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pauses) != 2 || pauses[0] != 250*time.Millisecond {
		t.Fatalf("expected 2 pauses of 250ms, got %v", pauses)
	}
}

func TestWorker_BatchHintAndDefault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := repo.NewMemoryStore()
	for i := 0; i < 8; i++ {
		if _, err := store.Enqueue(ctx, model.QueueItem{
			Action:      model.ActionSend,
			Destination: "+361000000" + string(rune('0'+i)),
			Target:      "c",
			Payload:     model.MessagePayload{Body: "x"},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	cfg := validProvider()
	cfg.BatchSize = 5
	w := service.NewWorker(&scriptedAdapter{family: model.FamilyMessaging}, cfg, store, store).
		WithClock(func() time.Time { return time.Now().Add(time.Second) }, func(time.Duration) {})

	sum, _ := w.Drain(ctx, 2)
	if sum.Processed != 2 {
		t.Fatalf("expected hint of 2 to be honored, got %+v", sum)
	}
	sum, _ = w.Drain(ctx, 0)
	if sum.Processed != 5 {
		t.Fatalf("expected default batch size 5, got %+v", sum)
	}
	sum, _ = w.Drain(ctx, 0)
	if sum.Processed != 1 {
		t.Fatalf("expected the remaining item, got %+v", sum)
	}
}

func TestWorker_ClaimedBatchSurvivesCancellation(t *testing.T) {
	t.Parallel()

	store := repo.NewMemoryStore()
	if _, err := store.Enqueue(context.Background(), model.QueueItem{Action: model.ActionRemove, Destination: "a@b.co", Target: "l"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	adapter := &scriptedAdapter{family: model.FamilyMembership}
	adapter.fn = func(ctx context.Context, it model.QueueItem) provider.Outcome {
		if ctx.Err() != nil {
			return provider.Outcome{Error: ctx.Err().Error()}
		}
		return provider.Outcome{Success: true}
	}
	w := service.NewWorker(adapter, validProvider(), store, store).
		WithClock(func() time.Time { return time.Now().Add(time.Second) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := w.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("expected the claimed item to be processed, got %+v", sum)
	}

	rec, err := store.GetTracking(context.Background(), "a@b.co", "l")
	if err != nil || rec.State != model.StateUnsubscribed {
		t.Fatalf("expected unsubscribed tracking, got %+v err=%v", rec, err)
	}
}

func TestWorker_MirrorsTrackingToRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mirror := cache.NewRedisTrackingCache(rdb, time.Hour)

	ctx := context.Background()
	store := repo.NewMemoryStore()
	if _, err := store.Enqueue(ctx, model.QueueItem{
		Action:      model.ActionTag,
		Destination: "a@b.co",
		Target:      "l",
		Payload:     model.MembershipPayload{Tags: []string{"vip"}},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := service.NewWorker(&scriptedAdapter{family: model.FamilyMembership}, validProvider(), store, store).
		WithMirror(mirror).
		WithClock(func() time.Time { return time.Now().Add(time.Second) }, nil)

	if _, err := w.Drain(ctx, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec, err := mirror.Lookup(ctx, "a@b.co", "l")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.State != model.StateTagged || rec.Attempts != 1 {
		t.Fatalf("unexpected mirrored record %+v", rec)
	}
}

type droppingMirror struct {
	*cache.RedisTrackingCache
}

func (droppingMirror) Store(context.Context, model.TrackingRecord) error {
	return errors.New("i/o timeout")
}

func TestWorker_FailedMirrorWriteInvalidatesOlderRecord(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mirror := cache.NewRedisTrackingCache(rdb, time.Hour)

	ctx := context.Background()
	if err := mirror.Store(ctx, model.TrackingRecord{Destination: "a@b.co", Target: "l", State: model.StateSubscribed, Attempts: 1}); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	store := repo.NewMemoryStore()
	if _, err := store.Enqueue(ctx, model.QueueItem{Action: model.ActionRemove, Destination: "a@b.co", Target: "l"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := service.NewWorker(&scriptedAdapter{family: model.FamilyMembership}, validProvider(), store, store).
		WithMirror(droppingMirror{mirror}).
		WithClock(func() time.Time { return time.Now().Add(time.Second) }, nil)

	if _, err := w.Drain(ctx, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if _, err := mirror.Lookup(ctx, "a@b.co", "l"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected the older mirrored record to be dropped, got %v", err)
	}
	rec, err := store.GetTracking(ctx, "a@b.co", "l")
	if err != nil || rec.State != model.StateUnsubscribed {
		t.Fatalf("expected unsubscribed in the store, got %+v err=%v", rec, err)
	}
}

func TestWorker_RecoverRequeuesStaleClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: t0}
	store := repo.NewMemoryStore().WithClock(clock.Now)
	id, _ := store.Enqueue(ctx, model.QueueItem{Action: model.ActionAdd, Destination: "a@b.co", Target: "l"})

	if _, err := store.ClaimBatch(ctx, model.FamilyMembership, 10, t0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	w := service.NewWorker(&scriptedAdapter{family: model.FamilyMembership}, validProvider(), store, store).
		WithStaleAfter(10*time.Minute).
		WithClock(clock.Now, nil)

	clock.Set(t0.Add(5 * time.Minute))
	if n, _ := w.Recover(ctx); n != 0 {
		t.Fatalf("claim is not stale yet, requeued %d", n)
	}

	clock.Set(t0.Add(11 * time.Minute))
	n, err := w.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 requeued, got %d err=%v", n, err)
	}
	it, _ := store.Get(ctx, id)
	if it.Status != model.Pending || it.Attempts != 0 {
		t.Fatalf("unexpected item %+v", it)
	}
}

func TestWorker_RecoverLeavesSlowLiveBatchAlone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &testClock{now: t0}
	store := repo.NewMemoryStore().WithClock(clock.Now)

	const batch = 100
	for i := 0; i < batch; i++ {
		if _, err := store.Enqueue(ctx, model.QueueItem{
			Action:      model.ActionAdd,
			Destination: fmt.Sprintf("user%d@example.com", i),
			Target:      "list-1",
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// A second scheduler tick overlapping the slow cycle.
	overlap := &scriptedAdapter{family: model.FamilyMembership}
	w2 := service.NewWorker(overlap, validProvider(), store, store).
		WithStaleAfter(15*time.Minute).
		WithClock(clock.Now, func(time.Duration) {})

	var (
		recovered int
		reclaimed service.Summary
	)
	slow := &scriptedAdapter{family: model.FamilyMembership}
	calls := 0
	slow.fn = func(ctx context.Context, it model.QueueItem) provider.Outcome {
		calls++
		clock.Set(clock.Now().Add(10200 * time.Millisecond))
		if calls == 90 {
			var err error
			if recovered, err = w2.Recover(ctx); err != nil {
				t.Errorf("recover: %v", err)
			}
			if reclaimed, err = w2.Drain(ctx, 0); err != nil {
				t.Errorf("overlapping drain: %v", err)
			}
		}
		return provider.Outcome{Success: true, ExternalID: "member-" + it.ID}
	}
	w1 := service.NewWorker(slow, validProvider(), store, store).
		WithStaleAfter(15*time.Minute).
		WithClock(clock.Now, func(time.Duration) {})

	sum, err := w1.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sum.Processed != batch || sum.Succeeded != batch {
		t.Fatalf("expected the whole batch to succeed, got %+v", sum)
	}
	if elapsed := clock.Now().Sub(t0); elapsed <= 15*time.Minute {
		t.Fatalf("batch should outlast the stale window, took %s", elapsed)
	}
	if recovered != 0 || reclaimed.Processed != 0 || overlap.callCount() != 0 {
		t.Fatalf("live claims were requeued: recovered=%d reclaimed=%+v overlap calls=%d",
			recovered, reclaimed, overlap.callCount())
	}

	completed, err := store.ListByStatus(ctx, model.Completed, 2*batch, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != batch {
		t.Fatalf("expected %d completed items, got %d", batch, len(completed))
	}
	for _, it := range completed {
		if it.Attempts != 0 {
			t.Fatalf("item %s delivered more than once (attempts=%d)", it.ID, it.Attempts)
		}
	}
}
