package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

// MemoryStore implements every store interface behind one mutex. It is used
// by tests and by local runs without Postgres.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	seq       int64
	items     map[string]*memItem
	tracking  map[trackingKey]model.TrackingRecord
	campaigns map[string]model.Campaign
	audiences map[string][]model.Recipient
	suppress  map[string]bool
}

type memItem struct {
	item model.QueueItem
	seq  int64
}

type trackingKey struct {
	destination string
	target      string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		items:     make(map[string]*memItem),
		tracking:  make(map[trackingKey]model.TrackingRecord),
		campaigns: make(map[string]model.Campaign),
		audiences: make(map[string][]model.Recipient),
		suppress:  make(map[string]bool),
	}
}

// WithClock replaces the store clock used for created/updated timestamps.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Enqueue(_ context.Context, item model.QueueItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := prepareForEnqueue(item, s.now())
	if err != nil {
		return "", err
	}
	if _, exists := s.items[item.ID]; exists {
		return "", fmt.Errorf("queue item %s already exists", item.ID)
	}
	s.seq++
	s.items[item.ID] = &memItem{item: item, seq: s.seq}
	return item.ID, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, family model.Family, limit int, now time.Time) ([]model.QueueItem, error) {
	limit, err := clampLimit(family, limit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*memItem
	for _, m := range s.items {
		if m.item.Status == model.Pending &&
			m.item.Action.Family() == family &&
			!m.item.ScheduledFor.After(now) {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]model.QueueItem, 0, len(eligible))
	for _, m := range eligible {
		m.item.Status = model.Processing
		m.item.UpdatedAt = now
		out = append(out, m.item)
	}
	return out, nil
}

func (s *MemoryStore) UpdateOutcome(_ context.Context, id string, out model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.items[id]
	if !ok || m.item.Status != model.Processing {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	m.item.Status = out.Status
	m.item.Attempts = out.Attempts
	if !out.ScheduledFor.IsZero() {
		m.item.ScheduledFor = out.ScheduledFor
	}
	m.item.ErrorMessage = out.ErrorMessage
	m.item.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, ids []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if m, ok := s.items[id]; ok && m.item.Status == model.Processing {
			m.item.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.items {
		if m.item.Status == model.Processing && m.item.UpdatedAt.Before(olderThan) {
			m.item.Status = model.Pending
			m.item.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.items[id]
	if !ok {
		return model.QueueItem{}, ErrNotFound
	}
	return m.item, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status, limit, offset int) ([]model.QueueItem, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	limit, offset = normalizePage(limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*memItem
	for _, m := range s.items {
		if m.item.Status == status {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]model.QueueItem, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.item)
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := trackingKey{destination: rec.Destination, target: rec.Target}
	if prev, ok := s.tracking[key]; ok {
		rec.Attempts += prev.Attempts
		if rec.ExternalID == "" {
			rec.ExternalID = prev.ExternalID
		}
	}
	s.tracking[key] = rec
	return rec, nil
}

func (s *MemoryStore) GetTracking(_ context.Context, destination, target string) (model.TrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tracking[trackingKey{destination: destination, target: target}]
	if !ok {
		return model.TrackingRecord{}, ErrNotFound
	}
	return rec, nil
}

// PutCampaign stores a campaign as a producer would.
func (s *MemoryStore) PutCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.campaigns[c.ID] = c
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) MarkExpanded(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.ExpandedAt != nil {
		return false, nil
	}
	c.ExpandedAt = &at
	s.campaigns[id] = c
	return true, nil
}

func (s *MemoryStore) SetTotalRecipients(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.TotalRecipients = total
	s.campaigns[id] = c
	return nil
}

func (s *MemoryStore) IncrementCounters(_ context.Context, id string, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	c.Sent += sent
	c.Failed += failed
	s.campaigns[id] = c
	return nil
}

func (s *MemoryStore) SetAudience(audienceID string, members []model.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audiences[audienceID] = append([]model.Recipient(nil), members...)
}

func (s *MemoryStore) Audience(_ context.Context, audienceID string) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Recipient(nil), s.audiences[audienceID]...), nil
}

// Suppress adds normalized destinations to the suppression list.
func (s *MemoryStore) Suppress(destinations ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range destinations {
		s.suppress[d] = true
	}
}

func (s *MemoryStore) Suppressed(_ context.Context, destinations []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, d := range destinations {
		if s.suppress[d] {
			out[d] = true
		}
	}
	return out, nil
}

var (
	_ QueueStore      = (*MemoryStore)(nil)
	_ TrackingStore   = (*MemoryStore)(nil)
	_ CampaignStore   = (*MemoryStore)(nil)
	_ AudienceSource  = (*MemoryStore)(nil)
	_ SuppressionList = (*MemoryStore)(nil)
)
