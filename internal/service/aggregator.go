package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
	"github.com/LeventeLantos/outbound-delivery/internal/repo"
)

var ErrAlreadyExpanded = errors.New("campaign already expanded")

// Aggregator turns a campaign into one send item per eligible recipient.
type Aggregator struct {
	queue       repo.QueueStore
	campaigns   repo.CampaignStore
	audience    repo.AudienceSource
	suppression repo.SuppressionList
	renderer    *TemplateRenderer
	now         func() time.Time
}

func NewAggregator(queue repo.QueueStore, campaigns repo.CampaignStore, audience repo.AudienceSource, suppression repo.SuppressionList) *Aggregator {
	return &Aggregator{
		queue:       queue,
		campaigns:   campaigns,
		audience:    audience,
		suppression: suppression,
		renderer:    NewTemplateRenderer(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Expand enqueues the campaign once. Every read happens before the expansion
// flag is taken, so a failed lookup leaves the campaign expandable. Only a
// failure inside the enqueue loop leaves a partially expanded campaign, which
// must be repaired by hand rather than re-expanded.
func (a *Aggregator) Expand(ctx context.Context, campaignID string) ([]model.QueueItem, error) {
	c, err := a.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if c.ExpandedAt != nil {
		return nil, ErrAlreadyExpanded
	}

	tpl, err := a.renderer.Compile(c.Template)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, err)
	}

	members, err := a.audience.Audience(ctx, c.AudienceID)
	if err != nil {
		return nil, fmt.Errorf("resolve audience %s: %w", c.AudienceID, err)
	}

	recipients, dests := normalizeRecipients(c.ID, members)

	suppressed, err := a.suppression.Suppressed(ctx, dests)
	if err != nil {
		return nil, fmt.Errorf("check suppression list: %w", err)
	}

	var (
		pending []model.QueueItem
		skipped int
	)
	for _, rc := range recipients {
		if suppressed[rc.Destination] {
			skipped++
			continue
		}

		body, err := tpl.Render(rc)
		if err != nil || body == "" {
			slog.Warn("skipping recipient with unusable message",
				"campaign_id", c.ID,
				"destination", model.Redact(rc.Destination),
				"err", err,
			)
			continue
		}

		pending = append(pending, model.QueueItem{
			Action:      model.ActionSend,
			Destination: rc.Destination,
			Target:      c.ID,
			Payload:     model.MessagePayload{Body: body},
			Priority:    c.Priority,
			MaxAttempts: c.MaxAttempts,
		})
	}

	ok, err := a.campaigns.MarkExpanded(ctx, c.ID, a.now())
	if err != nil {
		return nil, fmt.Errorf("mark campaign %s expanded: %w", campaignID, err)
	}
	if !ok {
		return nil, ErrAlreadyExpanded
	}

	out := make([]model.QueueItem, 0, len(pending))
	for _, item := range pending {
		id, err := a.queue.Enqueue(ctx, item)
		if err != nil {
			return out, fmt.Errorf("enqueue for campaign %s: %w", c.ID, err)
		}
		item.ID = id
		item.Status = model.Pending
		out = append(out, item)
	}

	if err := a.campaigns.SetTotalRecipients(ctx, c.ID, len(out)); err != nil {
		return out, fmt.Errorf("set campaign %s total: %w", c.ID, err)
	}

	slog.Info("campaign expanded",
		"campaign_id", c.ID,
		"audience", len(members),
		"suppressed", skipped,
		"enqueued", len(out),
	)
	return out, nil
}

// normalizeRecipients drops invalid and duplicate destinations, keeping the
// first occurrence.
func normalizeRecipients(campaignID string, members []model.Recipient) ([]model.Recipient, []string) {
	seen := make(map[string]bool, len(members))
	recipients := make([]model.Recipient, 0, len(members))
	dests := make([]string, 0, len(members))

	for _, m := range members {
		dest, err := model.NormalizeDestination(m.Destination)
		if err != nil {
			slog.Warn("skipping invalid recipient", "campaign_id", campaignID, "destination", model.Redact(m.Destination))
			continue
		}
		if seen[dest] {
			continue
		}
		seen[dest] = true
		m.Destination = dest
		recipients = append(recipients, m)
		dests = append(dests, dest)
	}
	return recipients, dests
}
