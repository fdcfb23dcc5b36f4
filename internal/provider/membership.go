package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/LeventeLantos/outbound-delivery/internal/client"
	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

type MembershipAPI interface {
	UpsertMember(ctx context.Context, listID, hash string, m client.MemberUpsert) (string, error)
	DeleteMember(ctx context.Context, listID, hash string) error
	AddTags(ctx context.Context, listID, hash string, tags []string) error
}

type MembershipAdapter struct {
	api MembershipAPI
}

func NewMembershipAdapter(api MembershipAPI) *MembershipAdapter {
	return &MembershipAdapter{api: api}
}

func (a *MembershipAdapter) Family() model.Family { return model.FamilyMembership }

// SubscriberHash is the stable external key for a destination, so retries
// of the same item always address the same member record.
func SubscriberHash(destination string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(destination))))
	return hex.EncodeToString(sum[:])
}

func (a *MembershipAdapter) Deliver(ctx context.Context, item model.QueueItem) Outcome {
	hash := SubscriberHash(item.Destination)
	p := model.MembershipOf(item)

	switch item.Action {
	case model.ActionAdd, model.ActionUpdate:
		id, err := a.api.UpsertMember(ctx, item.Target, hash, client.MemberUpsert{
			Address:     item.Destination,
			MergeFields: p.MergeFields,
		})
		if err != nil {
			return failed(err)
		}
		return succeeded(id)

	case model.ActionRemove:
		err := a.api.DeleteMember(ctx, item.Target, hash)
		if err != nil && !errors.Is(err, client.ErrNotFound) {
			return failed(err)
		}
		return succeeded(hash)

	case model.ActionTag:
		if len(p.Tags) == 0 {
			return succeeded(hash)
		}
		if err := a.api.AddTags(ctx, item.Target, hash, p.Tags); err != nil {
			return failed(err)
		}
		return succeeded(hash)
	}

	return failed(fmt.Errorf("membership adapter cannot handle action %q", item.Action))
}
