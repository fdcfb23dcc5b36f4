package provider

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

const DefaultContentMax = 1600

type SendClient interface {
	Send(ctx context.Context, phoneNumber, message string) (remoteMessageID string, err error)
}

type MessagingAdapter struct {
	client     SendClient
	contentMax int
}

func NewMessagingAdapter(client SendClient, contentMax int) *MessagingAdapter {
	if contentMax <= 0 {
		contentMax = DefaultContentMax
	}
	return &MessagingAdapter{
		client:     client,
		contentMax: contentMax,
	}
}

func (a *MessagingAdapter) Family() model.Family { return model.FamilyMessaging }

func (a *MessagingAdapter) Deliver(ctx context.Context, item model.QueueItem) Outcome {
	if item.Action != model.ActionSend {
		return failed(fmt.Errorf("messaging adapter cannot handle action %q", item.Action))
	}
	msg, ok := model.MessageOf(item)
	if !ok || msg.Body == "" {
		return failed(fmt.Errorf("item %s has no message body", item.ID))
	}
	if utf8.RuneCountInString(msg.Body) > a.contentMax {
		return failed(fmt.Errorf("content exceeds %d chars", a.contentMax))
	}

	remoteID, err := a.client.Send(ctx, item.Destination, msg.Body)
	if err != nil {
		return failed(err)
	}
	return succeeded(remoteID)
}
