package model

import (
	"encoding/json"
	"fmt"
)

// Payload is closed over the two variants below; the action decides which
// one a queue item carries.
type Payload interface {
	payload()
}

type MembershipPayload struct {
	MergeFields map[string]string `json:"merge_fields,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

type MessagePayload struct {
	Body string `json:"body"`
}

func (MembershipPayload) payload() {}
func (MessagePayload) payload()    {}

// EncodePayload serializes the variant for storage. A nil payload is stored
// as an empty object.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func DecodePayload(action Action, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch action.Family() {
	case FamilyMembership:
		var p MembershipPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode membership payload: %w", err)
		}
		return p, nil
	case FamilyMessaging:
		var p MessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("decode payload: unknown action %q", action)
}

// MembershipOf returns the membership variant, or an empty one when the item
// carries none.
func MembershipOf(it QueueItem) MembershipPayload {
	if p, ok := it.Payload.(MembershipPayload); ok {
		return p
	}
	return MembershipPayload{}
}

func MessageOf(it QueueItem) (MessagePayload, bool) {
	p, ok := it.Payload.(MessagePayload)
	return p, ok
}
