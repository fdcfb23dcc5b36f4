package model

import "time"

type TrackingState string

const (
	StateSubscribed   TrackingState = "subscribed"
	StateUpdated      TrackingState = "updated"
	StateUnsubscribed TrackingState = "unsubscribed"
	StateTagged       TrackingState = "tagged"
	StateSent         TrackingState = "sent"
	StateFailed       TrackingState = "failed"
)

// SuccessState is the tracking state recorded after a successful attempt of
// the given action.
func SuccessState(a Action) TrackingState {
	switch a {
	case ActionAdd:
		return StateSubscribed
	case ActionUpdate:
		return StateUpdated
	case ActionRemove:
		return StateUnsubscribed
	case ActionTag:
		return StateTagged
	case ActionSend:
		return StateSent
	}
	return ""
}

// TrackingRecord is the latest known outcome per (destination, target).
// Attempts is cumulative across every queue item that addressed the pair.
type TrackingRecord struct {
	Destination string        `json:"destination"`
	Target      string        `json:"target"`
	ExternalID  string        `json:"external_id,omitempty"`
	State       TrackingState `json:"state"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Campaign struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Template        string     `json:"template"`
	AudienceID      string     `json:"audience_id"`
	Priority        int        `json:"priority"`
	MaxAttempts     int        `json:"max_attempts"`
	TotalRecipients int        `json:"total_recipients"`
	Sent            int        `json:"sent"`
	Failed          int        `json:"failed"`
	ExpandedAt      *time.Time `json:"expanded_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Recipient is one audience member with the fields available to templates.
type Recipient struct {
	Destination string
	Fields      map[string]string
}
