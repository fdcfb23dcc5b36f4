package model

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed:
		return true
	}
	return false
}

// Terminal reports whether no further processing will occur.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Family groups actions that are delivered by the same provider adapter.
type Family string

const (
	FamilyMembership Family = "membership"
	FamilyMessaging  Family = "messaging"
)

const (
	MembershipBatchCeiling = 100
	MessagingBatchCeiling  = 50

	DefaultMaxAttempts = 3
)

func ParseFamily(raw string) (Family, error) {
	switch f := Family(raw); f {
	case FamilyMembership, FamilyMessaging:
		return f, nil
	}
	return "", fmt.Errorf("unknown provider family %q", raw)
}

// Ceiling is the hard per-claim limit for the family, independent of what
// the caller asks for.
func (f Family) Ceiling() int {
	switch f {
	case FamilyMembership:
		return MembershipBatchCeiling
	case FamilyMessaging:
		return MessagingBatchCeiling
	}
	return 0
}

type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
	ActionTag    Action = "tag"
	ActionSend   Action = "send"
)

func (a Action) Family() Family {
	switch a {
	case ActionAdd, ActionUpdate, ActionRemove, ActionTag:
		return FamilyMembership
	case ActionSend:
		return FamilyMessaging
	}
	return ""
}

type QueueItem struct {
	ID           string    `json:"id"`
	Action       Action    `json:"action"`
	Destination  string    `json:"destination"`
	Target       string    `json:"target"`
	Payload      Payload   `json:"payload"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	Priority     int       `json:"priority"`
	ScheduledFor time.Time `json:"scheduled_for"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrInvalidItem = errors.New("invalid queue item")
)

// Validate checks the fields a producer is responsible for. The payload
// variant must match the action.
func (it *QueueItem) Validate() error {
	if it.Action.Family() == "" {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidItem, it.Action)
	}
	if it.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidItem)
	}
	if it.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidItem)
	}
	if it.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be >= 0", ErrInvalidItem)
	}
	switch p := it.Payload.(type) {
	case MembershipPayload:
		if it.Action.Family() != FamilyMembership {
			return fmt.Errorf("%w: action %q does not take a membership payload", ErrInvalidItem, it.Action)
		}
	case MessagePayload:
		if it.Action != ActionSend {
			return fmt.Errorf("%w: action %q does not take a message payload", ErrInvalidItem, it.Action)
		}
		if p.Body == "" {
			return fmt.Errorf("%w: message body is required", ErrInvalidItem)
		}
	case nil:
		if it.Action == ActionSend {
			return fmt.Errorf("%w: send requires a message payload", ErrInvalidItem)
		}
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidItem, p)
	}
	return nil
}

// Outcome is the state a claimed item moves to at the end of one attempt.
type Outcome struct {
	Status       Status
	Attempts     int
	ScheduledFor time.Time
	ErrorMessage string
}
