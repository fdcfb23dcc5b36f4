package provider

import (
	"context"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

// Outcome is the normalized result of one provider call.
type Outcome struct {
	Success    bool
	ExternalID string
	Error      string
}

func succeeded(externalID string) Outcome {
	return Outcome{Success: true, ExternalID: externalID}
}

func failed(err error) Outcome {
	return Outcome{Error: err.Error()}
}

// Adapter turns one queue item into one external call. Implementations never
// return errors; every failure is reported in the Outcome.
type Adapter interface {
	Family() model.Family
	Deliver(ctx context.Context, item model.QueueItem) Outcome
}
