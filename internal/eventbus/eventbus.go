// Package eventbus publishes entitlement lifecycle events to downstream
// consumers such as billing and usage gating.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/entitlements/pkg/telemetry/correlation"
)

const BlockingTransitionTopic = "entitlement.blocking_transition"

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Event is the envelope written to the bus.
type Event struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata"`
	Payload    json.RawMessage   `json:"payload"`
}

// BlockingTransition describes one committed blocking state.
type BlockingTransition struct {
	BlockingStateID  string    `json:"blocking_state_id"`
	BundleID         string    `json:"bundle_id"`
	BlockedID        string    `json:"blocked_id"`
	Type             string    `json:"type"`
	StateName        string    `json:"state_name"`
	Service          string    `json:"service"`
	BlockEntitlement bool      `json:"block_entitlement"`
	BlockBilling     bool      `json:"block_billing"`
	BlockChange      bool      `json:"block_change"`
	EffectiveDate    time.Time `json:"effective_date"`
	IsActive         bool      `json:"is_active"`
}

// NewEvent wraps payload in an envelope stamped with correlation and trace ids.
func NewEvent(ctx context.Context, topic string, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         ulid.Make().String(),
		Topic:      topic,
		OccurredAt: now.UTC(),
		Metadata:   correlation.InjectTrace(ctx, nil),
		Payload:    data,
	}, nil
}

type noopPublisher struct{}

// NewNoopPublisher drops every event.
func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) error { return nil }
